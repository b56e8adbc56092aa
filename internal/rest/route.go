package rest

import (
	"net/url"
	"strings"
)

// Route identifies one REST call: an HTTP method, a path template with
// {placeholder} segments, and the values filling them. The channel_id and
// guild_id placeholders are major parameters: they partition rate limits
// independently of the rest of the route.
type Route struct {
	Method string
	Path   string
	Params map[string]string
}

// NewRoute builds a route. Params may be nil for parameterless paths.
func NewRoute(method, path string, params map[string]string) Route {
	return Route{Method: method, Path: path, Params: params}
}

// Bucket returns the rate-limit bucket key: method, major parameters, and
// the unsubstituted path template. Two routes share a bucket exactly when
// all three match.
func (r Route) Bucket() string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(':')
	b.WriteString(r.Params["channel_id"])
	b.WriteByte(':')
	b.WriteString(r.Params["guild_id"])
	b.WriteByte(':')
	b.WriteString(r.Path)
	return b.String()
}

// url substitutes the parameters into the path template and joins it to
// the base URL.
func (r Route) url(base string) string {
	path := r.Path
	for k, v := range r.Params {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}
	return base + path
}
