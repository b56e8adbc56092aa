package rest

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketSharedAcrossMinorParams(t *testing.T) {
	a := NewRoute(http.MethodGet, "/channels/{channel_id}/messages/{message_id}", map[string]string{
		"channel_id": "100",
		"message_id": "1",
	})
	b := NewRoute(http.MethodGet, "/channels/{channel_id}/messages/{message_id}", map[string]string{
		"channel_id": "100",
		"message_id": "2",
	})
	assert.Equal(t, a.Bucket(), b.Bucket())
}

func TestBucketSplitByMajorParam(t *testing.T) {
	a := NewRoute(http.MethodPost, "/channels/{channel_id}/messages", map[string]string{
		"channel_id": "100",
	})
	b := NewRoute(http.MethodPost, "/channels/{channel_id}/messages", map[string]string{
		"channel_id": "200",
	})
	assert.NotEqual(t, a.Bucket(), b.Bucket())

	g1 := NewRoute(http.MethodGet, "/guilds/{guild_id}", map[string]string{"guild_id": "7"})
	g2 := NewRoute(http.MethodGet, "/guilds/{guild_id}", map[string]string{"guild_id": "8"})
	assert.NotEqual(t, g1.Bucket(), g2.Bucket())
}

func TestBucketSplitByMethod(t *testing.T) {
	get := NewRoute(http.MethodGet, "/channels/{channel_id}/messages", map[string]string{
		"channel_id": "100",
	})
	post := NewRoute(http.MethodPost, "/channels/{channel_id}/messages", map[string]string{
		"channel_id": "100",
	})
	assert.NotEqual(t, get.Bucket(), post.Bucket())
}

func TestRouteURL(t *testing.T) {
	r := NewRoute(http.MethodGet, "/channels/{channel_id}/messages/{message_id}", map[string]string{
		"channel_id": "100",
		"message_id": "abc/def",
	})
	assert.Equal(t, "https://api.example/channels/100/messages/abc%2Fdef", r.url("https://api.example"))

	plain := NewRoute(http.MethodGet, "/gateway/bot", nil)
	assert.Equal(t, "https://api.example/gateway/bot", plain.url("https://api.example"))
}
