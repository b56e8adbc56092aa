package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "test-token", opts...)
}

// hitLog records request arrival order and timing.
type hitLog struct {
	mu    sync.Mutex
	times []time.Time
	notes []string
}

func (l *hitLog) record(note string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = append(l.times, time.Now())
	l.notes = append(l.notes, note)
	return len(l.times)
}

func (l *hitLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.times)
}

func (l *hitLog) snapshot() ([]time.Time, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.times...), append([]string(nil), l.notes...)
}

func TestDoSuccess(t *testing.T) {
	var gotAuth, gotAccept, gotReqID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotReqID = r.Header.Get("X-Request-ID")
		w.Header().Set("X-RateLimit-Limit", "5")
		w.Header().Set("X-RateLimit-Remaining", "4")
		w.Header().Set("X-RateLimit-Reset-After", "2.5")
		w.Header().Set("X-RateLimit-Bucket", "abc123")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"1"}`))
	})

	resp, err := c.Do(context.Background(), NewRoute(http.MethodGet, "/gateway/bot", nil), nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"id":"1"}`, string(resp.Body))
	assert.Equal(t, "Bot test-token", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.NotEmpty(t, gotReqID)

	rl := resp.RateLimit
	assert.True(t, rl.HasState)
	assert.Equal(t, 5, rl.Limit)
	assert.Equal(t, 4, rl.Remaining)
	assert.Equal(t, 2500*time.Millisecond, rl.ResetAfter)
	assert.Equal(t, "abc123", rl.Bucket)
}

func TestDoBucketFIFO(t *testing.T) {
	log := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body MessageSend
		json.NewDecoder(r.Body).Decode(&body)
		n := log.record(body.Content)

		w.Header().Set("X-RateLimit-Limit", "5")
		w.Header().Set("X-RateLimit-Reset-After", "0.15")
		if n == 1 {
			// exhaust the bucket so the queued requests must wait
			w.Header().Set("X-RateLimit-Remaining", "0")
		} else {
			w.Header().Set("X-RateLimit-Remaining", "4")
		}
		w.Write([]byte(`{"id":"m"}`))
	})

	route := NewRoute(http.MethodPost, "/channels/{channel_id}/messages", map[string]string{
		"channel_id": "42",
	})

	var wg sync.WaitGroup
	for i, content := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 60 * time.Millisecond)
			_, err := c.Do(context.Background(), route, MessageSend{Content: content})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	times, notes := log.snapshot()
	require.Equal(t, []string{"first", "second", "third"}, notes)
	// the second request must have waited out the reset window
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 100*time.Millisecond)
}

func TestDoProactiveBucketWait(t *testing.T) {
	log := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := log.record("")
		w.Header().Set("X-RateLimit-Limit", "1")
		w.Header().Set("X-RateLimit-Reset-After", "0.12")
		if n == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
		} else {
			w.Header().Set("X-RateLimit-Remaining", "1")
		}
		w.Write([]byte(`{}`))
	})

	route := NewRoute(http.MethodGet, "/guilds/{guild_id}", map[string]string{"guild_id": "9"})

	_, err := c.Do(context.Background(), route, nil)
	require.NoError(t, err)
	_, err = c.Do(context.Background(), route, nil)
	require.NoError(t, err)

	times, _ := log.snapshot()
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 80*time.Millisecond)
}

func TestDo429BucketReplay(t *testing.T) {
	log := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if log.record("") == 1 {
			w.Header().Set("Retry-After", "0.1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"rate limited"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	start := time.Now()
	resp, err := c.Do(context.Background(), NewRoute(http.MethodGet, "/gateway/bot", nil), nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 2, log.count())
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestDo429GlobalBlocksOtherBuckets(t *testing.T) {
	guildLog := &hitLog{}
	channelLog := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/guilds/1":
			if guildLog.record("") == 1 {
				w.Header().Set("X-RateLimit-Global", "true")
				w.Header().Set("Retry-After", "0.25")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"message":"global limit"}`))
				return
			}
			w.Write([]byte(`{}`))
		default:
			channelLog.record("")
			w.Write([]byte(`{}`))
		}
	})

	guildRoute := NewRoute(http.MethodGet, "/guilds/{guild_id}", map[string]string{"guild_id": "1"})
	channelRoute := NewRoute(http.MethodGet, "/channels/{channel_id}/messages/{message_id}", map[string]string{
		"channel_id": "2",
		"message_id": "3",
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), guildRoute, nil)
		done <- err
	}()

	// let the global 429 land first
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	_, err := c.Do(context.Background(), channelRoute, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"a request on an unrelated bucket must wait out the global limit")

	require.NoError(t, <-done)
	assert.Equal(t, 2, guildLog.count())
}

func TestDo5xxRetriesExhausted(t *testing.T) {
	log := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		log.record("")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":500901,"message":"upstream unavailable"}`))
	}, WithRetries(2, 5*time.Millisecond))

	_, err := c.Do(context.Background(), NewRoute(http.MethodGet, "/gateway/bot", nil), nil)

	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusServiceUnavailable, herr.Status)
	assert.Equal(t, 500901, herr.Code)
	assert.Equal(t, "upstream unavailable", herr.Message)
	assert.True(t, herr.Retryable())
	assert.Equal(t, 3, log.count(), "initial attempt plus two retries")
}

func TestDo5xxEventualSuccess(t *testing.T) {
	log := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if log.record("") < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}, WithRetries(3, 5*time.Millisecond))

	resp, err := c.Do(context.Background(), NewRoute(http.MethodGet, "/gateway/bot", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 3, log.count())
}

func TestDoAuthFailureNoRetry(t *testing.T) {
	log := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		log.record("")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":100,"message":"invalid token"}`))
	})

	_, err := c.Do(context.Background(), NewRoute(http.MethodGet, "/users/@me", nil), nil)

	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.True(t, herr.AuthFailure())
	assert.False(t, herr.Retryable())
	assert.Equal(t, 100, herr.Code)
	assert.Equal(t, 1, log.count(), "auth failures must not be retried")
}

func TestDoClientErrorNoRetry(t *testing.T) {
	log := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		log.record("")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"unknown channel"}`))
	})

	_, err := c.Do(context.Background(), NewRoute(http.MethodGet, "/channels/{channel_id}/messages/{message_id}", map[string]string{
		"channel_id": "1",
		"message_id": "2",
	}), nil)

	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.Status)
	assert.Equal(t, 1, log.count())
}

func TestDoRateLimitCeiling(t *testing.T) {
	log := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		log.record("")
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"rate limited"}`))
	}, WithRateLimitCeiling(100*time.Millisecond))

	_, err := c.Do(context.Background(), NewRoute(http.MethodGet, "/gateway/bot", nil), nil)
	require.ErrorIs(t, err, ErrRateLimitCeiling)
	assert.Equal(t, 1, log.count())
}

func TestDoCanceledBeforeDispatch(t *testing.T) {
	log := &hitLog{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		log.record("")
		w.Write([]byte(`{}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, NewRoute(http.MethodGet, "/gateway/bot", nil), nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, log.count(), "a canceled request must never reach the wire")
}

func TestParseRateLimit(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", "10")
	h.Set("X-RateLimit-Remaining", "3")
	h.Set("X-RateLimit-Reset-After", "1.5")
	h.Set("X-RateLimit-Bucket", "b1")
	h.Set("Retry-After", "64.57")
	h.Set("X-RateLimit-Global", "true")

	rl := parseRateLimit(h)
	assert.True(t, rl.HasState)
	assert.Equal(t, 10, rl.Limit)
	assert.Equal(t, 3, rl.Remaining)
	assert.Equal(t, 1500*time.Millisecond, rl.ResetAfter)
	assert.Equal(t, "b1", rl.Bucket)
	assert.Equal(t, 64570*time.Millisecond, rl.RetryAfter)
	assert.True(t, rl.Global)

	empty := parseRateLimit(http.Header{})
	assert.False(t, empty.HasState)
	assert.False(t, empty.Global)
}

func TestEndpoints(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /gateway/bot":
			json.NewEncoder(w).Encode(GatewayBot{
				URL:    "wss://gateway.example",
				Shards: 2,
				SessionStartLimit: SessionStartLimit{
					Total:          1000,
					Remaining:      999,
					MaxConcurrency: 1,
				},
			})
		case "GET /users/@me":
			json.NewEncoder(w).Encode(User{ID: "bot-1", Username: "tester", Bot: true})
		case "POST /channels/42/messages":
			var send MessageSend
			json.NewDecoder(r.Body).Decode(&send)
			json.NewEncoder(w).Encode(Message{ID: "m-1", ChannelID: "42", Content: send.Content})
		case "GET /guilds/7":
			json.NewEncoder(w).Encode(Guild{ID: "7", Name: "testers", MemberCount: 3})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()

	gb, err := c.GatewayBot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example", gb.URL)
	assert.Equal(t, 2, gb.Shards)
	assert.Equal(t, 1, gb.SessionStartLimit.MaxConcurrency)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tester", me.Username)
	assert.True(t, me.Bot)

	msg, err := c.CreateMessage(ctx, "42", MessageSend{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "hello", msg.Content)

	guild, err := c.GetGuild(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "testers", guild.Name)
}
