package shard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxwhite25/qq-go/internal/gateway"
	"github.com/foxwhite25/qq-go/internal/rest"
)

// Errors.
var (
	// ErrCrashLoop marks a shard that restarted faster than the bounded
	// rate allows.
	ErrCrashLoop = errors.New("shard: restarting too fast")

	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("shard: manager already started")

	// ErrNotStarted is returned by Wait or Stop before Start has run.
	ErrNotStarted = errors.New("shard: manager not started")
)

// Config holds shard manager settings.
type Config struct {
	Token   string
	Intents int64

	// GatewayURL overrides the bootstrap-discovered URL when set.
	GatewayURL string

	// ShardCount of 0 uses the gateway's recommended count.
	ShardCount int

	// MaxConcurrency of 0 uses the gateway's session start limit.
	MaxConcurrency int

	// IdentifySpacing is the minimum gap between Identify attempts across
	// the whole process. The vendor limits identifies per bot, not per shard.
	IdentifySpacing time.Duration

	// MaxRestarts within RestartWindow before a shard is declared a crash
	// loop and the whole manager fails.
	MaxRestarts   int
	RestartWindow time.Duration

	// ReconnectBaseDelay seeds the per-shard reconnect backoff.
	ReconnectBaseDelay time.Duration

	// Per-connection settings forwarded to each gateway.Conn.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	HeartbeatTimeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.IdentifySpacing == 0 {
		cfg.IdentifySpacing = 5 * time.Second
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow == 0 {
		cfg.RestartWindow = time.Minute
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
}

// Bootstrapper is the slice of the REST dispatcher the manager needs.
type Bootstrapper interface {
	GatewayBot(ctx context.Context) (*rest.GatewayBot, error)
}

// runner is one shard connection; satisfied by *gateway.Conn and faked in
// tests.
type runner interface {
	Run(ctx context.Context) error
	State() gateway.State
	Latency() time.Duration
}

// Status is one shard's externally visible health.
type Status struct {
	ShardID int
	State   gateway.State
	Latency time.Duration
}

// shardState is the manager's bookkeeping for one shard.
type shardState struct {
	id      int
	conn    runner
	session *gateway.Session

	// connectedRun is set by the state observer when the shard reaches
	// Connected, and consumed by the supervision loop after each Run.
	connectedRun atomic.Bool
}

func (s *shardState) tookConnected() bool {
	return s.connectedRun.Swap(false)
}

// restartWindow counts restarts within a sliding window.
type restartWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	times  []time.Time
}

func newRestartWindow(max int, window time.Duration) *restartWindow {
	return &restartWindow{max: max, window: window}
}

// record notes a restart and reports whether the shard is still within its
// allowed rate.
func (w *restartWindow) record(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	n := 0
	for _, t := range w.times {
		if t.After(cutoff) {
			w.times[n] = t
			n++
		}
	}
	w.times = w.times[:n]

	w.times = append(w.times, now)
	return len(w.times) <= w.max
}

func (w *restartWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = w.times[:0]
}
