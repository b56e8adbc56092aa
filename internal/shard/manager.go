package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/foxwhite25/qq-go/internal/events"
	"github.com/foxwhite25/qq-go/internal/gateway"
)

// Manager owns the shard set: coordinated startup, identify spacing,
// supervision, and the aggregate readiness signal.
type Manager struct {
	cfg    Config
	api    Bootstrapper
	bridge *events.Bridge
	logger *slog.Logger

	// newConn builds one shard connection; swapped in tests.
	newConn func(cfg gateway.Config, session *gateway.Session, gate gateway.Gate, onState gateway.StateFunc) runner

	// reidentifyDelay spaces out a fresh identify after a dropped session,
	// randomized so a fleet does not re-identify in lockstep.
	reidentifyDelay func() time.Duration

	mu        sync.Mutex
	shards    []*shardState
	connected map[int]bool
	started   bool

	readyOnce sync.Once
	readyCh   chan struct{}

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewManager creates a shard manager. The bridge receives dispatches from
// every shard plus the reserved state/readiness notifications.
func NewManager(cfg Config, api Bootstrapper, bridge *events.Bridge, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:       cfg,
		api:       api,
		bridge:    bridge,
		logger:    logger,
		connected: make(map[int]bool),
		readyCh:   make(chan struct{}),
	}
	m.reidentifyDelay = func() time.Duration {
		return time.Second + rand.N(4*time.Second)
	}
	m.newConn = func(gwCfg gateway.Config, session *gateway.Session, gate gateway.Gate, onState gateway.StateFunc) runner {
		return gateway.NewConn(gwCfg, session, bridge, logger,
			gateway.WithIdentifyGate(gate),
			gateway.WithStateFunc(onState),
		)
	}
	return m
}

// Start bootstraps the shard set and launches one supervision goroutine
// per shard. It returns once all shards are launched; connection progress
// is observable via Ready and the bridge's state notifications.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	url := m.cfg.GatewayURL
	shardCount := m.cfg.ShardCount
	maxConcurrency := m.cfg.MaxConcurrency

	if url == "" || shardCount == 0 || maxConcurrency == 0 {
		gb, err := m.api.GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("gateway bootstrap: %w", err)
		}
		if url == "" {
			url = gb.URL
		}
		if shardCount == 0 {
			shardCount = gb.Shards
		}
		if maxConcurrency == 0 {
			maxConcurrency = gb.SessionStartLimit.MaxConcurrency
		}
	}
	if shardCount < 1 {
		shardCount = 1
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	// One gate for the whole process: identify attempts are spaced no matter
	// which shard makes them, with bursts up to the session start allowance.
	gate := rate.NewLimiter(rate.Every(m.cfg.IdentifySpacing), maxConcurrency)

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	m.mu.Lock()
	m.cancel = cancel
	m.group = group
	m.mu.Unlock()

	gwCfg := gateway.Config{
		URL:              url,
		Token:            m.cfg.Token,
		Intents:          m.cfg.Intents,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		HeartbeatTimeout: m.cfg.HeartbeatTimeout,
	}

	m.mu.Lock()
	for i := 0; i < shardCount; i++ {
		session := gateway.NewSession(i, shardCount)
		conn := m.newConn(gwCfg, session, gate, m.onStateChange)
		m.shards = append(m.shards, &shardState{id: i, conn: conn, session: session})
	}
	shards := m.shards
	m.mu.Unlock()

	for _, sh := range shards {
		group.Go(func() error {
			return m.runShard(groupCtx, sh)
		})
	}

	m.logger.Info("shard manager started",
		"shard_count", shardCount,
		"max_concurrency", maxConcurrency,
		"identify_spacing", m.cfg.IdentifySpacing,
	)
	return nil
}

// Wait blocks until every shard stops. It is the single channel through
// which fatal conditions surface: a fatal close or crash loop on any shard
// cancels the rest and is returned here.
func (m *Manager) Wait() error {
	m.mu.Lock()
	group := m.group
	m.mu.Unlock()
	if group == nil {
		return ErrNotStarted
	}
	return group.Wait()
}

// Stop cancels all shards and waits for them to exit.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	group := m.group
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if group == nil {
		return ErrNotStarted
	}
	return group.Wait()
}

// Ready is closed exactly once, when every shard has reached Connected.
func (m *Manager) Ready() <-chan struct{} {
	return m.readyCh
}

// Statuses reports each shard's current state and heartbeat latency.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	shards := m.shards
	m.mu.Unlock()

	out := make([]Status, 0, len(shards))
	for _, sh := range shards {
		out = append(out, Status{
			ShardID: sh.id,
			State:   sh.conn.State(),
			Latency: sh.conn.Latency(),
		})
	}
	return out
}

// runShard supervises one shard until shutdown or a fatal condition.
// Transient outcomes (resume, re-identify, transport drops) are handled
// here and never surface.
func (m *Manager) runShard(ctx context.Context, sh *shardState) error {
	bo := newBackoff(m.cfg.ReconnectBaseDelay)
	restarts := newRestartWindow(m.cfg.MaxRestarts, m.cfg.RestartWindow)

	for {
		err := sh.conn.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if sh.tookConnected() {
			bo.reset()
			restarts.reset()
		}

		var closeErr *gateway.CloseError
		if errors.As(err, &closeErr) {
			m.logger.Error("shard closed fatally",
				"shard_id", sh.id,
				"code", closeErr.Code,
			)
			return fmt.Errorf("shard %d: %w", sh.id, closeErr)
		}

		if !restarts.record(time.Now()) {
			m.logger.Error("shard restart rate exceeded", "shard_id", sh.id)
			return fmt.Errorf("shard %d: %w", sh.id, ErrCrashLoop)
		}

		var rec *gateway.ReconnectError
		if errors.As(err, &rec) {
			if rec.Resume {
				m.logger.Info("shard resuming", "shard_id", sh.id)
				continue
			}
			// Fresh identify after a short randomized delay so a busy
			// gateway is not hammered with immediate re-identifies.
			sh.session.Clear()
			delay := m.reidentifyDelay()
			m.logger.Info("shard re-identifying",
				"shard_id", sh.id,
				"delay", delay,
			)
			if serr := sleep(ctx, delay); serr != nil {
				return nil
			}
			continue
		}

		// Transport-level failure (dial error, dropped socket).
		delay := bo.delay()
		m.logger.Warn("shard disconnected, reconnecting",
			"shard_id", sh.id,
			"error", err,
			"retry_in", delay,
		)
		if serr := sleep(ctx, delay); serr != nil {
			return nil
		}
	}
}

// onStateChange is installed on every connection. It relays state
// transitions to the bridge and drives the once-only readiness signal.
func (m *Manager) onStateChange(shardID int, state gateway.State) {
	payload, _ := json.Marshal(events.ConnectionStatePayload{
		ShardID: shardID,
		State:   state.String(),
	})
	m.bridge.Publish(events.Event{
		ShardID: shardID,
		Name:    events.ConnectionStateEvent,
		Data:    payload,
	})

	if state != gateway.StateConnected {
		return
	}

	m.mu.Lock()
	if shardID < len(m.shards) {
		m.shards[shardID].connectedRun.Store(true)
	}
	m.connected[shardID] = true
	allUp := len(m.connected) == len(m.shards) && len(m.shards) > 0
	m.mu.Unlock()

	if allUp {
		m.readyOnce.Do(func() {
			close(m.readyCh)
			m.bridge.Publish(events.Event{
				Name: events.ShardsReadyEvent,
				Data: json.RawMessage(`{}`),
			})
			m.logger.Info("all shards connected")
		})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
