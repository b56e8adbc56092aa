package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Reserved event names delivered by the shard manager rather than decoded
// from the gateway.
const (
	// ConnectionStateEvent fires once per shard state transition. Its data
	// payload is a ConnectionStatePayload.
	ConnectionStateEvent = "CONNECTION_STATE"

	// ShardsReadyEvent fires exactly once per full startup, when every shard
	// has reached the connected state. Its data payload is empty.
	ShardsReadyEvent = "SHARDS_READY"
)

// Event is one decoded gateway dispatch (or a reserved notification).
type Event struct {
	ShardID int
	Name    string
	Data    json.RawMessage
}

// ConnectionStatePayload is the data carried by ConnectionStateEvent.
type ConnectionStatePayload struct {
	ShardID int    `json:"shard_id"`
	State   string `json:"state"`
}

// Handler consumes events for a subscribed name.
type Handler func(ev Event)

// Stats contains runtime statistics for the bridge.
type Stats struct {
	Received  int64
	Delivered int64
	Dropped   int64
	QueueLen  int
}

// Bridge decouples shard read loops from application event handling.
type Bridge struct {
	logger *slog.Logger
	queue  chan Event

	mu       sync.RWMutex
	handlers map[string][]Handler

	// stopMu serializes Publish against Stop closing the queue.
	stopMu sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	received  atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// New creates an Event Bridge with a bounded queue of the given size.
func New(queueSize int, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize < 1 {
		queueSize = 1
	}

	return &Bridge{
		logger:   logger,
		queue:    make(chan Event, queueSize),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for the given event name. Handlers run on
// the bridge's consumer goroutine, in registration order.
func (b *Bridge) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish enqueues an event without blocking. It reports whether the event
// was accepted; a full queue drops the incoming event.
func (b *Bridge) Publish(ev Event) bool {
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()

	if b.closed {
		return false
	}

	b.received.Add(1)

	select {
	case b.queue <- ev:
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("event queue full, dropping event",
			"shard_id", ev.ShardID,
			"event", ev.Name,
		)
		return false
	}
}

// Start launches the consumer goroutine. The bridge runs until Stop is
// called; ctx cancellation abandons any queued events.
func (b *Bridge) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.consumeLoop(ctx)
}

// Stop closes the intake, drains the remaining queue, and waits for the
// consumer to finish or ctx to expire. No events are accepted afterwards.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stopMu.Lock()
	if b.closed {
		b.stopMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (b *Bridge) Stats() Stats {
	return Stats{
		Received:  b.received.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		QueueLen:  len(b.queue),
	}
}

func (b *Bridge) consumeLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.queue:
			if !ok {
				return
			}
			b.dispatch(ev)
		}
	}
}

func (b *Bridge) dispatch(ev Event) {
	b.mu.RLock()
	hs := b.handlers[ev.Name]
	b.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
	b.delivered.Add(1)
}
