package rest

import (
	"context"
	"sync"
	"time"
)

// bucket holds the rate-limit accounting for one route bucket. A channel
// semaphore serializes requests: goroutines blocked on a channel send are
// queued in arrival order, which gives the strict per-bucket FIFO the
// dispatcher guarantees. Buckets are created lazily and never destroyed.
type bucket struct {
	key string
	sem chan struct{}

	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	known     bool // server state observed at least once
}

func newBucket(key string) *bucket {
	return &bucket{
		key: key,
		sem: make(chan struct{}, 1),
	}
}

// acquire joins the bucket's FIFO queue. Callers that acquire must release.
func (b *bucket) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bucket) release() {
	<-b.sem
}

// delay returns how long the holder must wait before dispatching: zero
// unless the bucket is known-exhausted and the reset is still ahead.
func (b *bucket) delay(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.known || b.remaining > 0 {
		return 0
	}
	if d := b.resetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// consume optimistically spends one call. The estimate never goes below
// zero; the server's headers correct it on return.
func (b *bucket) consume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining > 0 {
		b.remaining--
	}
}

// update overwrites the optimistic estimate with server-reported state.
func (b *bucket) update(rl RateLimit, now time.Time) {
	if !rl.HasState {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = rl.Limit
	b.remaining = rl.Remaining
	b.resetAt = now.Add(rl.ResetAfter)
	b.known = true
}

// exhaust marks the bucket empty until the given reset, used on a 429 that
// arrived without full state headers.
func (b *bucket) exhaust(resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = 0
	b.resetAt = resetAt
	b.known = true
}

// globalGate blocks every bucket while a global rate limit is active.
type globalGate struct {
	mu    sync.Mutex
	until time.Time
}

// lock extends the gate's deadline; shorter locks never shrink it.
func (g *globalGate) lock(now time.Time, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until := now.Add(d); until.After(g.until) {
		g.until = until
	}
}

// wait blocks until the gate is open. Loops because the gate may be locked
// again while sleeping.
func (g *globalGate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		d := time.Until(g.until)
		g.mu.Unlock()

		if d <= 0 {
			return nil
		}

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
