package shard

import (
	"math/rand/v2"
	"time"
)

// backoff computes reconnect delays. Each call to delay returns a value
// uniformly drawn from [0, base*2^exp] with exp growing to a cap; a long
// quiet period since the previous call resets the exponent, as does an
// explicit reset after a successful Ready/Resumed.
type backoff struct {
	base    time.Duration
	exp     int
	maxExp  int
	resetAt time.Duration
	last    time.Time
}

func newBackoff(base time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	return &backoff{
		base:    base,
		maxExp:  10,
		resetAt: base * (1 << 11),
		last:    time.Now(),
	}
}

func (b *backoff) delay() time.Duration {
	now := time.Now()
	if now.Sub(b.last) > b.resetAt {
		b.exp = 0
	}
	b.last = now

	if b.exp < b.maxExp {
		b.exp++
	}
	ceil := b.base * (1 << b.exp)
	return time.Duration(rand.Int64N(int64(ceil) + 1))
}

func (b *backoff) reset() {
	b.exp = 0
	b.last = time.Now()
}
