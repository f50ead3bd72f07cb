package oip

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes jittered exponential retry delays: base doubling per
// attempt, capped, with up to 25% random jitter.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the delay before the given retry attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << uint(attempt)
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Wait sleeps the attempt's delay or returns early when ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.Delay(attempt)):
		return nil
	}
}
