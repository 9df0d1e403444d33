package resilience

import (
	"context"
	"errors"
	"time"
)

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int // total attempts, including the first
}

// Delay returns the wait before retry n (n starts at 1).
func (b Backoff) Delay(n int) time.Duration {
	if n <= 0 || b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ErrPermanent marks an error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Retry calls fn until it succeeds, returns an error wrapping ErrPermanent,
// the attempts are exhausted, or ctx is done. The last error is returned.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context, attempt int) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || attempt == attempts {
			return err
		}
		t := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
