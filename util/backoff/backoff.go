package backoff

import (
	"context"
	"time"
)

// Backoff produces exponentially growing delays between retries. It is not
// safe for concurrent use.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	currentDelay time.Duration
	attempts     int
}

// New creates a Backoff starting at initialDelay, multiplying the delay by
// multiplier after every wait and capping it at maxDelay.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// Wait sleeps for the current delay and then grows it. It returns ctx.Err()
// without growing the delay when ctx is done first.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.currentDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		b.attempts++
		b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restores the initial delay after a successful attempt
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
	b.attempts = 0
}

// CurrentDelay returns the delay the next Wait sleeps for
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}

// Attempts returns the number of completed waits since the last Reset
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Retry calls fn until it succeeds or ctx is done, waiting between failures.
// It returns nil on success and ctx.Err() otherwise.
func (b *Backoff) Retry(ctx context.Context, fn func() error) error {
	for {
		if err := fn(); err == nil {
			b.Reset()
			return nil
		}
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
}
