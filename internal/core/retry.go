package core

import (
	"context"
	"time"
)

// RetryPolicy is the explicit retry schedule applied uniformly to external
// provider calls. Only transient errors are retried; permanent errors
// propagate immediately.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy is a conservative schedule for rate-limited providers.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Do runs fn up to MaxAttempts times, sleeping with exponential backoff
// between attempts. A provider-supplied Retry-After overrides the computed
// backoff for that attempt. The last error is returned when attempts are
// exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == attempts {
			return err
		}

		wait := backoff
		if hint := RetryAfterHint(err); hint > 0 {
			wait = hint
		}
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		mult := p.Multiplier
		if mult < 1 {
			mult = 2.0
		}
		backoff = time.Duration(float64(backoff) * mult)
	}
	return err
}
