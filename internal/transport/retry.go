package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig controls reconnect and dial backoff.
type RetryConfig struct {
	MaxAttempts int           // maximum number of attempts; 0 means unlimited for Backoff
	InitialWait time.Duration // wait before first retry
	MaxWait     time.Duration // maximum wait between retries
	Multiplier  float64       // backoff multiplier
}

// DefaultRetryConfig returns the dial defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
	}
}

// Backoff yields successive waits for cfg.
type Backoff struct {
	cfg  RetryConfig
	next time.Duration
}

// NewBackoff starts a backoff sequence at cfg.InitialWait.
func NewBackoff(cfg RetryConfig) *Backoff {
	return &Backoff{cfg: cfg, next: cfg.InitialWait}
}

// Next returns the wait to use now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	wait := b.next
	b.next = time.Duration(float64(b.next) * b.cfg.Multiplier)
	if b.cfg.MaxWait > 0 && b.next > b.cfg.MaxWait {
		b.next = b.cfg.MaxWait
	}
	return wait
}

// Reset restarts the sequence after a success.
func (b *Backoff) Reset() {
	b.next = b.cfg.InitialWait
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithRetry runs fn until it succeeds, ctx ends, or cfg.MaxAttempts is
// reached. Context errors and ErrClosed are not retried.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	b := NewBackoff(cfg)

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		var result T
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if !retryable(err) || attempt == cfg.MaxAttempts {
			break
		}
		if serr := Sleep(ctx, b.Next()); serr != nil {
			return zero, serr
		}
	}
	return zero, fmt.Errorf("%s: %w", op, err)
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrClosed)
}
