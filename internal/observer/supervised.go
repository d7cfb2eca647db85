package observer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures exponential backoff retry behavior for
// observer notifications.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 2s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration. The
// elapsed budget is kept short: the notify call runs inside the poll
// loop and must never stall a tick for long.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Supervised wraps an Observer with bounded exponential retries. The
// notification either lands within the retry budget or comes back as an
// error the caller records; it is never fired and forgotten.
type Supervised struct {
	next Observer
	cfg  RetryConfig
}

func Supervise(next Observer, cfg RetryConfig) *Supervised {
	return &Supervised{next: next, cfg: cfg}
}

func (s *Supervised) NotifyRepeatedMiss(ctx context.Context, taskID, userID string, consecutive int) error {
	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return s.next.NotifyRepeatedMiss(ctx, taskID, userID, consecutive)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialInterval
	policy.MaxInterval = s.cfg.MaxInterval
	policy.MaxElapsedTime = s.cfg.MaxElapsedTime
	policy.Multiplier = s.cfg.Multiplier
	policy.RandomizationFactor = s.cfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
