package solana

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// BackoffConfig bounds the retry loop used for transient RPC failures.
type BackoffConfig struct {
	MaxTries  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff matches the client's stock retry policy: up to 8 attempts
// with exponential delays capped at 16 seconds.
var DefaultBackoff = BackoffConfig{
	MaxTries:  8,
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  16 * time.Second,
}

// WithRetry runs fn until it succeeds, returns a non-retryable error, the
// attempt budget runs out, or ctx is cancelled. Delays grow exponentially
// from BaseDelay with jitter, capped at MaxDelay.
func WithRetry(ctx context.Context, cfg BackoffConfig, logger *slog.Logger, fn func() error) error {
	if cfg.MaxTries <= 0 {
		cfg = DefaultBackoff
	}
	var err error
	for attempt := 0; attempt < cfg.MaxTries; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay * (1 << (attempt - 1))
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			if jitter := int64(delay) / 4; jitter > 0 {
				delay += time.Duration(rand.Int63n(jitter))
			}
			logger.Warn("retrying after error",
				"attempt", attempt,
				"delay", delay,
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !Retryable(err) {
			return err
		}
	}
	return err
}
