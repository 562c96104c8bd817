// Package retry provides bounded fixed-backoff retry logic for transient
// errors, with an optional one-shot fallback action for when the retry
// budget is exhausted (e.g. reconnect a database handle and try again).
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, Delay: 500*time.Millisecond}, func() error {
//	    return gateway.Save(session)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
	// ShouldRetry is an optional predicate that lets callers classify errors
	// as retryable.  When nil, all non-nil errors are retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig provides sensible defaults for short-lived store calls.
var DefaultConfig = Config{
	MaxAttempts: 3,
	Delay:       500 * time.Millisecond,
}

// Do calls fn up to cfg.MaxAttempts times, waiting cfg.Delay between
// attempts.  It stops early when ctx is cancelled, fn returns nil, or
// ShouldRetry rejects the error.  The error from the last attempt is
// returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultConfig.Delay
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return true }
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts {
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt, "max", cfg.MaxAttempts,
				"err", lastErr, "delay", cfg.Delay)

			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(cfg.Delay):
			}
		}
	}

	return lastErr
}

// DoWithFallback runs Do and, if the retry budget is exhausted, invokes
// fallback once and gives fn one final attempt.  This is the
// retry → reconnect → retry-once escalation used by the persistence layer:
// fallback typically reopens a connection.  A fallback error is joined with
// the retry error and returned without the final attempt.  Errors that
// ShouldRetry rejects skip the fallback entirely.
func DoWithFallback(ctx context.Context, cfg Config, fn func() error, fallback func() error) error {
	err := Do(ctx, cfg, fn)
	if err == nil {
		return nil
	}
	if fallback == nil {
		return err
	}
	// An error ShouldRetry classified as permanent will not be cured by the
	// fallback either; return it without escalating.
	if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
		return err
	}

	slog.Warn("retry: attempts exhausted, running fallback", "err", err)
	if fbErr := fallback(); fbErr != nil {
		return errors.Join(err, fbErr)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(err, ctxErr)
	}
	return fn()
}
