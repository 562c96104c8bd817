package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avoicu/kamen/common/retry"
	"github.com/avoicu/kamen/internal/kamen/session"
)

// ErrUnavailable wraps a store operation that failed even after the retry
// budget and the reconnect fallback were exhausted. The failure is fatal for
// that one operation only, never for the process.
var ErrUnavailable = errors.New("store unavailable")

// Gateway applies the retry policy to the raw session operations: a bounded
// number of attempts with fixed backoff, then a reconnect-and-retry-once
// fallback. It implements session.Gateway.
type Gateway struct {
	store  *Store
	policy retry.Config
	logger *slog.Logger
}

// NewGateway wraps a Store with the default retry policy (3 attempts,
// 500 ms fixed backoff). If logger is nil the default slog logger is used.
func NewGateway(s *Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store: s,
		policy: retry.Config{
			MaxAttempts: 3,
			Delay:       500 * time.Millisecond,
		},
		logger: logger,
	}
}

// SessionExists reports whether a persisted record exists for id.
func (g *Gateway) SessionExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := g.do(ctx, "exists", id, func() error {
		var opErr error
		exists, opErr = g.store.sessionExists(ctx, id)
		return opErr
	})
	return exists, err
}

// LoadSession returns the persisted state for id, or (nil, nil) when absent.
func (g *Gateway) LoadSession(ctx context.Context, id string) (*session.State, error) {
	var st *session.State
	err := g.do(ctx, "load", id, func() error {
		var opErr error
		st, opErr = g.store.loadSession(ctx, id)
		return opErr
	})
	return st, err
}

// SaveSession upserts the full session state.
func (g *Gateway) SaveSession(ctx context.Context, st session.State) error {
	return g.do(ctx, "save", st.ID, func() error {
		return g.store.saveSession(ctx, st)
	})
}

// do runs one store operation under the retry policy, escalating to a
// connection reopen plus one final attempt when the attempts are exhausted.
func (g *Gateway) do(ctx context.Context, op, id string, fn func() error) error {
	err := retry.DoWithFallback(ctx, g.policy, fn, g.store.Reopen)
	if err != nil {
		g.logger.Error("store operation failed after retries and reconnect",
			"op", op, "session", id, "err", err)
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, id, err)
	}
	return nil
}

// Compile-time interface satisfaction check.
var _ session.Gateway = (*Gateway)(nil)
