package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avoicu/kamen/internal/kamen/llm"
	"github.com/avoicu/kamen/internal/kamen/persona"
)

// Gateway is the durable store for session state. Implementations retry
// transient failures internally; an error from any method means the
// operation failed for good and the caller should degrade gracefully.
type Gateway interface {
	// SessionExists reports whether a persisted record exists for id.
	SessionExists(ctx context.Context, id string) (bool, error)

	// LoadSession returns the persisted state for id, or (nil, nil) when no
	// record exists.
	LoadSession(ctx context.Context, id string) (*State, error)

	// SaveSession upserts the full session state, replacing the persisted
	// message list and persona roster. Callers always pass complete state,
	// never a delta.
	SaveSession(ctx context.Context, st State) error
}

// Config holds configuration for the Manager.
type Config struct {
	// SweepInterval is how often the background sweep runs.
	// Default: 10 minutes.
	SweepInterval time.Duration

	// IdleThreshold is the inactivity window after which a resident session
	// is flushed to the gateway and evicted from memory. Default: 5 minutes.
	IdleThreshold time.Duration
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 10 * time.Minute,
		IdleThreshold: 5 * time.Minute,
	}
}

// Manager owns the in-memory map of session ID → Conversation. While a
// session is resident the in-memory copy is authoritative; once evicted,
// the gateway's copy is, until the next lazy rehydration.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Conversation

	config   Config
	catalog  *persona.Catalog
	provider llm.Provider
	gateway  Gateway
	logger   *slog.Logger
}

// NewManager creates a Manager. If logger is nil the default slog logger
// is used.
func NewManager(cfg Config, catalog *persona.Catalog, provider llm.Provider, gw Gateway, logger *slog.Logger) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultConfig().IdleThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Conversation),
		config:   cfg,
		catalog:  catalog,
		provider: provider,
		gateway:  gw,
		logger:   logger,
	}
}

// StartSession creates a fresh session for id. It fails with
// ErrAlreadyInitialized when the id is already resident or persisted.
//
// The existence check can spend seconds in retry backoff when the store is
// unhealthy, so the map lock is released around it and the residency check
// repeated afterwards; whichever concurrent start registers first wins.
func (m *Manager) StartSession(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	_, resident := m.sessions[id]
	m.mu.Unlock()
	if resident {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
	}

	exists, err := m.gateway.SessionExists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("start session %s: %w", id, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, resident := m.sessions[id]; resident {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
	}
	conv := newConversation(id, m.catalog, m.provider, m.logger)
	m.sessions[id] = conv
	m.logger.Info("session started", "session", id)
	return conv, nil
}

// Resolve returns the session for id: the resident conversation when
// present, otherwise a conversation rehydrated from the gateway. The second
// return value is false when no session exists anywhere — that is not an
// error; the caller decides whether absence means "must initialize first".
func (m *Manager) Resolve(ctx context.Context, id string) (*Conversation, bool, error) {
	for {
		m.mu.Lock()
		conv, resident := m.sessions[id]
		m.mu.Unlock()

		if resident {
			conv.mu.Lock()
			if conv.evicted {
				// The sweep flushed this conversation between the map read
				// and here; its state lives in the gateway now. Drop the
				// stale entry if one remains and resolve again.
				conv.mu.Unlock()
				m.mu.Lock()
				if m.sessions[id] == conv {
					delete(m.sessions, id)
				}
				m.mu.Unlock()
				continue
			}
			// Touch the idle clock under the guard so a just-resolved
			// session cannot be swept out from under its caller.
			conv.lastAccess = time.Now()
			conv.mu.Unlock()
			return conv, true, nil
		}

		st, err := m.gateway.LoadSession(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("resolve session %s: %w", id, err)
		}
		if st == nil {
			return nil, false, nil
		}

		m.mu.Lock()
		// Another handler may have hydrated the same id while we were loading.
		if _, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			continue
		}
		conv = hydrateConversation(st, m.catalog, m.provider, m.logger)
		m.sessions[id] = conv
		m.mu.Unlock()
		m.logger.Info("session rehydrated",
			"session", id, "messages", len(st.Messages), "personas", len(st.PersonaNames))
		return conv, true, nil
	}
}

// Sweep flushes every resident session idle longer than the configured
// threshold (relative to now) to the gateway and evicts it from memory.
// A flush failure for one session is logged and leaves that session
// resident for the next cycle; the sweep of other sessions continues.
func (m *Manager) Sweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	candidates := make(map[string]*Conversation, len(m.sessions))
	for id, conv := range m.sessions {
		candidates[id] = conv
	}
	m.mu.Unlock()

	for id, conv := range candidates {
		// Never evict a session that is actively being mutated: take the
		// same per-session guard the handlers use, but do not block on it.
		if !conv.mu.TryLock() {
			continue
		}

		if now.Sub(conv.lastAccess) <= m.config.IdleThreshold {
			conv.mu.Unlock()
			continue
		}

		st := conv.snapshotLocked()
		if err := m.gateway.SaveSession(ctx, st); err != nil {
			conv.mu.Unlock()
			m.logger.Warn("sweep: flush failed, session stays resident",
				"session", id, "err", err)
			continue
		}

		// Evict while still holding the per-session guard so no handler can
		// mutate the conversation between the flush and the map delete.
		// Lock order is conv.mu then m.mu; nothing nests them the other way.
		m.mu.Lock()
		if m.sessions[id] == conv {
			delete(m.sessions, id)
			conv.evicted = true
		}
		m.mu.Unlock()
		conv.mu.Unlock()

		m.logger.Info("session flushed and evicted",
			"session", id, "messages", len(st.Messages))
	}
}

// FlushAll persists every resident session without evicting it. Used on
// shutdown so in-memory state is not lost. Errors are logged per session;
// the first one is returned after all sessions have been attempted.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	convs := make([]*Conversation, 0, len(m.sessions))
	for _, conv := range m.sessions {
		convs = append(convs, conv)
	}
	m.mu.Unlock()

	var firstErr error
	for _, conv := range convs {
		if err := m.gateway.SaveSession(ctx, conv.Snapshot()); err != nil {
			m.logger.Warn("flush: save failed", "session", conv.ID(), "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Resident returns the number of sessions currently held in memory.
func (m *Manager) Resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run executes the sweep on the configured interval until ctx is cancelled.
// Intended to run as a background goroutine, independent of the inbound
// event path.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("idle sweep running",
		"interval", m.config.SweepInterval, "idle_threshold", m.config.IdleThreshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, time.Now())
		}
	}
}
