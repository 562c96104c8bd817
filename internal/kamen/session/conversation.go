// Package session implements Kamen's conversation state: one bounded,
// role-tagged message history per chat session, with persona reinforcement
// and deterministic context reduction when the token budget is reached.
// The Manager owns the in-memory session map and the idle flush-and-evict
// sweep; the durable copy lives behind the Gateway interface.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avoicu/kamen/internal/kamen/llm"
	"github.com/avoicu/kamen/internal/kamen/persona"
)

// Role tags a message in the conversation log.
type Role string

// The three message roles the completion API understands.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TokenBudgetThreshold is the usage figure at which the context is reduced
// before the next generation. It is an approximation keyed off the previous
// call's reported usage, not an exact tokenizer count.
const TokenBudgetThreshold = 3000

// Message is a single turn in a conversation. Insertion order is the sole
// ordering primitive; there are no per-message timestamps.
type Message struct {
	Role    Role
	Content string
}

// State is the persistable snapshot of a conversation: everything the
// durable store needs to rehydrate it. Persona descriptions are not part of
// the state — the catalog owns those, sessions reference by name only.
type State struct {
	ID           string
	TokenBudget  int
	PersonaNames []string
	Messages     []Message
}

// Conversation owns one session's message log, active persona roster, and
// token-budget counter. All mutations are expected to arrive sequentially
// per session; the internal mutex makes that contract hold even under a
// transport that delivers concurrently, and lets the idle sweep coordinate
// with foreground handlers.
type Conversation struct {
	mu sync.Mutex

	id       string
	trace    string // per-process correlation ID for logs
	catalog  *persona.Catalog
	provider llm.Provider
	logger   *slog.Logger

	// Freshly allocated per conversation — never a shared default.
	messages    []Message
	personas    []string // active roster, activation order (stable)
	tokenBudget int
	lastAccess  time.Time

	// Set by the sweep once the conversation has been flushed and removed
	// from the manager map; a resolver that still holds the pointer must
	// discard it and rehydrate.
	evicted bool
}

func newConversation(id string, catalog *persona.Catalog, provider llm.Provider, logger *slog.Logger) *Conversation {
	return &Conversation{
		id:         id,
		trace:      uuid.New().String(),
		catalog:    catalog,
		provider:   provider,
		logger:     logger,
		messages:   make([]Message, 0, 16),
		personas:   make([]string, 0, 4),
		lastAccess: time.Now(),
	}
}

// hydrateConversation rebuilds a Conversation from a persisted State.
// Persona names that no longer exist in the catalog are dropped with a
// warning rather than failing the whole session.
func hydrateConversation(st *State, catalog *persona.Catalog, provider llm.Provider, logger *slog.Logger) *Conversation {
	c := newConversation(st.ID, catalog, provider, logger)
	c.tokenBudget = st.TokenBudget
	c.messages = append(c.messages, st.Messages...)
	for _, name := range st.PersonaNames {
		if _, ok := catalog.Get(name); !ok {
			logger.Warn("hydrate: dropping persona no longer in catalog",
				"session", st.ID, "persona", name)
			continue
		}
		c.personas = append(c.personas, name)
	}
	return c
}

// ID returns the session identifier.
func (c *Conversation) ID() string {
	return c.id
}

// AddMessage appends a message to the log. When speaker is non-empty the
// text is rewritten with a speaker-attribution prefix so the model can
// attribute turns to participants. No size limit is enforced here; limits
// apply only at generation time.
func (c *Conversation) AddMessage(role Role, text, speaker string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if speaker != "" {
		text = fmt.Sprintf("message sent by %s: %s", speaker, text)
	}
	c.messages = append(c.messages, Message{Role: role, Content: text})
	c.lastAccess = time.Now()
}

// ActivatePersona adds a persona to the session's active roster and appends
// a system message re-announcing the entire roster. The full re-send on
// every activation is deliberate reinforcement, not redundancy to remove.
func (c *Conversation) ActivatePersona(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.catalog.Get(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, name)
	}
	for _, active := range c.personas {
		if active == name {
			return fmt.Errorf("%w: %q", ErrDuplicatePersona, name)
		}
	}

	c.personas = append(c.personas, name)
	c.messages = append(c.messages, Message{Role: RoleSystem, Content: c.rosterMessage()})
	c.lastAccess = time.Now()

	c.logger.Info("persona activated",
		"session", c.id, "trace", c.trace,
		"persona", name, "active", len(c.personas))
	return nil
}

// GenerateReply produces one reply as the named persona.
//
// The token-budget check runs before generation, using the previous call's
// reported usage. A single call can therefore still overshoot the threshold
// before the next check catches it; that slack is accepted behaviour, not a
// bug to fix with an exact tokenizer.
func (c *Conversation) GenerateReply(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := false
	for _, n := range c.personas {
		if n == name {
			active = true
			break
		}
	}
	if !active {
		// No side effects: log and budget stay untouched.
		return "", fmt.Errorf("%w: %q is not active in this session", ErrUnknownPersona, name)
	}
	p, _ := c.catalog.Get(name)

	if c.tokenBudget >= TokenBudgetThreshold {
		c.reduceContextLocked()
	}

	// Per-persona reminder, distinct from the roster-wide reinforcement
	// used on activation.
	c.messages = append(c.messages, Message{Role: RoleSystem, Content: personaReminder(p)})

	req := llm.Request{Model: p.Model, Messages: make([]llm.Message, len(c.messages))}
	for i, m := range c.messages {
		req.Messages[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}

	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generate reply as %q: %w", name, err)
	}

	c.tokenBudget = resp.TotalTokens
	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: resp.Text})
	c.lastAccess = time.Now()

	c.logger.Info("reply generated",
		"session", c.id, "trace", c.trace,
		"persona", name, "model", p.Model,
		"total_tokens", resp.TotalTokens, "log_len", len(c.messages))
	return resp.Text, nil
}

// MentionedPersonas returns the active personas whose names appear in text,
// case-insensitively, in activation order. Activation order is stable, so
// mention matching is deterministic.
func (c *Conversation) MentionedPersonas(text string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lower := strings.ToLower(text)
	var mentioned []string
	for _, name := range c.personas {
		if strings.Contains(lower, strings.ToLower(name)) {
			mentioned = append(mentioned, name)
		}
	}
	return mentioned
}

// ActivePersonas returns a copy of the active roster in activation order.
func (c *Conversation) ActivePersonas() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.personas))
	copy(out, c.personas)
	return out
}

// Messages returns a copy of the message log.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// TokenBudget returns the usage figure reported by the last successful
// generation, or 0 when none has occurred yet.
func (c *Conversation) TokenBudget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenBudget
}

// Snapshot returns the persistable state of the conversation.
func (c *Conversation) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conversation) snapshotLocked() State {
	st := State{
		ID:           c.id,
		TokenBudget:  c.tokenBudget,
		PersonaNames: make([]string, len(c.personas)),
		Messages:     make([]Message, len(c.messages)),
	}
	copy(st.PersonaNames, c.personas)
	copy(st.Messages, c.messages)
	return st
}

// reduceContextLocked performs the hard reset: the entire log is discarded
// and reseeded with the roster reinforcement plus one system message per
// active persona. Conversational continuity is deliberately sacrificed so
// the budget threshold cannot be exceeded on the next call. Must be called
// with mu held.
func (c *Conversation) reduceContextLocked() {
	dropped := len(c.messages)
	c.messages = make([]Message, 0, 1+len(c.personas))
	c.messages = append(c.messages, Message{Role: RoleSystem, Content: c.rosterMessage()})
	for _, name := range c.personas {
		p, _ := c.catalog.Get(name)
		c.messages = append(c.messages, Message{Role: RoleSystem, Content: personaReminder(p)})
	}

	c.logger.Info("context reduced",
		"session", c.id, "trace", c.trace,
		"dropped", dropped, "token_budget", c.tokenBudget)
}

// rosterMessage builds the roster-wide reinforcement system message: every
// active persona restated in full. Must be called with mu held.
func (c *Conversation) rosterMessage() string {
	var b strings.Builder
	b.WriteString("From now on you are going to act as the following characters, replying in the first person as whichever of them is addressed. You are not an AI model; you are a genuine impersonation of each of them.")
	for _, name := range c.personas {
		p, _ := c.catalog.Get(name)
		fmt.Fprintf(&b, "\n%s: '%s'", p.Name, p.Description)
	}
	return b.String()
}

// personaReminder builds the single-persona reinforcement message injected
// before each generation for the addressed persona.
func personaReminder(p persona.Persona) string {
	return fmt.Sprintf("You are %s: '%s'. You are a fictional character and it is vitally important that you stick to your role.", p.Name, p.Description)
}
