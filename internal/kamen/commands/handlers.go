package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/avoicu/kamen/common/trace"
	"github.com/avoicu/kamen/common/version"
	"github.com/avoicu/kamen/internal/kamen/config"
	"github.com/avoicu/kamen/internal/kamen/persona"
	"github.com/avoicu/kamen/internal/kamen/session"
)

// Reply is one persona's answer to a plain chat message. A single message can
// mention several personas and produce one Reply per mention.
type Reply struct {
	Persona string
	Text    string
}

// Handlers holds all command handlers and their dependencies.
type Handlers struct {
	sessions *session.Manager
	catalog  *persona.Catalog
	cfg      config.Store
	logger   *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(m *session.Manager, cat *persona.Catalog, cfg config.Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{sessions: m, catalog: cat, cfg: cfg, logger: logger}
}

// RegisterAll wires every handler into the router.
func (h *Handlers) RegisterAll(r *Router) {
	r.Register("start", h.HandleStart)
	r.Register("invite", h.HandleInvite)
	r.Register("roster", h.HandleRoster)
	r.Register("personas", h.HandlePersonas)
	r.Register("locale", h.HandleLocale)
	r.Register("help", h.HandleHelp)
	r.Register("version", h.HandleVersion)
	r.Register("ping", h.HandlePing)
}

// HandleStart creates a fresh conversation for the current room.
func (h *Handlers) HandleStart(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	roomID := evt.RoomID.String()

	_, err := h.sessions.StartSession(ctx, roomID)
	if errors.Is(err, session.ErrAlreadyInitialized) {
		return "", fmt.Errorf("a conversation is already running in this room")
	}
	if err != nil {
		return "", fmt.Errorf("failed to start conversation: %w", err)
	}

	return "Conversation started. Invite a character with `/kamen invite <name>`.", nil
}

// HandleInvite activates a catalog persona in the room's conversation.
func (h *Handlers) HandleInvite(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	name, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: /kamen invite <name>")
	}

	conv, err := h.resolve(ctx, evt.RoomID.String())
	if err != nil {
		return "", err
	}

	if err := conv.ActivatePersona(name); err != nil {
		switch {
		case errors.Is(err, session.ErrUnknownPersona):
			return "", fmt.Errorf("no character named %q in the catalog; see `/kamen personas`", name)
		case errors.Is(err, session.ErrDuplicatePersona):
			return "", fmt.Errorf("%s is already in the conversation", name)
		}
		return "", fmt.Errorf("failed to invite %s: %w", name, err)
	}

	return fmt.Sprintf("**%s** joined the conversation.", name), nil
}

// HandleRoster lists the personas active in the room's conversation.
func (h *Handlers) HandleRoster(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	conv, err := h.resolve(ctx, evt.RoomID.String())
	if err != nil {
		return "", err
	}

	active := conv.ActivePersonas()
	if len(active) == 0 {
		return "No characters in the conversation yet. Invite one with `/kamen invite <name>`.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Characters (%d)**\n", len(active)))
	for _, name := range active {
		p, _ := h.catalog.Get(name)
		sb.WriteString(fmt.Sprintf("• **%s** — %s\n", p.Name, p.Description))
	}
	return sb.String(), nil
}

// HandlePersonas lists every persona available in the catalog.
func (h *Handlers) HandlePersonas(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Catalog (%d characters)**\n", h.catalog.Len()))
	for _, name := range h.catalog.Names() {
		p, _ := h.catalog.Get(name)
		sb.WriteString(fmt.Sprintf("• **%s** (%s) — %s\n", p.Name, p.Model, p.Description))
	}
	return sb.String(), nil
}

// HandleLocale validates and records a weighted locale list for the room.
// The list is stored for future use and has no effect on generation yet.
func (h *Handlers) HandleLocale(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if len(cmd.Args) == 0 {
		return "", fmt.Errorf("usage: /kamen locale <locale> <weight> [<locale> <weight> ...]")
	}
	if len(cmd.Args)%2 != 0 {
		return "", fmt.Errorf("locale list must be <locale> <weight> pairs, got %d values", len(cmd.Args))
	}

	for i := 0; i < len(cmd.Args); i += 2 {
		locale, weightStr := cmd.Args[i], cmd.Args[i+1]
		if locale == "" {
			return "", fmt.Errorf("locale name must not be empty")
		}
		weight, err := strconv.Atoi(weightStr)
		if err != nil {
			return "", fmt.Errorf("weight for %s must be an integer, got %q", locale, weightStr)
		}
		if weight < 0 || weight > 100 {
			return "", fmt.Errorf("weight for %s must be between 0 and 100, got %d", locale, weight)
		}
	}

	key := config.LocaleWeightsKey(evt.RoomID.String())
	if err := h.cfg.Set(ctx, key, strings.Join(cmd.Args, " ")); err != nil {
		return "", fmt.Errorf("failed to save locale weights: %w", err)
	}

	return fmt.Sprintf("Locale weights saved: %s", strings.Join(cmd.Args, " ")), nil
}

// HandleHelp shows available commands.
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	help := `**Kamen**

• /kamen start - Begin a conversation in this room
• /kamen invite <name> - Bring a character into the conversation
• /kamen roster - List the characters currently in the conversation
• /kamen personas - List every character in the catalog
• /kamen locale <locale> <weight> ... - Set weighted locales for this room
• /kamen help - Show this help message
• /kamen version - Show version information
• /kamen ping - Health check

Mention a character by name in a plain message and it will answer.
`
	return help, nil
}

// HandleVersion shows version information.
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("**Kamen**\nVersion: %s\nCommit: %s\nBuild Time: %s",
		version.Version, version.GitCommit, version.BuildTime), nil
}

// HandlePing responds with a health check.
func (h *Handlers) HandlePing(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		traceID = trace.GenerateID()
	}
	return fmt.Sprintf("🏓 Pong! (trace: %s)", traceID), nil
}

// HandlePlainMessage feeds a non-command chat message into the room's
// conversation and generates one reply per mentioned character. Messages in
// rooms without a started conversation are ignored. A persona whose generation
// fails is skipped with a warning; earlier replies are still returned.
func (h *Handlers) HandlePlainMessage(ctx context.Context, roomID, speaker, text string) ([]Reply, error) {
	conv, ok, err := h.sessions.Resolve(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("resolve session %s: %w", roomID, err)
	}
	if !ok {
		return nil, nil
	}

	conv.AddMessage(session.RoleUser, text, speaker)

	var replies []Reply
	for _, name := range conv.MentionedPersonas(text) {
		reply, err := conv.GenerateReply(ctx, name)
		if err != nil {
			h.logger.Warn("reply generation failed",
				"room_id", roomID,
				"persona", name,
				"error", err)
			continue
		}
		replies = append(replies, Reply{Persona: name, Text: reply})
	}
	return replies, nil
}

// resolve loads the room's conversation, translating absence into a
// user-correctable error.
func (h *Handlers) resolve(ctx context.Context, roomID string) (*session.Conversation, error) {
	conv, ok, err := h.sessions.Resolve(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("resolve session %s: %w", roomID, err)
	}
	if !ok {
		return nil, fmt.Errorf("no conversation in this room yet; run `/kamen start` first: %w", session.ErrUninitialized)
	}
	return conv, nil
}
