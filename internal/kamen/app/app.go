// Package app provides the main Kamen application
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/avoicu/kamen/common/trace"
	"github.com/avoicu/kamen/internal/kamen/commands"
	kamenconfig "github.com/avoicu/kamen/internal/kamen/config"
	"github.com/avoicu/kamen/internal/kamen/llm"
	"github.com/avoicu/kamen/internal/kamen/matrix"
	"github.com/avoicu/kamen/internal/kamen/persona"
	"github.com/avoicu/kamen/internal/kamen/session"
	"github.com/avoicu/kamen/internal/kamen/store"
)

// typingTimeout is how long the typing indicator stays lit per refresh while
// a reply is being generated.
const typingTimeout = 30 * time.Second

// Config holds application configuration.
type Config struct {
	DatabasePath string
	Matrix       matrix.Config

	// PersonaCatalogPath is the YAML file listing the characters the bot can
	// impersonate. Loading it is startup-fatal when missing or malformed.
	PersonaCatalogPath string

	// OpenAIAPIKey authenticates against the completion API.
	OpenAIAPIKey string

	// OpenAIEndpoint overrides the completion API base URL, e.g. an
	// OpenAI-compatible local server. Empty selects the public endpoint.
	OpenAIEndpoint string

	// SweepInterval is how often idle conversations are flushed to the
	// database and evicted from memory. Zero selects the default.
	SweepInterval time.Duration

	// IdleThreshold is how long a conversation may sit untouched before the
	// sweep considers it idle. Zero selects the default.
	IdleThreshold time.Duration
}

// App is the main Kamen application.
type App struct {
	config   *Config
	store    *store.Store
	matrix   *matrix.Client
	sessions *session.Manager
	router   *commands.Router
	handlers *commands.Handlers
}

// New creates a new Kamen application.
func New(config *Config) (*App, error) {
	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Inject the DB so the client can persist the sync token across restarts.
	matrixCfg := config.Matrix
	matrixCfg.DB = st.DB
	slog.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	catalog, err := persona.Load(config.PersonaCatalogPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	slog.Info("persona catalog loaded", "path", config.PersonaCatalogPath, "personas", catalog.Len())

	provider := llm.New(llm.Config{
		APIKey:  config.OpenAIAPIKey,
		BaseURL: config.OpenAIEndpoint,
	})

	gateway := store.NewGateway(st, slog.Default())

	sessionCfg := session.DefaultConfig()
	if config.SweepInterval > 0 {
		sessionCfg.SweepInterval = config.SweepInterval
	}
	if config.IdleThreshold > 0 {
		sessionCfg.IdleThreshold = config.IdleThreshold
	}
	sessions := session.NewManager(sessionCfg, catalog, provider, gateway, slog.Default())
	slog.Info("session manager ready",
		"sweep_interval", sessionCfg.SweepInterval,
		"idle_threshold", sessionCfg.IdleThreshold)

	configStore := kamenconfig.New(st)

	handlers := commands.NewHandlers(sessions, catalog, configStore, slog.Default())
	router := commands.NewRouter("/kamen")
	handlers.RegisterAll(router)

	return &App{
		config:   config,
		store:    st,
		matrix:   matrixClient,
		sessions: sessions,
		router:   router,
		handlers: handlers,
	}, nil
}

// Run starts the Kamen application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	// Background sweep: flush idle conversations to SQLite and evict them.
	go a.sessions.Run(ctx)

	for _, roomID := range a.config.Matrix.Rooms {
		a.matrix.SendNotice(roomID, "Kamen is here. Type /kamen help to get started.")
	}

	slog.Info("Kamen is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop flushes resident conversations and stops the application.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("flushing resident conversations")
	if err := a.sessions.FlushAll(ctx); err != nil {
		slog.Error("failed to flush conversations", "err", err)
	}

	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	slog.Info("closing database")
	a.store.Close()
}

// handleMessage processes incoming Matrix messages.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	roomID := evt.RoomID.String()
	text := msgContent.Body

	response, err := a.router.Route(ctx, text, evt)
	if err != nil {
		if errors.Is(err, commands.ErrNotACommand) {
			a.handleChatMessage(ctx, evt, text)
			return
		}
		// A /kamen-prefixed command that errored.
		a.matrix.SendNotice(roomID, fmt.Sprintf("❌ Error: %s", err))
		return
	}

	// Use the formatted variant so Markdown syntax (bold, code blocks, etc.)
	// is rendered by Matrix clients that support HTML messages.
	if response != "" {
		htmlBody := markdownToHTML(response)
		if err := a.matrix.SendFormattedMessage(roomID, htmlBody, response); err != nil {
			slog.Error("failed to send response", "room", roomID, "err", err)
		}
	}
}

// handleChatMessage feeds a plain message into the room's conversation and
// posts one reply per mentioned character.
func (a *App) handleChatMessage(ctx context.Context, evt *event.Event, text string) {
	roomID := evt.RoomID.String()
	speaker := a.speakerName(evt.Sender.String())

	a.matrix.SetTyping(roomID, true, typingTimeout)
	defer a.matrix.SetTyping(roomID, false, 0)

	replies, err := a.handlers.HandlePlainMessage(ctx, roomID, speaker, text)
	if err != nil {
		slog.Error("failed to process chat message",
			"room", roomID,
			"trace", trace.FromContext(ctx),
			"err", err)
		a.matrix.SendNotice(roomID, "❌ Error: could not process that message, please try again.")
		return
	}

	for _, reply := range replies {
		body := fmt.Sprintf("**%s:** %s", reply.Persona, reply.Text)
		if err := a.matrix.SendFormattedMessage(roomID, markdownToHTML(body), body); err != nil {
			slog.Error("failed to send reply", "room", roomID, "persona", reply.Persona, "err", err)
		}
	}
}

// speakerName resolves a Matrix user ID to a display name, falling back to
// the localpart when the profile lookup fails.
func (a *App) speakerName(userID string) string {
	name, err := a.matrix.GetDisplayName(userID)
	if err == nil && name != "" {
		return name
	}
	localpart := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(localpart, ':'); i >= 0 {
		localpart = localpart[:i]
	}
	return localpart
}

// markdownToHTML converts the small subset of Markdown produced by Kamen
// handlers into HTML suitable for a Matrix m.text event with
// format=org.matrix.custom.html.
//
// Supported constructs (in order of processing):
//   - Fenced code blocks  ```…```  → <pre><code>…</code></pre>
//   - Inline code  `…`             → <code>…</code>
//   - Bold  **…**                  → <strong>…</strong>
//   - Newlines                     → <br/>
func markdownToHTML(md string) string {
	// Process fenced code blocks first so their content is not touched by
	// subsequent inline passes.
	var out strings.Builder
	lines := strings.Split(md, "\n")
	inCode := false
	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			if !inCode {
				out.WriteString("<pre><code>")
				inCode = true
			} else {
				out.WriteString("</code></pre>")
				inCode = false
			}
			continue
		}
		if inCode {
			// Escape HTML entities inside code blocks.
			escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(line)
			out.WriteString(escaped)
			out.WriteString("\n")
		} else {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	result := out.String()

	// Inline code: `…`
	result = replaceDelimited(result, "`", "<code>", "</code>")

	// Bold: **…**
	result = replaceDelimited(result, "**", "<strong>", "</strong>")

	// Convert bare newlines to <br/>.
	result = strings.ReplaceAll(result, "\n", "<br/>")

	return result
}

// replaceDelimited replaces occurrences of delim…delim with open+content+close.
// Only complete pairs are replaced; an unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim) // absolute index of closing delim
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
