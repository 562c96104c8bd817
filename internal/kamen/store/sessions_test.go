package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/avoicu/kamen/internal/kamen/session"
	"github.com/avoicu/kamen/internal/kamen/store"
)

func newTestGateway(t *testing.T) *store.Gateway {
	t.Helper()
	// Use a temp file that is cleaned up after the test
	f, err := os.CreateTemp(t.TempDir(), "kamen-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return store.NewGateway(s, nil)
}

func sampleState(id string) session.State {
	return session.State{
		ID:           id,
		TokenBudget:  1234,
		PersonaNames: []string{"Jack", "Mira"},
		Messages: []session.Message{
			{Role: session.RoleSystem, Content: "roster"},
			{Role: session.RoleUser, Content: "message sent by Ann: Hello Jack"},
			{Role: session.RoleAssistant, Content: "hi Ann"},
		},
	}
}

func TestSessionExists(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	exists, err := g.SessionExists(ctx, "room-1")
	if err != nil {
		t.Fatalf("SessionExists: %v", err)
	}
	if exists {
		t.Fatal("expected no session before save")
	}

	if err := g.SaveSession(ctx, sampleState("room-1")); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	exists, err = g.SessionExists(ctx, "room-1")
	if err != nil {
		t.Fatalf("SessionExists after save: %v", err)
	}
	if !exists {
		t.Fatal("expected session after save")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	want := sampleState("room-1")
	if err := g.SaveSession(ctx, want); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := g.LoadSession(ctx, "room-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got == nil {
		t.Fatal("expected state, got nil")
	}

	if got.TokenBudget != want.TokenBudget {
		t.Errorf("TokenBudget: got %d, want %d", got.TokenBudget, want.TokenBudget)
	}
	if len(got.PersonaNames) != len(want.PersonaNames) {
		t.Fatalf("PersonaNames: got %v, want %v", got.PersonaNames, want.PersonaNames)
	}
	for i := range want.PersonaNames {
		if got.PersonaNames[i] != want.PersonaNames[i] {
			t.Errorf("PersonaNames[%d]: got %q, want %q", i, got.PersonaNames[i], want.PersonaNames[i])
		}
	}
	if len(got.Messages) != len(want.Messages) {
		t.Fatalf("Messages: got %d, want %d", len(got.Messages), len(want.Messages))
	}
	for i := range want.Messages {
		if got.Messages[i] != want.Messages[i] {
			t.Errorf("Messages[%d]: got %+v, want %+v", i, got.Messages[i], want.Messages[i])
		}
	}
}

func TestLoad_AbsentSession(t *testing.T) {
	g := newTestGateway(t)

	got, err := g.LoadSession(context.Background(), "nowhere")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for absent session, got %+v", got)
	}
}

func TestSave_FullyReplacesState(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if err := g.SaveSession(ctx, sampleState("room-1")); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// Second save carries a reduced log and a different roster; nothing from
	// the first save may survive (upsert replaces, never merges).
	second := session.State{
		ID:           "room-1",
		TokenBudget:  9,
		PersonaNames: []string{"Mira"},
		Messages: []session.Message{
			{Role: session.RoleSystem, Content: "reset"},
		},
	}
	if err := g.SaveSession(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := g.LoadSession(ctx, "room-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.TokenBudget != 9 {
		t.Errorf("TokenBudget: got %d, want 9", got.TokenBudget)
	}
	if len(got.PersonaNames) != 1 || got.PersonaNames[0] != "Mira" {
		t.Errorf("PersonaNames: got %v, want [Mira]", got.PersonaNames)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "reset" {
		t.Errorf("Messages: got %v", got.Messages)
	}
}

func TestSave_EmptySessionRoundTrips(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if err := g.SaveSession(ctx, session.State{ID: "empty"}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := g.LoadSession(ctx, "empty")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got == nil || got.TokenBudget != 0 || len(got.Messages) != 0 || len(got.PersonaNames) != 0 {
		t.Fatalf("expected empty state, got %+v", got)
	}
}
