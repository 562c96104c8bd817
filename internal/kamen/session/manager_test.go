package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeGateway is an in-memory Gateway with switchable failure injection.
// The hooks fire before the gateway's own lock is taken, so they may call
// back into the manager under test.
type fakeGateway struct {
	mu      sync.Mutex
	records map[string]State
	saveErr error
	loadErr error
	saves   int

	existsHook func(id string)
	saveHook   func(st State)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{records: make(map[string]State)}
}

func (g *fakeGateway) SessionExists(_ context.Context, id string) (bool, error) {
	if g.existsHook != nil {
		g.existsHook(id)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loadErr != nil {
		return false, g.loadErr
	}
	_, ok := g.records[id]
	return ok, nil
}

func (g *fakeGateway) LoadSession(_ context.Context, id string) (*State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loadErr != nil {
		return nil, g.loadErr
	}
	st, ok := g.records[id]
	if !ok {
		return nil, nil
	}
	cp := st
	cp.Messages = append([]Message(nil), st.Messages...)
	cp.PersonaNames = append([]string(nil), st.PersonaNames...)
	return &cp, nil
}

func (g *fakeGateway) SaveSession(_ context.Context, st State) error {
	if g.saveHook != nil {
		g.saveHook(st)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.saves++
	if g.saveErr != nil {
		return g.saveErr
	}
	g.records[st.ID] = st
	return nil
}

func newTestManager(t *testing.T, gw Gateway) *Manager {
	t.Helper()
	return NewManager(Config{SweepInterval: time.Minute, IdleThreshold: time.Minute},
		testCatalog(t), &fakeProvider{reply: "ok", tokens: 1}, gw, nil)
}

func TestStartSession_DuplicateInMemory(t *testing.T) {
	m := newTestManager(t, newFakeGateway())
	ctx := context.Background()

	if _, err := m.StartSession(ctx, "room-1"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	_, err := m.StartSession(ctx, "room-1")
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestStartSession_DuplicateInStore(t *testing.T) {
	gw := newFakeGateway()
	gw.records["room-1"] = State{ID: "room-1"}
	m := newTestManager(t, gw)

	_, err := m.StartSession(context.Background(), "room-1")
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized for persisted session, got %v", err)
	}
}

func TestStartSession_GatewayError(t *testing.T) {
	gw := newFakeGateway()
	gw.loadErr = fmt.Errorf("store down")
	m := newTestManager(t, gw)

	if _, err := m.StartSession(context.Background(), "room-1"); err == nil {
		t.Fatal("expected error when the gateway existence check fails")
	}
}

func TestStartSession_ConcurrentStartDuringExistenceCheck(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)
	ctx := context.Background()

	// While the first start is inside the gateway existence check, a second
	// handler starts the same session. The first call must observe it on the
	// residency re-check instead of blocking the map for the whole check.
	raced := false
	gw.existsHook = func(id string) {
		if raced {
			return
		}
		raced = true
		if _, err := m.StartSession(ctx, id); err != nil {
			t.Errorf("concurrent StartSession: %v", err)
		}
	}

	_, err := m.StartSession(ctx, "room-1")
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized after losing the race, got %v", err)
	}
	if m.Resident() != 1 {
		t.Fatalf("expected 1 resident session, got %d", m.Resident())
	}
}

func TestResolve_AbsentIsNotAnError(t *testing.T) {
	m := newTestManager(t, newFakeGateway())

	conv, ok, err := m.Resolve(context.Background(), "nowhere")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ok || conv != nil {
		t.Fatal("expected absent session")
	}
}

func TestResolve_Rehydrates(t *testing.T) {
	gw := newFakeGateway()
	gw.records["room-1"] = State{
		ID:           "room-1",
		TokenBudget:  777,
		PersonaNames: []string{"Jack"},
		Messages: []Message{
			{Role: RoleSystem, Content: "roster"},
			{Role: RoleUser, Content: "message sent by Ann: hi"},
		},
	}
	m := newTestManager(t, gw)

	conv, ok, err := m.Resolve(context.Background(), "room-1")
	if err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}
	if conv.TokenBudget() != 777 {
		t.Errorf("token budget: got %d, want 777", conv.TokenBudget())
	}
	if got := conv.ActivePersonas(); len(got) != 1 || got[0] != "Jack" {
		t.Errorf("personas: got %v", got)
	}
	if got := conv.Messages(); len(got) != 2 || got[1].Content != "message sent by Ann: hi" {
		t.Errorf("messages: got %v", got)
	}
	if m.Resident() != 1 {
		t.Errorf("expected session registered in memory after hydration")
	}

	// Second resolve returns the now-resident conversation.
	again, ok, err := m.Resolve(context.Background(), "room-1")
	if err != nil || !ok {
		t.Fatalf("second Resolve: ok=%v err=%v", ok, err)
	}
	if again != conv {
		t.Error("expected the resident conversation, not a second hydration")
	}
}

func TestResolve_RefreshesIdleClock(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)
	ctx := context.Background()

	conv, err := m.StartSession(ctx, "room-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	conv.mu.Lock()
	conv.lastAccess = time.Now().Add(-2 * time.Minute)
	conv.mu.Unlock()

	// Resolving marks the session as recently used, so the sweep that
	// follows must leave it alone.
	if _, ok, err := m.Resolve(ctx, "room-1"); err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}
	m.Sweep(ctx, time.Now())

	if m.Resident() != 1 {
		t.Fatal("session resolved moments ago must not be swept")
	}
	if gw.saves != 0 {
		t.Fatalf("expected no flush for a fresh session, got %d", gw.saves)
	}
}

func TestResolve_DiscardsEvictedConversation(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)
	ctx := context.Background()

	conv, err := m.StartSession(ctx, "room-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := conv.ActivatePersona("Jack"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Reproduce the instant where a handler has read the map entry just as
	// the sweep flushes the conversation and marks it evicted.
	if err := gw.SaveSession(ctx, conv.Snapshot()); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	conv.mu.Lock()
	conv.evicted = true
	conv.mu.Unlock()

	back, ok, err := m.Resolve(ctx, "room-1")
	if err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}
	if back == conv {
		t.Fatal("Resolve returned an evicted conversation")
	}
	if got := back.ActivePersonas(); len(got) != 1 || got[0] != "Jack" {
		t.Errorf("rehydrated personas: got %v", got)
	}
	if m.Resident() != 1 {
		t.Fatalf("expected 1 resident session, got %d", m.Resident())
	}
}

func TestSweep_FlushesAndEvictsIdleSessions(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)
	ctx := context.Background()

	conv, err := m.StartSession(ctx, "room-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := conv.ActivatePersona("Jack"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	conv.AddMessage(RoleUser, "hello Jack", "Ann")

	fresh, err := m.StartSession(ctx, "room-2")
	if err != nil {
		t.Fatalf("StartSession room-2: %v", err)
	}
	_ = fresh

	// room-1 idles past the threshold; room-2 stays fresh.
	conv.mu.Lock()
	conv.lastAccess = time.Now().Add(-2 * time.Minute)
	conv.mu.Unlock()

	m.Sweep(ctx, time.Now())

	if m.Resident() != 1 {
		t.Fatalf("expected exactly one resident session after sweep, got %d", m.Resident())
	}
	st, ok := gw.records["room-1"]
	if !ok {
		t.Fatal("expected room-1 flushed to the gateway")
	}
	if len(st.Messages) != 2 || len(st.PersonaNames) != 1 {
		t.Errorf("flushed state incomplete: %+v", st)
	}

	// The evicted session rehydrates on next access.
	back, ok, err := m.Resolve(ctx, "room-1")
	if err != nil || !ok {
		t.Fatalf("resolve after eviction: ok=%v err=%v", ok, err)
	}
	if got := back.ActivePersonas(); len(got) != 1 || got[0] != "Jack" {
		t.Errorf("rehydrated personas: got %v", got)
	}
}

func TestSweep_EvictsUnderSessionGuard(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)
	ctx := context.Background()

	conv, err := m.StartSession(ctx, "room-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	conv.AddMessage(RoleUser, "hello", "Ann")
	conv.mu.Lock()
	conv.lastAccess = time.Now().Add(-2 * time.Minute)
	conv.mu.Unlock()

	// While the flush is in flight the per-session guard must still be held
	// and the session still resident, so no handler can slip a message in
	// between the snapshot and the eviction.
	gw.saveHook = func(State) {
		if conv.mu.TryLock() {
			conv.mu.Unlock()
			t.Error("session guard released during flush")
		}
		if m.Resident() != 1 {
			t.Error("session evicted before its flush completed")
		}
	}
	m.Sweep(ctx, time.Now())

	if m.Resident() != 0 {
		t.Fatalf("expected eviction after sweep, got %d resident", m.Resident())
	}
	conv.mu.Lock()
	evicted := conv.evicted
	conv.mu.Unlock()
	if !evicted {
		t.Error("swept conversation must be marked evicted")
	}
}

func TestSweep_FlushFailureKeepsSessionResident(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)
	ctx := context.Background()

	conv, err := m.StartSession(ctx, "room-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	conv.mu.Lock()
	conv.lastAccess = time.Now().Add(-2 * time.Minute)
	conv.mu.Unlock()

	gw.saveErr = fmt.Errorf("connection lost")
	m.Sweep(ctx, time.Now())

	if m.Resident() != 1 {
		t.Fatal("session must stay resident when its flush fails")
	}

	// Next cycle succeeds and evicts.
	gw.saveErr = nil
	conv.mu.Lock()
	conv.lastAccess = time.Now().Add(-2 * time.Minute)
	conv.mu.Unlock()
	m.Sweep(ctx, time.Now())

	if m.Resident() != 0 {
		t.Fatal("expected eviction once the flush succeeds")
	}
}

func TestSweep_SkipsBusySessions(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)
	ctx := context.Background()

	conv, err := m.StartSession(ctx, "room-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	conv.mu.Lock()
	conv.lastAccess = time.Now().Add(-2 * time.Minute)

	// Hold the per-session guard, as an in-flight handler would.
	done := make(chan struct{})
	go func() {
		m.Sweep(ctx, time.Now())
		close(done)
	}()
	<-done
	conv.mu.Unlock()

	if m.Resident() != 1 {
		t.Fatal("sweep must not evict a session whose guard is held")
	}
	if gw.saves != 0 {
		t.Fatal("sweep must not flush a session whose guard is held")
	}
}

func TestFlushAll_PersistsWithoutEvicting(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw)
	ctx := context.Background()

	for _, id := range []string{"room-1", "room-2"} {
		if _, err := m.StartSession(ctx, id); err != nil {
			t.Fatalf("StartSession %s: %v", id, err)
		}
	}

	if err := m.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if len(gw.records) != 2 {
		t.Errorf("expected 2 persisted sessions, got %d", len(gw.records))
	}
	if m.Resident() != 2 {
		t.Errorf("FlushAll must not evict; got %d resident", m.Resident())
	}
}
