package presence

import (
	"context"
	"testing"
	"time"

	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/collabgw/gateway/internal/transport"
	"github.com/gorilla/websocket"
)

func newTestStore() *sharedstate.Client {
	return sharedstate.NewWithCommander(sharedstate.Config{CacheEnabled: true}, newFakeCommander())
}

func newBareSession(id string) *transport.Session {
	return transport.NewSession(id, &websocket.Conn{}, transport.SessionUser{}, "", "")
}

func drainEnvelope(t *testing.T, session *transport.Session) bool {
	t.Helper()
	select {
	case <-session.Outbox():
		return true
	default:
		return false
	}
}

func TestWorkspaceHandlerJoinBroadcastsUsersConnected(t *testing.T) {
	hub := transport.NewHub()
	store := newTestStore()
	handler := NewWorkspaceHandler(hub, store, nil, nil, time.Second)

	alice := newBareSession("s1")
	bob := newBareSession("s2")

	ctx := context.Background()
	if err := handler.HandleJoinWorkspace(ctx, alice, "ws1", UserSnapshot{UserID: "u1", Email: "alice@x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := handler.HandleJoinWorkspace(ctx, bob, "ws1", UserSnapshot{UserID: "u2", Email: "bob@x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !drainEnvelope(t, alice) {
		t.Fatalf("expected alice to receive a broadcast after bob joins")
	}
}

func TestWorkspaceHandlerJoinEvictsDuplicateEmail(t *testing.T) {
	hub := transport.NewHub()
	store := newTestStore()
	handler := NewWorkspaceHandler(hub, store, nil, nil, time.Second)
	ctx := context.Background()

	first := newBareSession("s1")
	second := newBareSession("s2")

	if err := handler.HandleJoinWorkspace(ctx, first, "ws1", UserSnapshot{UserID: "u1", Email: "alice@x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := handler.HandleJoinWorkspace(ctx, second, "ws1", UserSnapshot{UserID: "u1", Email: "alice@x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handler.mu.Lock()
	record := handler.local["ws1"]
	handler.mu.Unlock()

	if len(record) != 1 {
		t.Fatalf("expected exactly 1 session for duplicate email, got %d", len(record))
	}
	if _, ok := record["s2"]; !ok {
		t.Fatalf("expected the newer session to survive eviction")
	}
}

func TestWorkspaceHandlerDisconnectGraceCancelledByReconnect(t *testing.T) {
	hub := transport.NewHub()
	store := newTestStore()
	handler := NewWorkspaceHandler(hub, store, nil, nil, 30*time.Millisecond)
	ctx := context.Background()

	session := newBareSession("s1")
	if err := handler.HandleJoinWorkspace(ctx, session, "ws1", UserSnapshot{UserID: "u1", Email: "alice@x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handler.HandleDisconnect(session)

	reconnect := newBareSession("s2")
	if err := handler.HandleJoinWorkspace(ctx, reconnect, "ws1", UserSnapshot{UserID: "u1", Email: "alice@x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	handler.mu.Lock()
	_, stillPending := handler.pending[pendingKey("ws1", "alice@x")]
	record := handler.local["ws1"]
	handler.mu.Unlock()

	if stillPending {
		t.Fatalf("expected pending leave to be cancelled by reconnect")
	}
	if _, ok := record["s2"]; !ok {
		t.Fatalf("expected reconnecting session to remain present")
	}
}

func TestWorkspaceHandlerDisconnectGraceFinalizesAfterDeadline(t *testing.T) {
	hub := transport.NewHub()
	store := newTestStore()
	handler := NewWorkspaceHandler(hub, store, nil, nil, 20*time.Millisecond)
	ctx := context.Background()

	session := newBareSession("s1")
	if err := handler.HandleJoinWorkspace(ctx, session, "ws1", UserSnapshot{UserID: "u1", Email: "alice@x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handler.HandleDisconnect(session)
	time.Sleep(60 * time.Millisecond)

	handler.mu.Lock()
	record := handler.local["ws1"]
	handler.mu.Unlock()
	_ = ctx

	if _, ok := record["s1"]; ok {
		t.Fatalf("expected session to be removed after grace window elapses")
	}
}

func TestWorkspaceHandlerGetUsersUnicasts(t *testing.T) {
	hub := transport.NewHub()
	store := newTestStore()
	handler := NewWorkspaceHandler(hub, store, nil, nil, time.Second)
	ctx := context.Background()

	joiner := newBareSession("s1")
	handler.HandleJoinWorkspace(ctx, joiner, "ws1", UserSnapshot{UserID: "u1", Email: "alice@x"})

	caller := newBareSession("s2")
	if err := handler.HandleGetWorkspaceUsers(ctx, caller, "ws1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !drainEnvelope(t, caller) {
		t.Fatalf("expected caller to receive users_connected unicast")
	}
}
