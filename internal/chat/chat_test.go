package chat

import (
	"context"
	"testing"
	"time"

	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/collabgw/gateway/internal/transport"
	"github.com/gorilla/websocket"
)

func newTestChatStore() *sharedstate.Client {
	return sharedstate.NewWithCommander(sharedstate.Config{CacheEnabled: true}, newFakeCommander())
}

func newBareSession(id string) *transport.Session {
	return transport.NewSession(id, &websocket.Conn{}, transport.SessionUser{}, "", "")
}

func TestHandlerNewMessageBroadcastsCompressedForm(t *testing.T) {
	hub := transport.NewHub()
	store := newTestChatStore()
	handler := NewHandler(hub, store, nil, nil, 100, 5*time.Second)
	ctx := context.Background()

	sender := newBareSession("s1")
	receiver := newBareSession("s2")
	hub.Join("ws1", sender)
	hub.Join("ws1", receiver)

	err := handler.HandleNewMessage(ctx, sender, NewMessagePayload{
		WorkspaceID: "ws1", SenderEmail: "alice@x", SenderName: "Alice", Content: "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case envelope := <-receiver.Outbox():
		if envelope.Event != "new_message" {
			t.Fatalf("unexpected event: %s", envelope.Event)
		}
	default:
		t.Fatalf("expected receiver to get new_message broadcast")
	}
}

func TestHandlerNewMessageRejectsMissingFields(t *testing.T) {
	hub := transport.NewHub()
	store := newTestChatStore()
	handler := NewHandler(hub, store, nil, nil, 100, 5*time.Second)
	ctx := context.Background()

	sender := newBareSession("s1")
	hub.Join("ws1", sender)

	if err := handler.HandleNewMessage(ctx, sender, NewMessagePayload{WorkspaceID: "ws1"}); err != nil {
		t.Fatalf("unexpected error returned: %v", err)
	}

	select {
	case envelope := <-sender.Outbox():
		if envelope.Event != "error" {
			t.Fatalf("expected error event, got %s", envelope.Event)
		}
	default:
		t.Fatalf("expected validation error unicast to sender")
	}
}

func TestHandlerHistoryBoundedToMessageLimit(t *testing.T) {
	hub := transport.NewHub()
	store := newTestChatStore()
	handler := NewHandler(hub, store, nil, nil, 3, 5*time.Second)
	ctx := context.Background()
	sender := newBareSession("s1")

	for i := 0; i < 5; i++ {
		handler.HandleNewMessage(ctx, sender, NewMessagePayload{
			WorkspaceID: "ws1", SenderEmail: "alice@x", Content: "msg",
		})
	}

	history := handler.History(ctx, "ws1")
	if len(history) != 3 {
		t.Fatalf("expected history bounded to 3, got %d", len(history))
	}
}

func TestHandlerTypingThenStopBroadcasts(t *testing.T) {
	hub := transport.NewHub()
	store := newTestChatStore()
	handler := NewHandler(hub, store, nil, nil, 100, 5*time.Second)
	ctx := context.Background()

	sender := newBareSession("s1")
	receiver := newBareSession("s2")
	hub.Join("ws1", sender)
	hub.Join("ws1", receiver)

	handler.HandleUserTyping(ctx, sender, TypingPayload{WorkspaceID: "ws1", Email: "alice@x", Name: "Alice"})
	<-receiver.Outbox()

	handler.HandleUserStopTyping(ctx, sender, TypingPayload{WorkspaceID: "ws1", Email: "alice@x"})
	envelope := <-receiver.Outbox()
	if envelope.Event != "user_stop_typing" {
		t.Fatalf("expected user_stop_typing, got %s", envelope.Event)
	}
}

func TestHandlerSweepTypingEvictsStaleEntries(t *testing.T) {
	hub := transport.NewHub()
	store := newTestChatStore()
	handler := NewHandler(hub, store, nil, nil, 100, 10*time.Millisecond)
	ctx := context.Background()

	sender := newBareSession("s1")
	receiver := newBareSession("s2")
	hub.Join("ws1", sender)
	hub.Join("ws1", receiver)

	handler.HandleUserTyping(ctx, sender, TypingPayload{WorkspaceID: "ws1", Email: "alice@x", Name: "Alice"})
	<-receiver.Outbox()

	time.Sleep(20 * time.Millisecond)
	handler.SweepTyping()

	envelope := <-receiver.Outbox()
	if envelope.Event != "user_stop_typing" {
		t.Fatalf("expected sweeper to broadcast user_stop_typing, got %s", envelope.Event)
	}
}

func TestHandlerNewMessageImplicitlyClearsSenderTyping(t *testing.T) {
	hub := transport.NewHub()
	store := newTestChatStore()
	handler := NewHandler(hub, store, nil, nil, 100, 5*time.Second)
	ctx := context.Background()

	sender := newBareSession("s1")
	hub.Join("ws1", sender)

	handler.HandleUserTyping(ctx, sender, TypingPayload{WorkspaceID: "ws1", Email: "alice@x"})
	handler.HandleNewMessage(ctx, sender, NewMessagePayload{WorkspaceID: "ws1", SenderEmail: "alice@x", Content: "hi"})

	handler.typingMu.Lock()
	_, stillTyping := handler.typing["ws1"]["alice@x"]
	handler.typingMu.Unlock()
	if stillTyping {
		t.Fatalf("expected typing state cleared after sending a message")
	}
}
