// Package chat implements spec.md §4.6: chat messages bounded per
// workspace, typing indicators with a sweep-based timeout, and
// compressed wire payloads.
package chat

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabgw/gateway/internal/gatewayerr"
	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/collabgw/gateway/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultMessageLimit = 100
	defaultTypingTTL    = 10 * time.Second
	maxInlineImageBytes = 200
)

func chatMessagesKey(workspaceID string) string { return fmt.Sprintf("chat:%s:messages", workspaceID) }
func chatTypingKey(workspaceID string) string    { return fmt.Sprintf("chat:%s:typing", workspaceID) }

// Message is a chat message as stored server-side.
type Message struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	SenderEmail string `json:"senderEmail"`
	SenderName  string `json:"senderName"`
	Content     string `json:"content"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// compressedMessage is the wire form broadcast to clients, with field
// names shortened to single letters per spec.md §4.6.
type compressedMessage struct {
	I   string `json:"i"`
	W   string `json:"w"`
	E   string `json:"e"`
	N   string `json:"n"`
	Img string `json:"img,omitempty"`
	C   string `json:"c"`
	T   int64  `json:"t"`
}

func (m Message) compress() compressedMessage {
	out := compressedMessage{I: m.ID, W: m.WorkspaceID, E: m.SenderEmail, N: m.SenderName, C: m.Content, T: m.Timestamp}
	if m.ImageURL != "" && len(m.ImageURL) < maxInlineImageBytes {
		out.Img = m.ImageURL
	}
	return out
}

// NewMessagePayload is the inbound payload for spec.md §4.6's new_message.
type NewMessagePayload struct {
	WorkspaceID string `json:"workspaceId"`
	SenderEmail string `json:"senderEmail"`
	SenderName  string `json:"senderName"`
	Content     string `json:"content"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// TypingPayload is the inbound/outbound payload for user_typing /
// user_stop_typing.
type TypingPayload struct {
	WorkspaceID string `json:"workspaceId"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
}

type typingEntry struct {
	name      string
	updatedAt time.Time
}

// typingStoreEntry is the shared-store value for one typing participant,
// stored under the single chat:{ws}:typing key as a map keyed by email.
type typingStoreEntry struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"ts"`
}

// MetricsSink is the subset of the metrics registry chat reports into.
type MetricsSink interface {
	MessageProcessed(eventType string, latency time.Duration)
	ErrorOccurred(kind string, details string)
}

// Handler implements spec.md §4.6's chat events.
type Handler struct {
	hub          *transport.Hub
	store        *sharedstate.Client
	metrics      MetricsSink
	logger       *zap.Logger
	messageLimit int
	typingWindow time.Duration

	seq int64

	mu       sync.Mutex
	history  map[string]*list.List // workspaceID -> *list.List of Message, back = newest
	typingMu sync.Mutex
	typing   map[string]map[string]*typingEntry // workspaceID -> email -> entry
}

// NewHandler constructs a chat Handler. messageLimit <= 0 defaults to
// 100; typingWindow <= 0 defaults to 5s.
func NewHandler(hub *transport.Hub, store *sharedstate.Client, metrics MetricsSink, logger *zap.Logger, messageLimit int, typingWindow time.Duration) *Handler {
	if messageLimit <= 0 {
		messageLimit = defaultMessageLimit
	}
	if typingWindow <= 0 {
		typingWindow = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:          hub,
		store:        store,
		metrics:      metrics,
		logger:       logger.With(zap.String("component", "chat")),
		messageLimit: messageLimit,
		typingWindow: typingWindow,
		history:      make(map[string]*list.List),
		typing:       make(map[string]map[string]*typingEntry),
	}
}

// reportError classifies cause under kind, records it in metrics, and
// unicasts the "error" event to the offending session.
func (h *Handler) reportError(session *transport.Session, op string, kind gatewayerr.Kind, cause error) error {
	classified := gatewayerr.New(op, kind, cause)
	if h.metrics != nil {
		h.metrics.ErrorOccurred(string(gatewayerr.KindOf(classified)), classified.Error())
	}
	return h.hub.Unicast(session, "error", transport.ErrorPayload{Message: string(kind), Details: cause.Error()})
}

func (h *Handler) nextMessageID() string {
	seq := atomic.AddInt64(&h.seq, 1)
	return strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatInt(seq, 10)
}

// HandleNewMessage implements spec.md §4.6's New message.
func (h *Handler) HandleNewMessage(ctx context.Context, session *transport.Session, payload NewMessagePayload) error {
	start := time.Now()
	if payload.WorkspaceID == "" || payload.SenderEmail == "" || payload.Content == "" {
		return h.reportError(session, "chat.new_message", gatewayerr.KindValidation,
			errors.New("workspaceId, senderEmail, and content are required"))
	}

	message := Message{
		ID:          h.nextMessageID(),
		WorkspaceID: payload.WorkspaceID,
		SenderEmail: payload.SenderEmail,
		SenderName:  payload.SenderName,
		Content:     payload.Content,
		ImageURL:    payload.ImageURL,
		Timestamp:   time.Now().UnixMilli(),
	}

	h.appendLocal(payload.WorkspaceID, message)
	h.persistToStore(ctx, payload.WorkspaceID, message)
	if h.clearTyping(payload.WorkspaceID, payload.SenderEmail) {
		_ = h.hub.Broadcast(payload.WorkspaceID, "user_stop_typing", TypingPayload{WorkspaceID: payload.WorkspaceID, Email: payload.SenderEmail}, "")
	}

	if err := h.hub.Broadcast(payload.WorkspaceID, "new_message", message.compress(), ""); err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.MessageProcessed("new_message", time.Since(start))
	}
	return nil
}

func (h *Handler) appendLocal(workspaceID string, message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	history, ok := h.history[workspaceID]
	if !ok {
		history = list.New()
		h.history[workspaceID] = history
	}
	history.PushBack(message)
	for history.Len() > h.messageLimit {
		history.Remove(history.Front())
	}
}

func (h *Handler) persistToStore(ctx context.Context, workspaceID string, message Message) {
	encoded, err := json.Marshal(message)
	if err != nil {
		return
	}
	result := h.store.ListPush(ctx, chatMessagesKey(workspaceID), string(encoded), int64(h.messageLimit))
	if !result.Ok && h.metrics != nil {
		wrapped := fmt.Errorf("chat.persist: %w", gatewayerr.New("chat.persist", gatewayerr.KindSharedStoreOpFailed, result.Err))
		h.metrics.ErrorOccurred(string(gatewayerr.KindOf(wrapped)), wrapped.Error())
	}
}

// History returns up to the message limit of recent messages for
// workspaceID, compressed, preferring the shared store per spec.md
// §4.6's "read shared-store list first, falling back to local deque".
func (h *Handler) History(ctx context.Context, workspaceID string) []compressedMessage {
	raw, err := h.store.ListRange(ctx, chatMessagesKey(workspaceID), int64(h.messageLimit))
	if err == nil && len(raw) > 0 {
		messages := make([]compressedMessage, 0, len(raw))
		for i := len(raw) - 1; i >= 0; i-- {
			var message Message
			if jsonErr := json.Unmarshal([]byte(raw[i]), &message); jsonErr == nil {
				messages = append(messages, message.compress())
			}
		}
		return messages
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	history, ok := h.history[workspaceID]
	if !ok {
		return nil
	}
	messages := make([]compressedMessage, 0, history.Len())
	for element := history.Front(); element != nil; element = element.Next() {
		messages = append(messages, element.Value.(Message).compress())
	}
	return messages
}

// HandleGetHistory unicasts the bounded chat history to the requester.
func (h *Handler) HandleGetHistory(ctx context.Context, session *transport.Session, workspaceID string) error {
	return h.hub.Unicast(session, "chat_history", h.History(ctx, workspaceID))
}

// HandleUserTyping implements spec.md §4.6's Typing.
func (h *Handler) HandleUserTyping(ctx context.Context, session *transport.Session, payload TypingPayload) error {
	if payload.WorkspaceID == "" || payload.Email == "" {
		return h.reportError(session, "chat.user_typing", gatewayerr.KindValidation,
			errors.New("workspaceId and email are required"))
	}

	h.typingMu.Lock()
	byEmail, ok := h.typing[payload.WorkspaceID]
	if !ok {
		byEmail = make(map[string]*typingEntry)
		h.typing[payload.WorkspaceID] = byEmail
	}
	byEmail[payload.Email] = &typingEntry{name: payload.Name, updatedAt: time.Now()}
	h.typingMu.Unlock()

	h.touchTypingStore(ctx, payload.WorkspaceID, payload.Email, payload.Name)

	return h.hub.Broadcast(payload.WorkspaceID, "user_typing", payload, "")
}

// HandleUserStopTyping implements spec.md §4.6's Stop typing.
func (h *Handler) HandleUserStopTyping(ctx context.Context, session *transport.Session, payload TypingPayload) error {
	h.clearTyping(payload.WorkspaceID, payload.Email)
	h.clearTypingStore(ctx, payload.WorkspaceID, payload.Email)
	return h.hub.Broadcast(payload.WorkspaceID, "user_stop_typing", payload, "")
}

// touchTypingStore writes email's entry into the workspace's single
// typing map, per spec.md §6's chat:{ws}:typing layout.
func (h *Handler) touchTypingStore(ctx context.Context, workspaceID, email, name string) {
	entries := make(map[string]typingStoreEntry)
	_, _ = h.store.GetJSON(ctx, chatTypingKey(workspaceID), true, &entries)
	entries[email] = typingStoreEntry{Name: name, Timestamp: time.Now().UnixMilli()}
	h.store.SetJSON(ctx, chatTypingKey(workspaceID), entries, defaultTypingTTL)
}

// clearTypingStore removes email's entry from the workspace's typing
// map, reclaiming the key entirely once it empties out.
func (h *Handler) clearTypingStore(ctx context.Context, workspaceID, email string) {
	entries := make(map[string]typingStoreEntry)
	found, _ := h.store.GetJSON(ctx, chatTypingKey(workspaceID), true, &entries)
	if !found {
		return
	}
	delete(entries, email)
	if len(entries) == 0 {
		h.store.Delete(ctx, chatTypingKey(workspaceID))
		return
	}
	h.store.SetJSON(ctx, chatTypingKey(workspaceID), entries, defaultTypingTTL)
}

// clearTyping removes email's local typing entry and reports whether
// one was present.
func (h *Handler) clearTyping(workspaceID, email string) bool {
	h.typingMu.Lock()
	defer h.typingMu.Unlock()
	byEmail, ok := h.typing[workspaceID]
	if !ok {
		return false
	}
	_, present := byEmail[email]
	delete(byEmail, email)
	if len(byEmail) == 0 {
		delete(h.typing, workspaceID)
	}
	return present
}

// SweepTyping implements spec.md §4.6's sweeper: evict local entries
// older than typingWindow and broadcast a synthetic user_stop_typing
// for each.
func (h *Handler) SweepTyping() {
	now := time.Now()
	type expired struct {
		workspaceID, email string
	}
	var toEvict []expired

	h.typingMu.Lock()
	for workspaceID, byEmail := range h.typing {
		for email, entry := range byEmail {
			if now.Sub(entry.updatedAt) >= h.typingWindow {
				toEvict = append(toEvict, expired{workspaceID, email})
			}
		}
	}
	for _, item := range toEvict {
		delete(h.typing[item.workspaceID], item.email)
		if len(h.typing[item.workspaceID]) == 0 {
			delete(h.typing, item.workspaceID)
		}
	}
	h.typingMu.Unlock()

	for _, item := range toEvict {
		_ = h.hub.Broadcast(item.workspaceID, "user_stop_typing", TypingPayload{WorkspaceID: item.workspaceID, Email: item.email}, "")
	}
}

// Run starts the typing sweeper at the configured typing window until
// ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.typingWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.SweepTyping()
		}
	}
}
