// Package notes implements spec.md §4.7: per-note presence with
// user-id-keyed idempotent replacement, cursor echo, and last-writer-wins
// content with a shared-store mirror.
package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/collabgw/gateway/internal/gatewayerr"
	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/collabgw/gateway/internal/transport"
	"go.uber.org/zap"
)

const contentTTL = 7 * 24 * time.Hour

func noteRoom(workspaceID, noteID string) string { return fmt.Sprintf("note:%s:%s", workspaceID, noteID) }
func noteContentKey(workspaceID, noteID string) string {
	return fmt.Sprintf("note:%s:%s:content", workspaceID, noteID)
}

// UserSnapshot is the user identity carried alongside a note presence entry.
type UserSnapshot struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// member is one entry in a note's ordered presence list.
type member struct {
	SessionID string
	User      UserSnapshot
}

// MetricsSink is the subset of the metrics registry notes reports into.
type MetricsSink interface {
	MessageProcessed(eventType string, latency time.Duration)
	ErrorOccurred(kind string, details string)
}

// NoteUsersUpdatedPayload is broadcast on membership change.
type NoteUsersUpdatedPayload struct {
	NoteID string         `json:"noteId"`
	Users  []UserSnapshot `json:"users"`
}

// ContentLoadedPayload is unicast to a joiner with the current content.
type ContentLoadedPayload struct {
	NoteID  string `json:"noteId"`
	Content string `json:"content"`
}

// ContentUpdatedPayload is broadcast on a content change, excluding the writer.
type ContentUpdatedPayload struct {
	NoteID    string `json:"noteId"`
	Content   string `json:"content"`
	UpdatedBy string `json:"updatedBy"`
}

// CursorUpdatedPayload is broadcast to the entire room, including the sender
// (server-authoritative echo, per spec.md §4.7's preserved Open Question).
type CursorUpdatedPayload struct {
	NoteID   string      `json:"noteId"`
	UserID   string      `json:"userId"` // session id, per spec.md's wire contract
	UserData UserSnapshot `json:"userData"`
	Cursor   interface{} `json:"cursor"` // nil = withdrawn
}

type noteState struct {
	members []member // ordered; replacement is by user-id, per spec.md's resolved Open Question
	content string
	loaded  bool
}

// Handler implements spec.md §4.7's note collaboration events.
type Handler struct {
	hub     *transport.Hub
	store   *sharedstate.Client
	metrics MetricsSink
	logger  *zap.Logger

	mu    sync.Mutex
	notes map[string]*noteState // scopeKey(ws,note) -> state
}

// NewHandler constructs a note collaboration Handler.
func NewHandler(hub *transport.Hub, store *sharedstate.Client, metrics MetricsSink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:     hub,
		store:   store,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "notes")),
		notes:   make(map[string]*noteState),
	}
}

func scopeKey(workspaceID, noteID string) string { return workspaceID + "|" + noteID }

func (h *Handler) stateLocked(workspaceID, noteID string) *noteState {
	key := scopeKey(workspaceID, noteID)
	state, ok := h.notes[key]
	if !ok {
		state = &noteState{}
		h.notes[key] = state
	}
	return state
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

func usersOf(members []member) []UserSnapshot {
	users := make([]UserSnapshot, 0, len(members))
	for _, m := range members {
		users = append(users, m.User)
	}
	return users
}

// HandleJoinNote implements spec.md §4.7's Join note.
func (h *Handler) HandleJoinNote(ctx context.Context, session *transport.Session, workspaceID, noteID string, user UserSnapshot) error {
	if workspaceID == "" || noteID == "" {
		return h.reportError(session, "notes.join_note", gatewayerr.KindValidation,
			errors.New("wsId and noteId are required"))
	}

	start := time.Now()
	h.mu.Lock()
	state := h.stateLocked(workspaceID, noteID)

	replaced := false
	for i, m := range state.members {
		if m.User.UserID == user.UserID {
			state.members[i] = member{SessionID: session.ID, User: user}
			replaced = true
			break
		}
	}
	if !replaced {
		state.members = append(state.members, member{SessionID: session.ID, User: user})
	}

	if !state.loaded {
		state.content = h.loadContent(ctx, workspaceID, noteID)
		state.loaded = true
	}
	content := state.content
	users := usersOf(state.members)
	h.mu.Unlock()

	h.hub.Join(noteRoom(workspaceID, noteID), session)

	if err := h.hub.Unicast(session, "note_content_loaded", ContentLoadedPayload{NoteID: noteID, Content: content}); err != nil {
		return err
	}
	if err := h.hub.Broadcast(noteRoom(workspaceID, noteID), "note_users_updated", NoteUsersUpdatedPayload{NoteID: noteID, Users: users}, ""); err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.MessageProcessed("join_note", time.Since(start))
	}
	return nil
}

func (h *Handler) loadContent(ctx context.Context, workspaceID, noteID string) string {
	result := h.store.Get(ctx, noteContentKey(workspaceID, noteID), false)
	if result.Ok {
		return result.Value
	}
	return ""
}

// HandleLeaveNote implements spec.md §4.7's Leave note.
func (h *Handler) HandleLeaveNote(ctx context.Context, session *transport.Session, workspaceID, noteID string) error {
	h.mu.Lock()
	state, ok := h.notes[scopeKey(workspaceID, noteID)]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	kept := state.members[:0:0]
	for _, m := range state.members {
		if m.SessionID != session.ID {
			kept = append(kept, m)
		}
	}
	state.members = kept
	users := usersOf(state.members)
	empty := len(state.members) == 0
	if empty {
		delete(h.notes, scopeKey(workspaceID, noteID))
	}
	h.mu.Unlock()

	room := noteRoom(workspaceID, noteID)
	if err := h.hub.Broadcast(room, "note_users_updated", NoteUsersUpdatedPayload{NoteID: noteID, Users: users}, ""); err != nil {
		return err
	}
	if err := h.hub.Broadcast(room, "cursor_updated", CursorUpdatedPayload{NoteID: noteID, UserID: session.ID, Cursor: nil}, session.ID); err != nil {
		return err
	}

	h.hub.Leave(room, session)
	return nil
}

// HandleCursorUpdate implements spec.md §4.7's Cursor update: echoed to
// every session in the room including the sender.
func (h *Handler) HandleCursorUpdate(ctx context.Context, session *transport.Session, workspaceID, noteID string, cursor interface{}) error {
	if workspaceID == "" || noteID == "" {
		return h.reportError(session, "notes.cursor_update", gatewayerr.KindValidation,
			errors.New("wsId and noteId are required"))
	}

	h.mu.Lock()
	state, ok := h.notes[scopeKey(workspaceID, noteID)]
	var userData UserSnapshot
	present := false
	if ok {
		for _, m := range state.members {
			if m.SessionID == session.ID {
				userData = m.User
				present = true
				break
			}
		}
	}
	h.mu.Unlock()

	if !present {
		return nil
	}

	return h.hub.Broadcast(noteRoom(workspaceID, noteID), "cursor_updated", CursorUpdatedPayload{
		NoteID: noteID, UserID: session.ID, UserData: userData, Cursor: cursor,
	}, "")
}

// HandleContentUpdate implements spec.md §4.7's Content update: only
// applied while the note has members, broadcast excluding the writer.
func (h *Handler) HandleContentUpdate(ctx context.Context, session *transport.Session, workspaceID, noteID, content string) error {
	if workspaceID == "" || noteID == "" {
		return h.reportError(session, "notes.content_update", gatewayerr.KindValidation,
			errors.New("wsId and noteId are required"))
	}

	start := time.Now()
	h.mu.Lock()
	state, ok := h.notes[scopeKey(workspaceID, noteID)]
	if !ok || len(state.members) == 0 {
		h.mu.Unlock()
		return nil
	}
	state.content = content
	state.loaded = true
	h.mu.Unlock()

	if result := h.store.Set(ctx, noteContentKey(workspaceID, noteID), content, contentTTL); !result.Ok && h.metrics != nil {
		wrapped := fmt.Errorf("notes.content_update: %w", gatewayerr.New("notes.content_update", gatewayerr.KindSharedStoreOpFailed, result.Err))
		h.metrics.ErrorOccurred(string(gatewayerr.KindOf(wrapped)), wrapped.Error())
	}

	if err := h.hub.Broadcast(noteRoom(workspaceID, noteID), "note_content_updated", ContentUpdatedPayload{
		NoteID: noteID, Content: content, UpdatedBy: session.ID,
	}, session.ID); err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.MessageProcessed("note_content_update", time.Since(start))
	}
	return nil
}

// HandleDisconnect removes session from every note it belonged to,
// immediately (no grace period, per spec.md §4.7's preserved asymmetry).
func (h *Handler) HandleDisconnect(ctx context.Context, session *transport.Session) {
	h.mu.Lock()
	var affected []struct{ workspaceID, noteID string }
	for key, state := range h.notes {
		for _, m := range state.members {
			if m.SessionID == session.ID {
				var workspaceID, noteID string
				for i := 0; i < len(key); i++ {
					if key[i] == '|' {
						workspaceID, noteID = key[:i], key[i+1:]
						break
					}
				}
				affected = append(affected, struct{ workspaceID, noteID string }{workspaceID, noteID})
				break
			}
		}
	}
	h.mu.Unlock()

	for _, a := range affected {
		_ = h.HandleLeaveNote(ctx, session, a.workspaceID, a.noteID)
	}
}
