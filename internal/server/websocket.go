package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/collabgw/gateway/internal/agenda"
	"github.com/collabgw/gateway/internal/auth"
	"github.com/collabgw/gateway/internal/chat"
	"github.com/collabgw/gateway/internal/gatewayerr"
	"github.com/collabgw/gateway/internal/notes"
	"github.com/collabgw/gateway/internal/presence"
	"github.com/collabgw/gateway/internal/transport"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var sessionSeq int64

func nextSessionID() string {
	return "sess-" + strconv.FormatInt(atomic.AddInt64(&sessionSeq, 1), 10)
}

// handleWebsocket implements spec.md §4.3's upgrade, applying
// auth.Middleware ahead of the gorilla/websocket handshake itself so a
// rejection never reaches the protocol upgrade.
func handleWebsocket(deps Dependencies) gin.HandlerFunc {
	upgrader := transport.NewUpgrader(deps.CORSOrigin)

	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			deps.Logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		sessionUser := transport.SessionUser{
			UserID:      identity.UserID,
			Email:       identity.Email,
			DisplayName: identity.Name,
		}
		session := transport.NewSession(nextSessionID(), conn, sessionUser, identity.ClientIP, c.Request.UserAgent())

		deps.Metrics.ConnectionOpened(c.Request.UserAgent(), resolveCountry(c.Request))
		go session.WritePump()
		reason := session.ReadPump(func(envelope transport.Envelope) {
			dispatch(context.Background(), deps, session, envelope)
		})

		handleDisconnect(deps, session, reason)
		deps.Metrics.ConnectionClosed()
	}
}

func handleDisconnect(deps Dependencies, session *transport.Session, reason transport.DisconnectReason) {
	ctx := context.Background()
	deps.Workspace.HandleDisconnect(session)
	deps.Collection.HandleDisconnect(ctx, session)
	deps.Notes.HandleDisconnect(ctx, session)
	deps.Agenda.HandleDisconnect(ctx, session)
	transport.CloseWithReason(session, reason)
}

func dispatch(ctx context.Context, deps Dependencies, session *transport.Session, envelope transport.Envelope) {
	logger := deps.Logger
	defer func() {
		if recovered := recover(); recovered != nil {
			details := fmt.Sprint(recovered)
			logger.Error("handler panic", zap.String("event", envelope.Event), zap.String("panic", details))
			deps.Metrics.ErrorOccurred(string(gatewayerr.KindInternal), details)
			_ = deps.Hub.Unicast(session, "error", transport.ErrorPayload{Message: string(gatewayerr.KindInternal), Details: details})
		}
	}()
	unmarshal := func(dest interface{}) bool {
		if len(envelope.Payload) == 0 {
			return true
		}
		if err := json.Unmarshal(envelope.Payload, dest); err != nil {
			logger.Debug("dropping malformed payload", zap.String("event", envelope.Event), zap.Error(err))
			return false
		}
		return true
	}

	switch envelope.Event {
	case "join_workspace":
		var payload struct {
			WorkspaceID string                `json:"wsId"`
			User        presence.UserSnapshot `json:"user"`
		}
		if unmarshal(&payload) {
			deps.Workspace.HandleJoinWorkspace(ctx, session, payload.WorkspaceID, payload.User)
		}
	case "leave_workspace":
		var payload struct {
			WorkspaceID string `json:"wsId"`
		}
		if unmarshal(&payload) {
			deps.Workspace.HandleLeaveWorkspace(ctx, session, payload.WorkspaceID)
		}
	case "get_workspace_users":
		var payload struct {
			WorkspaceID string `json:"wsId"`
		}
		if unmarshal(&payload) {
			deps.Workspace.HandleGetWorkspaceUsers(ctx, session, payload.WorkspaceID)
		}

	case "join_collection":
		var payload struct {
			WorkspaceID  string                `json:"wsId"`
			CollectionID string                `json:"collId"`
			User         presence.UserSnapshot `json:"user"`
		}
		if unmarshal(&payload) {
			deps.Collection.HandleJoinCollection(ctx, session, payload.WorkspaceID, payload.CollectionID, payload.User)
		}
	case "leave_collection":
		var payload struct {
			WorkspaceID  string `json:"wsId"`
			CollectionID string `json:"collId"`
		}
		if unmarshal(&payload) {
			deps.Collection.HandleLeaveCollection(ctx, session, payload.WorkspaceID, payload.CollectionID)
		}
	case "get_collections_users":
		var payload struct {
			WorkspaceID string `json:"wsId"`
		}
		if unmarshal(&payload) {
			deps.Collection.HandleGetCollectionsUsers(ctx, session, payload.WorkspaceID)
		}

	case "new_message":
		var payload chat.NewMessagePayload
		if unmarshal(&payload) {
			deps.Chat.HandleNewMessage(ctx, session, payload)
		}
	case "get_chat_history":
		var payload struct {
			WorkspaceID string `json:"wsId"`
		}
		if unmarshal(&payload) {
			deps.Chat.HandleGetHistory(ctx, session, payload.WorkspaceID)
		}
	case "user_typing":
		var payload chat.TypingPayload
		if unmarshal(&payload) {
			deps.Chat.HandleUserTyping(ctx, session, payload)
		}
	case "user_stop_typing":
		var payload chat.TypingPayload
		if unmarshal(&payload) {
			deps.Chat.HandleUserStopTyping(ctx, session, payload)
		}

	case "join_note":
		var payload struct {
			WorkspaceID string              `json:"wsId"`
			NoteID      string              `json:"noteId"`
			User        notes.UserSnapshot  `json:"user"`
		}
		if unmarshal(&payload) {
			deps.Notes.HandleJoinNote(ctx, session, payload.WorkspaceID, payload.NoteID, payload.User)
		}
	case "leave_note":
		var payload struct {
			WorkspaceID string `json:"wsId"`
			NoteID      string `json:"noteId"`
		}
		if unmarshal(&payload) {
			deps.Notes.HandleLeaveNote(ctx, session, payload.WorkspaceID, payload.NoteID)
		}
	case "cursor_update":
		var payload struct {
			WorkspaceID string      `json:"wsId"`
			NoteID      string      `json:"noteId"`
			Cursor      interface{} `json:"cursor"`
		}
		if unmarshal(&payload) {
			deps.Notes.HandleCursorUpdate(ctx, session, payload.WorkspaceID, payload.NoteID, payload.Cursor)
		}
	case "note_content_update":
		var payload struct {
			WorkspaceID string `json:"wsId"`
			NoteID      string `json:"noteId"`
			Content     string `json:"content"`
		}
		if unmarshal(&payload) {
			deps.Notes.HandleContentUpdate(ctx, session, payload.WorkspaceID, payload.NoteID, payload.Content)
		}

	case "join_agenda":
		var payload struct {
			WorkspaceID string                `json:"wsId"`
			User        presence.UserSnapshot `json:"user"`
		}
		if unmarshal(&payload) {
			deps.Agenda.HandleJoinAgenda(ctx, session, payload.WorkspaceID, payload.User)
		}
	case "leave_agenda":
		var payload struct {
			WorkspaceID string `json:"wsId"`
		}
		if unmarshal(&payload) {
			deps.Agenda.HandleLeaveAgenda(ctx, session, payload.WorkspaceID)
		}
	case "get_agenda_users":
		var payload struct {
			WorkspaceID string `json:"wsId"`
		}
		if unmarshal(&payload) {
			deps.Agenda.HandleGetAgendaUsers(ctx, session, payload.WorkspaceID)
		}
	case "task_created":
		dispatchTaskEvent(ctx, deps, session, envelope, deps.Agenda.HandleTaskCreated)
	case "task_updated":
		dispatchTaskEvent(ctx, deps, session, envelope, deps.Agenda.HandleTaskUpdated)
	case "task_deleted":
		dispatchTaskEvent(ctx, deps, session, envelope, deps.Agenda.HandleTaskDeleted)
	case "task_moved":
		dispatchTaskEvent(ctx, deps, session, envelope, deps.Agenda.HandleTaskMoved)

	default:
		logger.Debug("unhandled event", zap.String("event", envelope.Event))
	}
}

func dispatchTaskEvent(ctx context.Context, deps Dependencies, session *transport.Session, envelope transport.Envelope, handle func(context.Context, *transport.Session, string, agenda.TaskEventPayload) error) {
	var payload struct {
		WorkspaceID string `json:"wsId"`
		agenda.TaskEventPayload
	}
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			deps.Logger.Debug("dropping malformed task payload", zap.Error(err))
			return
		}
	}
	handle(ctx, session, payload.WorkspaceID, payload.TaskEventPayload)
}
