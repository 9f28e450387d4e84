// Package agenda implements spec.md §4.8: per-workspace agenda room
// presence (mirroring collection presence, disconnect without grace) plus
// task event pass-through fan-out to both the agenda and workspace rooms.
package agenda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/collabgw/gateway/internal/gatewayerr"
	"github.com/collabgw/gateway/internal/presence"
	"github.com/collabgw/gateway/internal/transport"
	"go.uber.org/zap"
)

func agendaRoom(workspaceID string) string { return fmt.Sprintf("agenda:%s", workspaceID) }

// MetricsSink is the subset of the metrics registry agenda reports into.
type MetricsSink interface {
	MessageProcessed(eventType string, latency time.Duration)
	ErrorOccurred(kind string, details string)
}

// TaskEventPayload is the inbound shape for every task_* event; its
// taskId, task and extra fields are relayed as received, enriched with a
// server timestamp (other inbound fields are not carried over), per
// spec.md §4.8's pass-through-fan-out rule.
type TaskEventPayload struct {
	TaskID string                 `json:"taskId,omitempty"`
	Task   map[string]interface{} `json:"task,omitempty"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// relayedTaskEvent is the enriched form broadcast to clients.
type relayedTaskEvent struct {
	TaskEventPayload
	Timestamp int64 `json:"timestamp"`
}

// Handler implements spec.md §4.8's agenda presence and task events.
type Handler struct {
	hub     *transport.Hub
	metrics MetricsSink
	logger  *zap.Logger

	mu              sync.Mutex
	local           map[string]map[string]presence.UserSnapshot // workspaceID -> sessionID -> user
	sessionMemberOf map[string]map[string]struct{}               // sessionID -> workspaceID set
}

// NewHandler constructs an agenda Handler. Unlike its presence siblings,
// it takes no *sharedstate.Client: the agenda room is held in memory
// only, per spec.md's key layout, which lists no agenda users key.
func NewHandler(hub *transport.Hub, metrics MetricsSink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:             hub,
		metrics:         metrics,
		logger:          logger.With(zap.String("component", "agenda")),
		local:           make(map[string]map[string]presence.UserSnapshot),
		sessionMemberOf: make(map[string]map[string]struct{}),
	}
}

func dedupeByEmail(entries map[string]presence.UserSnapshot) []presence.UserSnapshot {
	seen := make(map[string]presence.UserSnapshot, len(entries))
	order := make([]string, 0, len(entries))
	for _, user := range entries {
		if _, ok := seen[user.Email]; !ok {
			order = append(order, user.Email)
		}
		seen[user.Email] = user
	}
	result := make([]presence.UserSnapshot, 0, len(order))
	for _, email := range order {
		result = append(result, seen[email])
	}
	return result
}

// HandleJoinAgenda implements spec.md §4.8's join_agenda. Membership is
// held only in memory: the agenda room has one instance per workspace, so
// there is no shared-store mirror to restore across process restarts.
func (h *Handler) HandleJoinAgenda(ctx context.Context, session *transport.Session, workspaceID string, user presence.UserSnapshot) error {
	if workspaceID == "" {
		return h.reportError(session, "agenda.join_agenda", gatewayerr.KindValidation, errors.New("wsId is required"))
	}

	start := time.Now()

	h.mu.Lock()
	record, ok := h.local[workspaceID]
	if !ok {
		record = make(map[string]presence.UserSnapshot)
		h.local[workspaceID] = record
	}
	for sessionID, existing := range record {
		if existing.Email == user.Email && sessionID != session.ID {
			delete(record, sessionID)
			h.unmark(sessionID, workspaceID)
		}
	}
	record[session.ID] = user
	h.mark(session.ID, workspaceID)
	snapshot := dedupeByEmail(record)
	h.mu.Unlock()

	h.hub.Join(agendaRoom(workspaceID), session)

	_ = h.hub.Broadcast(workspaceID, "agenda_user_joined", user, "")
	if err := h.hub.Broadcast(agendaRoom(workspaceID), "agenda_users_updated", presence.UsersConnectedPayload{WorkspaceID: workspaceID, Users: snapshot}, ""); err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.MessageProcessed("join_agenda", time.Since(start))
	}
	return nil
}

// HandleLeaveAgenda implements spec.md §4.8's leave_agenda, immediate.
func (h *Handler) HandleLeaveAgenda(ctx context.Context, session *transport.Session, workspaceID string) error {
	h.mu.Lock()
	record, ok := h.local[workspaceID]
	var leavingUser presence.UserSnapshot
	var found bool
	if ok {
		leavingUser, found = record[session.ID]
		delete(record, session.ID)
		if len(record) == 0 {
			delete(h.local, workspaceID)
		}
	}
	h.unmark(session.ID, workspaceID)
	snapshot := dedupeByEmail(record)
	h.mu.Unlock()

	h.hub.Leave(agendaRoom(workspaceID), session)

	if found {
		_ = h.hub.Broadcast(workspaceID, "agenda_user_left", leavingUser, "")
		_ = h.hub.Broadcast(agendaRoom(workspaceID), "agenda_users_updated", presence.UsersConnectedPayload{WorkspaceID: workspaceID, Users: snapshot}, "")
	}
	return nil
}

// HandleGetAgendaUsers unicasts the current agenda room membership.
func (h *Handler) HandleGetAgendaUsers(ctx context.Context, session *transport.Session, workspaceID string) error {
	h.mu.Lock()
	record := h.local[workspaceID]
	snapshot := dedupeByEmail(record)
	h.mu.Unlock()

	return h.hub.Unicast(session, "agenda_users_updated", presence.UsersConnectedPayload{WorkspaceID: workspaceID, Users: snapshot})
}

func (h *Handler) mark(sessionID, workspaceID string) {
	set, ok := h.sessionMemberOf[sessionID]
	if !ok {
		set = make(map[string]struct{})
		h.sessionMemberOf[sessionID] = set
	}
	set[workspaceID] = struct{}{}
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

func (h *Handler) unmark(sessionID, workspaceID string) {
	set, ok := h.sessionMemberOf[sessionID]
	if !ok {
		return
	}
	delete(set, workspaceID)
	if len(set) == 0 {
		delete(h.sessionMemberOf, sessionID)
	}
}

// HandleDisconnect removes session from every agenda room it belongs to,
// immediately (no grace period, per spec.md §9's preserved asymmetry).
func (h *Handler) HandleDisconnect(ctx context.Context, session *transport.Session) {
	h.mu.Lock()
	workspaces := h.sessionMemberOf[session.ID]
	ids := make([]string, 0, len(workspaces))
	for workspaceID := range workspaces {
		ids = append(ids, workspaceID)
	}
	h.mu.Unlock()

	for _, workspaceID := range ids {
		_ = h.HandleLeaveAgenda(ctx, session, workspaceID)
	}
}

// relayTaskEvent implements spec.md §4.8's pass-through fan-out: the
// agenda room (excluding the sender) and the workspace room under the
// workspace_task_* name, both enriched with a server timestamp. Task
// events are not persisted.
func (h *Handler) relayTaskEvent(ctx context.Context, session *transport.Session, workspaceID, eventName string, payload TaskEventPayload) error {
	if workspaceID == "" {
		return h.reportError(session, "agenda."+eventName, gatewayerr.KindValidation, errors.New("wsId is required"))
	}

	start := time.Now()
	enriched := relayedTaskEvent{TaskEventPayload: payload, Timestamp: time.Now().UnixMilli()}

	if err := h.hub.Broadcast(agendaRoom(workspaceID), eventName, enriched, session.ID); err != nil {
		return err
	}
	if err := h.hub.Broadcast(workspaceID, "workspace_"+eventName, enriched, ""); err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.MessageProcessed(eventName, time.Since(start))
	}
	return nil
}

// HandleTaskCreated implements spec.md §4.8's task_created.
func (h *Handler) HandleTaskCreated(ctx context.Context, session *transport.Session, workspaceID string, payload TaskEventPayload) error {
	return h.relayTaskEvent(ctx, session, workspaceID, "task_created", payload)
}

// HandleTaskUpdated implements spec.md §4.8's task_updated.
func (h *Handler) HandleTaskUpdated(ctx context.Context, session *transport.Session, workspaceID string, payload TaskEventPayload) error {
	return h.relayTaskEvent(ctx, session, workspaceID, "task_updated", payload)
}

// HandleTaskDeleted implements spec.md §4.8's task_deleted.
func (h *Handler) HandleTaskDeleted(ctx context.Context, session *transport.Session, workspaceID string, payload TaskEventPayload) error {
	return h.relayTaskEvent(ctx, session, workspaceID, "task_deleted", payload)
}

// HandleTaskMoved implements spec.md §4.8's task_moved.
func (h *Handler) HandleTaskMoved(ctx context.Context, session *transport.Session, workspaceID string, payload TaskEventPayload) error {
	return h.relayTaskEvent(ctx, session, workspaceID, "task_moved", payload)
}
