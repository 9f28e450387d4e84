package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabgw/gateway/internal/gatewayerr"
	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/collabgw/gateway/internal/transport"
	"go.uber.org/zap"
)

const defaultReconnectGrace = 5 * time.Second

func workspaceUsersKey(workspaceID string) string {
	return fmt.Sprintf("workspace:%s:users", workspaceID)
}

type pendingLeave struct {
	sessionID string
	workspace string
	user      UserSnapshot
	timer     *time.Timer
}

// WorkspaceHandler implements spec.md §4.4.
type WorkspaceHandler struct {
	hub     *transport.Hub
	store   *sharedstate.Client
	metrics MetricsSink
	logger  *zap.Logger
	grace   time.Duration

	mu              sync.Mutex
	local           map[string]map[string]UserSnapshot // workspace -> sessionID -> user
	sessionMemberOf map[string]map[string]struct{}     // sessionID -> workspace set
	lastSeen        map[string]map[string]time.Time    // workspace -> email -> time
	joinSeq         map[string]int64                    // sessionID -> monotonic join order, for sweep tie-breaks
	pending         map[string]*pendingLeave            // "workspace|email" -> pending
}

var workspaceJoinSeq int64

// NewWorkspaceHandler constructs a WorkspaceHandler. grace <= 0 defaults
// to 5s per spec.md §3.
func NewWorkspaceHandler(hub *transport.Hub, store *sharedstate.Client, metrics MetricsSink, logger *zap.Logger, grace time.Duration) *WorkspaceHandler {
	if grace <= 0 {
		grace = defaultReconnectGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkspaceHandler{
		hub:             hub,
		store:           store,
		metrics:         metrics,
		logger:          logger.With(zap.String("component", "presence.workspace")),
		grace:           grace,
		local:           make(map[string]map[string]UserSnapshot),
		sessionMemberOf: make(map[string]map[string]struct{}),
		lastSeen:        make(map[string]map[string]time.Time),
		joinSeq:         make(map[string]int64),
		pending:         make(map[string]*pendingLeave),
	}
}

func pendingKey(workspace, email string) string { return workspace + "|" + email }

func (h *WorkspaceHandler) loadRecord(ctx context.Context, workspaceID string) map[string]UserSnapshot {
	record := make(map[string]UserSnapshot)
	_, _ = h.store.GetJSON(ctx, workspaceUsersKey(workspaceID), false, &record)
	return record
}

func (h *WorkspaceHandler) writeRecord(ctx context.Context, workspaceID string, record map[string]UserSnapshot) {
	h.store.SetJSON(ctx, workspaceUsersKey(workspaceID), record, 0)
}

func (h *WorkspaceHandler) markMember(sessionID, workspace string) {
	set, ok := h.sessionMemberOf[sessionID]
	if !ok {
		set = make(map[string]struct{})
		h.sessionMemberOf[sessionID] = set
	}
	set[workspace] = struct{}{}
}

func (h *WorkspaceHandler) unmarkMember(sessionID, workspace string) {
	set, ok := h.sessionMemberOf[sessionID]
	if !ok {
		return
	}
	delete(set, workspace)
	if len(set) == 0 {
		delete(h.sessionMemberOf, sessionID)
		delete(h.joinSeq, sessionID)
	}
}

// HandleJoinWorkspace implements spec.md §4.4 Join.
func (h *WorkspaceHandler) HandleJoinWorkspace(ctx context.Context, session *transport.Session, workspaceID string, user UserSnapshot) error {
	if workspaceID == "" || user.Email == "" {
		return reportError(h.hub, h.metrics, session, "presence.join_workspace", gatewayerr.KindValidation,
			errors.New("wsId and user.email are required"))
	}

	start := time.Now()
	h.mu.Lock()

	record := h.local[workspaceID]
	wasEmpty := len(record) == 0
	if record == nil {
		record = h.loadRecord(ctx, workspaceID)
		h.local[workspaceID] = record
	}

	if pending, ok := h.pending[pendingKey(workspaceID, user.Email)]; ok {
		pending.timer.Stop()
		delete(h.pending, pendingKey(workspaceID, user.Email))
	}

	wasReconnect := false
	for sessionID, existing := range record {
		if existing.Email == user.Email && sessionID != session.ID {
			delete(record, sessionID)
			h.unmarkMember(sessionID, workspaceID)
			wasReconnect = true
		}
	}

	record[session.ID] = user
	h.markMember(session.ID, workspaceID)
	h.joinSeq[session.ID] = atomic.AddInt64(&workspaceJoinSeq, 1)
	h.writeRecord(ctx, workspaceID, record)

	if h.lastSeen[workspaceID] == nil {
		h.lastSeen[workspaceID] = make(map[string]time.Time)
	}
	h.lastSeen[workspaceID][user.Email] = time.Now()

	snapshot := dedupeByEmail(record)
	h.mu.Unlock()

	h.hub.Join(workspaceID, session)

	_ = h.hub.Broadcast(workspaceID, "users_connected", UsersConnectedPayload{WorkspaceID: workspaceID, Users: snapshot}, "")
	if !wasReconnect {
		_ = h.hub.Broadcast(workspaceID, "user_joined", user, "")
	}

	if h.metrics != nil {
		if wasEmpty {
			h.metrics.WorkspaceActivated(workspaceID)
		}
		h.metrics.MessageProcessed("join_workspace", time.Since(start))
	}
	return nil
}

// HandleLeaveWorkspace implements spec.md §4.4 Leave.
func (h *WorkspaceHandler) HandleLeaveWorkspace(ctx context.Context, session *transport.Session, workspaceID string) error {
	start := time.Now()
	h.mu.Lock()

	if key := h.findPendingKeyForSession(workspaceID, session.ID); key != "" {
		h.pending[key].timer.Stop()
		delete(h.pending, key)
	}

	record := h.local[workspaceID]
	var leavingUser UserSnapshot
	var found bool
	if record != nil {
		leavingUser, found = record[session.ID]
		delete(record, session.ID)
		h.writeRecord(ctx, workspaceID, record)
	}
	h.unmarkMember(session.ID, workspaceID)

	if h.lastSeen[workspaceID] != nil && found {
		h.lastSeen[workspaceID][leavingUser.Email] = time.Now()
	}

	becameEmpty := record != nil && len(record) == 0
	if becameEmpty {
		delete(h.local, workspaceID)
	}
	snapshot := dedupeByEmail(record)
	h.mu.Unlock()

	h.hub.Leave(workspaceID, session)

	if found {
		_ = h.hub.Broadcast(workspaceID, "user_left", leavingUser, "")
		_ = h.hub.Broadcast(workspaceID, "users_connected", UsersConnectedPayload{WorkspaceID: workspaceID, Users: snapshot}, "")
	}

	if h.metrics != nil {
		if becameEmpty {
			h.metrics.WorkspaceDeactivated(workspaceID)
		}
		h.metrics.MessageProcessed("leave_workspace", time.Since(start))
	}
	return nil
}

// HandleGetWorkspaceUsers implements spec.md §4.4 Get-users.
func (h *WorkspaceHandler) HandleGetWorkspaceUsers(ctx context.Context, session *transport.Session, workspaceID string) error {
	h.mu.Lock()
	record := h.local[workspaceID]
	if record == nil {
		record = h.loadRecord(ctx, workspaceID)
		h.local[workspaceID] = record
	}
	snapshot := dedupeByEmail(record)
	h.mu.Unlock()

	return h.hub.Unicast(session, "users_connected", UsersConnectedPayload{WorkspaceID: workspaceID, Users: snapshot})
}

func (h *WorkspaceHandler) findPendingKeyForSession(workspaceID, sessionID string) string {
	for key, pending := range h.pending {
		if pending.workspace == workspaceID && pending.sessionID == sessionID {
			return key
		}
	}
	return ""
}

// HandleDisconnect implements spec.md §4.4's grace-period disconnect:
// for every workspace this session belongs to, schedule a deferred
// leave that a matching reconnect (same email, same workspace) cancels.
func (h *WorkspaceHandler) HandleDisconnect(session *transport.Session) {
	h.mu.Lock()
	memberOf := h.sessionMemberOf[session.ID]
	workspaces := make([]string, 0, len(memberOf))
	for workspace := range memberOf {
		workspaces = append(workspaces, workspace)
	}

	type scheduled struct {
		workspace string
		user      UserSnapshot
	}
	toSchedule := make([]scheduled, 0, len(workspaces))
	for _, workspace := range workspaces {
		record := h.local[workspace]
		user, ok := record[session.ID]
		if !ok {
			continue
		}
		toSchedule = append(toSchedule, scheduled{workspace: workspace, user: user})
	}
	h.mu.Unlock()

	for _, item := range toSchedule {
		h.schedulePendingLeave(session, item.workspace, item.user)
	}
}

func (h *WorkspaceHandler) schedulePendingLeave(session *transport.Session, workspace string, user UserSnapshot) {
	key := pendingKey(workspace, user.Email)

	h.mu.Lock()
	if existing, ok := h.pending[key]; ok {
		existing.timer.Stop()
	}
	entry := &pendingLeave{sessionID: session.ID, workspace: workspace, user: user}
	entry.timer = time.AfterFunc(h.grace, func() {
		h.firePendingLeave(key, session, workspace)
	})
	h.pending[key] = entry
	h.mu.Unlock()
}

func (h *WorkspaceHandler) firePendingLeave(key string, session *transport.Session, workspace string) {
	h.mu.Lock()
	pending, ok := h.pending[key]
	if !ok || pending.sessionID != session.ID {
		h.mu.Unlock()
		return
	}
	delete(h.pending, key)
	h.mu.Unlock()

	_ = h.HandleLeaveWorkspace(context.Background(), session, workspace)
}

// SweepDuplicates implements spec.md §4.4's 30s duplicate sweeper:
// keep the most recently inserted session per email, evict the rest.
// Since this package always collapses duplicates synchronously on
// join, what this pass finds is duplicates carried in by a record loaded
// from the shared store. It walks only the in-process records; the shared
// store is not re-read here, so entries other instances write after that
// load are not swept.
func (h *WorkspaceHandler) SweepDuplicates(ctx context.Context) {
	h.mu.Lock()
	workspaces := make([]string, 0, len(h.local))
	for workspace := range h.local {
		workspaces = append(workspaces, workspace)
	}
	h.mu.Unlock()

	for _, workspace := range workspaces {
		h.mu.Lock()
		record := h.local[workspace]
		byEmail := make(map[string][]string)
		for sessionID, user := range record {
			byEmail[user.Email] = append(byEmail[user.Email], sessionID)
		}
		changed := false
		for _, sessionIDs := range byEmail {
			if len(sessionIDs) <= 1 {
				continue
			}
			keep := mostRecentJoin(sessionIDs, h.joinSeq)
			for _, sessionID := range sessionIDs {
				if sessionID == keep {
					continue
				}
				delete(record, sessionID)
				h.unmarkMember(sessionID, workspace)
				changed = true
			}
		}
		if changed {
			h.writeRecord(ctx, workspace, record)
		}
		h.mu.Unlock()
	}
}

// mostRecentJoin picks the session with the highest recorded join
// sequence number. A sessionID missing from joinSeq (should not
// happen in practice) sorts behind every recorded one; ties fall back
// to the first candidate encountered so the result is always one of
// the inputs.
func mostRecentJoin(sessionIDs []string, joinSeq map[string]int64) string {
	keep := sessionIDs[0]
	best := joinSeq[keep]
	for _, sessionID := range sessionIDs[1:] {
		if seq, ok := joinSeq[sessionID]; ok && seq > best {
			keep = sessionID
			best = seq
		}
	}
	return keep
}

// Run starts the 30s duplicate sweeper until ctx is cancelled.
func (h *WorkspaceHandler) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.SweepDuplicates(ctx)
		}
	}
}
