package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/collabgw/gateway/internal/gatewayerr"
	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/collabgw/gateway/internal/transport"
	"go.uber.org/zap"
)

func collectionUsersKey(workspaceID, collectionID string) string {
	return fmt.Sprintf("collection:%s:%s:users", workspaceID, collectionID)
}

func collectionRoom(workspaceID, collectionID string) string {
	return workspaceID + ":" + collectionID
}

// CollectionHandler implements spec.md §4.5: presence scoped to a
// collection, with join/leave additionally notified to the parent
// workspace room so sidebars update for all workspace members.
// Disconnect is immediate (no grace), per spec.md §9's preserved
// asymmetry.
type CollectionHandler struct {
	hub     *transport.Hub
	store   *sharedstate.Client
	metrics MetricsSink
	logger  *zap.Logger

	mu              sync.Mutex
	local           map[string]map[string]UserSnapshot // "ws|coll" -> sessionID -> user
	sessionMemberOf map[string]map[string]struct{}     // sessionID -> "ws|coll" set
}

// NewCollectionHandler constructs a CollectionHandler.
func NewCollectionHandler(hub *transport.Hub, store *sharedstate.Client, metrics MetricsSink, logger *zap.Logger) *CollectionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollectionHandler{
		hub:             hub,
		store:           store,
		metrics:         metrics,
		logger:          logger.With(zap.String("component", "presence.collection")),
		local:           make(map[string]map[string]UserSnapshot),
		sessionMemberOf: make(map[string]map[string]struct{}),
	}
}

func scopeKey(workspaceID, collectionID string) string { return workspaceID + "|" + collectionID }

func (h *CollectionHandler) loadRecord(ctx context.Context, workspaceID, collectionID string) map[string]UserSnapshot {
	record := make(map[string]UserSnapshot)
	_, _ = h.store.GetJSON(ctx, collectionUsersKey(workspaceID, collectionID), false, &record)
	return record
}

func (h *CollectionHandler) writeRecord(ctx context.Context, workspaceID, collectionID string, record map[string]UserSnapshot) {
	h.store.SetJSON(ctx, collectionUsersKey(workspaceID, collectionID), record, 0)
}

// HandleJoinCollection implements spec.md §4.5's join.
func (h *CollectionHandler) HandleJoinCollection(ctx context.Context, session *transport.Session, workspaceID, collectionID string, user UserSnapshot) error {
	if workspaceID == "" || collectionID == "" || user.Email == "" {
		return reportError(h.hub, h.metrics, session, "presence.join_collection", gatewayerr.KindValidation,
			errors.New("wsId, collId, and user.email are required"))
	}

	start := time.Now()
	scope := scopeKey(workspaceID, collectionID)

	h.mu.Lock()
	record := h.local[scope]
	if record == nil {
		record = h.loadRecord(ctx, workspaceID, collectionID)
		h.local[scope] = record
	}
	for sessionID, existing := range record {
		if existing.Email == user.Email && sessionID != session.ID {
			delete(record, sessionID)
			h.unmark(sessionID, scope)
		}
	}
	record[session.ID] = user
	h.mark(session.ID, scope)
	h.writeRecord(ctx, workspaceID, collectionID, record)
	snapshot := dedupeByEmail(record)
	h.mu.Unlock()

	h.hub.Join(collectionRoom(workspaceID, collectionID), session)

	_ = h.hub.Broadcast(workspaceID, "collection_user_joined", user, "")
	_ = h.hub.Broadcast(workspaceID, "collection_users_updated",
		collectionUsersPayload(collectionID, snapshot), "")

	if h.metrics != nil {
		h.metrics.MessageProcessed("join_collection", time.Since(start))
	}
	return nil
}

// HandleLeaveCollection implements spec.md §4.5's leave, immediate
// (no grace period).
func (h *CollectionHandler) HandleLeaveCollection(ctx context.Context, session *transport.Session, workspaceID, collectionID string) error {
	start := time.Now()
	scope := scopeKey(workspaceID, collectionID)

	h.mu.Lock()
	record := h.local[scope]
	var leavingUser UserSnapshot
	var found bool
	if record != nil {
		leavingUser, found = record[session.ID]
		delete(record, session.ID)
		if len(record) == 0 {
			delete(h.local, scope)
			h.store.Delete(ctx, collectionUsersKey(workspaceID, collectionID))
		} else {
			h.writeRecord(ctx, workspaceID, collectionID, record)
		}
	}
	h.unmark(session.ID, scope)
	snapshot := dedupeByEmail(record)
	h.mu.Unlock()

	h.hub.Leave(collectionRoom(workspaceID, collectionID), session)

	if found {
		_ = h.hub.Broadcast(workspaceID, "collection_user_left", leavingUser, "")
		_ = h.hub.Broadcast(workspaceID, "collection_users_updated",
			collectionUsersPayload(collectionID, snapshot), "")
	}

	if h.metrics != nil {
		h.metrics.MessageProcessed("leave_collection", time.Since(start))
	}
	return nil
}

// HandleGetCollectionsUsers implements spec.md §4.5's
// get_collections_users: one collection_users_updated per non-empty
// collection in the workspace.
func (h *CollectionHandler) HandleGetCollectionsUsers(ctx context.Context, session *transport.Session, workspaceID string) error {
	pattern := fmt.Sprintf("collection:%s:*:users", workspaceID)
	keys, err := h.store.Keys(ctx, pattern)
	if err != nil {
		keys = nil
		if h.metrics != nil {
			classified := gatewayerr.New("presence.get_collections_users", gatewayerr.KindSharedStoreOpFailed, err)
			h.metrics.ErrorOccurred(string(gatewayerr.KindOf(classified)), classified.Error())
		}
	}

	h.mu.Lock()
	for scope := range h.local {
		if strings.HasPrefix(scope, workspaceID+"|") {
			keys = appendIfMissing(keys, scope)
		}
	}
	h.mu.Unlock()

	for _, key := range dedupeCollectionKeys(keys, workspaceID) {
		collectionID := key
		scope := scopeKey(workspaceID, collectionID)

		h.mu.Lock()
		record := h.local[scope]
		if record == nil {
			record = h.loadRecord(ctx, workspaceID, collectionID)
		}
		snapshot := dedupeByEmail(record)
		h.mu.Unlock()

		if len(snapshot) == 0 {
			continue
		}
		if err := h.hub.Unicast(session, "collection_users_updated", collectionUsersPayload(collectionID, snapshot)); err != nil {
			return err
		}
	}
	return nil
}

func (h *CollectionHandler) mark(sessionID, scope string) {
	set, ok := h.sessionMemberOf[sessionID]
	if !ok {
		set = make(map[string]struct{})
		h.sessionMemberOf[sessionID] = set
	}
	set[scope] = struct{}{}
}

func (h *CollectionHandler) unmark(sessionID, scope string) {
	set, ok := h.sessionMemberOf[sessionID]
	if !ok {
		return
	}
	delete(set, scope)
	if len(set) == 0 {
		delete(h.sessionMemberOf, sessionID)
	}
}

// HandleDisconnect removes this session from every collection it
// belongs to immediately, per spec.md §9's preserved asymmetry.
func (h *CollectionHandler) HandleDisconnect(ctx context.Context, session *transport.Session) {
	h.mu.Lock()
	scopes := h.sessionMemberOf[session.ID]
	pairs := make([][2]string, 0, len(scopes))
	for scope := range scopes {
		parts := strings.SplitN(scope, "|", 2)
		if len(parts) == 2 {
			pairs = append(pairs, [2]string{parts[0], parts[1]})
		}
	}
	h.mu.Unlock()

	for _, pair := range pairs {
		_ = h.HandleLeaveCollection(ctx, session, pair[0], pair[1])
	}
}

func collectionUsersPayload(collectionID string, users []UserSnapshot) UsersConnectedPayload {
	return UsersConnectedPayload{CollectionID: collectionID, Users: users}
}

func appendIfMissing(keys []string, value string) []string {
	for _, key := range keys {
		if key == value {
			return keys
		}
	}
	return append(keys, value)
}

func dedupeCollectionKeys(keys []string, workspaceID string) []string {
	seen := make(map[string]struct{})
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		collectionID := extractCollectionID(key, workspaceID)
		if collectionID == "" {
			continue
		}
		if _, ok := seen[collectionID]; ok {
			continue
		}
		seen[collectionID] = struct{}{}
		result = append(result, collectionID)
	}
	return result
}

// extractCollectionID accepts either a raw "collection:{ws}:{id}:users"
// shared-store key or a bare "{ws}|{id}" local scope key.
func extractCollectionID(key, workspaceID string) string {
	if strings.HasPrefix(key, "collection:") {
		parts := strings.Split(key, ":")
		if len(parts) == 4 && parts[1] == workspaceID {
			return parts[2]
		}
		return ""
	}
	if strings.HasPrefix(key, workspaceID+"|") {
		return strings.TrimPrefix(key, workspaceID+"|")
	}
	return ""
}
