// Package transport hosts the bidirectional-messaging server described
// in spec.md §4.3: a websocket upgrade endpoint, named rooms with O(1)
// join/leave/broadcast-except-sender, per-session event multiplexing,
// and per-message compression above a 1 KiB threshold.
package transport

import (
	"sync"
)

// Hub owns the room membership table. It is the transport-level
// "managed by the framework" piece spec.md §5 calls out as not needing
// handler-level locking.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*Session)}
}

// Join adds session to room, creating the room if needed.
func (h *Hub) Join(room string, session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[session.ID] = session
	session.trackRoom(room)
}

// Leave removes session from room, reclaiming the room once empty.
func (h *Hub) Leave(room string, session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, session.ID)
	session.untrackRoom(room)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// LeaveAll removes session from every room it belongs to, as happens on
// disconnect.
func (h *Hub) LeaveAll(session *Session) []string {
	rooms := session.roomSnapshot()
	for _, room := range rooms {
		h.Leave(room, session)
	}
	return rooms
}

// Broadcast sends event/payload to every session in room except the one
// whose ID equals exceptSessionID ("" broadcasts to everyone).
func (h *Hub) Broadcast(room, event string, payload interface{}, exceptSessionID string) error {
	envelope, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*Session, 0, len(members))
	for id, session := range members {
		if id == exceptSessionID {
			continue
		}
		targets = append(targets, session)
	}
	h.mu.RUnlock()

	for _, session := range targets {
		session.Deliver(envelope)
	}
	return nil
}

// Unicast sends event/payload to a single session.
func (h *Hub) Unicast(session *Session, event string, payload interface{}) error {
	envelope, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	session.Deliver(envelope)
	return nil
}

// RoomSize reports the number of sessions currently in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RoomExists reports whether room currently has any members.
func (h *Hub) RoomExists(room string) bool {
	return h.RoomSize(room) > 0
}
