// Package presence implements spec.md §4.4/§4.5: per-scope membership
// tracking (workspace and collection) with email-based duplicate
// collapsing, shared-store-backed presence records, and grace-period
// reconnection.
package presence

import (
	"time"

	"github.com/collabgw/gateway/internal/gatewayerr"
	"github.com/collabgw/gateway/internal/transport"
)

// UserSnapshot is the value side of a presence record, per spec.md §3.
type UserSnapshot struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// MetricsSink is the subset of the metrics registry presence handlers
// report into.
type MetricsSink interface {
	MessageProcessed(eventType string, latency time.Duration)
	ErrorOccurred(kind string, details string)
	WorkspaceActivated(workspaceID string)
	WorkspaceDeactivated(workspaceID string)
}

// UsersConnectedPayload is the deduplicated scope snapshot broadcast to
// clients, per spec.md §6.
type UsersConnectedPayload struct {
	WorkspaceID  string         `json:"workspaceId,omitempty"`
	CollectionID string         `json:"collectionId,omitempty"`
	Users        []UserSnapshot `json:"users"`
}

// reportError classifies cause under kind, records it in metrics, and
// unicasts the "error" event to the offending session.
func reportError(hub *transport.Hub, metrics MetricsSink, session *transport.Session, op string, kind gatewayerr.Kind, cause error) error {
	classified := gatewayerr.New(op, kind, cause)
	if metrics != nil {
		metrics.ErrorOccurred(string(gatewayerr.KindOf(classified)), classified.Error())
	}
	return hub.Unicast(session, "error", transport.ErrorPayload{Message: string(kind), Details: cause.Error()})
}

func dedupeByEmail(entries map[string]UserSnapshot) []UserSnapshot {
	seen := make(map[string]UserSnapshot, len(entries))
	order := make([]string, 0, len(entries))
	for _, user := range entries {
		if _, ok := seen[user.Email]; !ok {
			order = append(order, user.Email)
		}
		seen[user.Email] = user
	}
	result := make([]UserSnapshot, 0, len(order))
	for _, email := range order {
		result = append(result, seen[email])
	}
	return result
}
