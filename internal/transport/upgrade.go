package transport

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// DisconnectReason is a machine-readable code sent on session teardown,
// per spec.md §4.3(e).
type DisconnectReason string

const (
	ReasonClientClosed   DisconnectReason = "client-closed"
	ReasonServerShutdown DisconnectReason = "server-shutdown"
	ReasonAuthRevoked    DisconnectReason = "auth-revoked"
	ReasonIdleTimeout    DisconnectReason = "idle-timeout"
)

// NewUpgrader builds a websocket.Upgrader that allows the configured
// CORS origin (or any origin when corsOrigin is "*" or empty), per
// spec.md §4.3(a).
func NewUpgrader(corsOrigin string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigin == "" || corsOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range strings.Split(corsOrigin, ",") {
				if strings.TrimSpace(allowed) == origin {
					return true
				}
			}
			return false
		},
	}
}

// CloseWithReason sends a close frame carrying reason and closes the
// underlying connection.
func CloseWithReason(session *Session, reason DisconnectReason) {
	_ = session.Conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason)),
	)
	session.Close()
}
