package auth

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/collabgw/gateway/internal/gatewayerr"
	"github.com/gin-gonic/gin"
)

// ContextIdentityKey is the gin context key the middleware stores the
// admitted Identity under.
const ContextIdentityKey = "auth.identity"

// ErrorSink is the subset of the metrics registry the middleware
// classifies handshake rejections into.
type ErrorSink interface {
	ErrorOccurred(kind string, details string)
}

// MiddlewareConfig wires the pieces spec.md §4.2 composes at the edge.
type MiddlewareConfig struct {
	Verifier    *TokenVerifier
	Revoker     *Revoker
	RateLimiter *RateLimiter
	Production  bool
	Metrics     ErrorSink
}

func classifyRejection(metrics ErrorSink, op string, kind gatewayerr.Kind, cause error) {
	if metrics == nil {
		return
	}
	classified := gatewayerr.New(op, kind, cause)
	metrics.ErrorOccurred(string(gatewayerr.KindOf(classified)), classified.Error())
}

// Middleware returns a gin.HandlerFunc implementing the handshake-time
// auth algorithm: IP-based rate limiting, bearer extraction, revocation
// check, signature/claim verification, with a permissive dev-mode path.
func Middleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := ResolveClientIP(c.Request)

		if cfg.RateLimiter != nil && !cfg.RateLimiter.Allow(clientIP) {
			classifyRejection(cfg.Metrics, "auth.middleware", gatewayerr.KindRateLimited, errors.New("too many connections"))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}

		token := ExtractBearerToken(c.Request)

		if !cfg.Production {
			identity, ok := devModeIdentity(token)
			if ok {
				identity.ConnectedAt = time.Now()
				identity.ClientIP = clientIP
				c.Set(ContextIdentityKey, identity)
				c.Next()
				return
			}
		}

		if token == "" {
			classifyRejection(cfg.Metrics, "auth.middleware", gatewayerr.KindAuthRejected, ErrMissingToken)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingToken.Error()})
			return
		}

		if cfg.Revoker != nil && cfg.Revoker.IsRevoked(c.Request.Context(), token) {
			classifyRejection(cfg.Metrics, "auth.middleware", gatewayerr.KindAuthRejected, ErrRevokedToken)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrRevokedToken.Error()})
			return
		}

		identity, err := cfg.Verifier.Verify(token)
		if err != nil {
			classifyRejection(cfg.Metrics, "auth.middleware", gatewayerr.KindAuthRejected, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		identity.ConnectedAt = time.Now()
		identity.ClientIP = clientIP
		c.Set(ContextIdentityKey, identity)
		c.Next()
	}
}

// devModeIdentity admits anonymously when no token is supplied, or
// parses a dot-delimited token per spec.md §4.2's dev-mode rule.
func devModeIdentity(token string) (Identity, bool) {
	if token == "" {
		return Identity{UserID: "anonymous", Email: "anonymous"}, true
	}
	if identity, ok := ParseDevToken(token); ok {
		return identity, true
	}
	return Identity{UserID: "anonymous", Email: "anonymous"}, true
}

// IdentityFromContext extracts the Identity attached by Middleware.
func IdentityFromContext(c *gin.Context) (Identity, bool) {
	value, ok := c.Get(ContextIdentityKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}

// ExtractBearerToken reads the token from the Authorization header,
// falling back to an "auth" query parameter for transports (like a
// websocket upgrade) that cannot set custom headers.
func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token := r.URL.Query().Get("auth"); token != "" {
		return token
	}
	return ""
}

// ResolveClientIP resolves the client IP from X-Forwarded-For (first
// entry) or the connection's peer address, per spec.md §4.2.
func ResolveClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		candidate := strings.TrimSpace(parts[0])
		if candidate != "" {
			return candidate
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
