package auth

import (
	"context"
	"strings"
	"time"

	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/golang-jwt/jwt/v5"
)

const blacklistKeyPrefix = "blacklist:"

// RevocationStore is the subset of the shared-state client used to
// check and record token revocations. Satisfied by *sharedstate.Client.
type RevocationStore interface {
	Get(ctx context.Context, key string, bypassCache bool) sharedstate.OpResult
	Set(ctx context.Context, key, value string, ttl time.Duration) sharedstate.OpResult
}

// Revoker checks and records token revocations in the shared store.
type Revoker struct {
	store RevocationStore
}

// NewRevoker constructs a Revoker around the given shared store.
func NewRevoker(store RevocationStore) *Revoker {
	return &Revoker{store: store}
}

func blacklistKey(token string) string {
	return blacklistKeyPrefix + token
}

// IsRevoked reports whether token has an active blacklist entry. A
// shared-store failure is treated as "not revoked" to degrade open per
// spec.md §7's local-only fallback — the auth check still enforces
// signature and expiry.
func (r *Revoker) IsRevoked(ctx context.Context, token string) bool {
	if r.store == nil {
		return false
	}
	result := r.store.Get(ctx, blacklistKey(token), false)
	return result.Ok && result.Value != ""
}

// Blacklist writes a revocation marker for token, per spec.md §4.2:
// using the token's remaining lifetime if decodable, else fallbackTTL.
func (r *Revoker) Blacklist(ctx context.Context, token string, fallbackTTL time.Duration) sharedstate.OpResult {
	ttl := fallbackTTL
	if remaining, ok := remainingLifetime(token); ok && remaining > 0 {
		ttl = remaining
	}
	if r.store == nil {
		return sharedstate.OpResult{Ok: false}
	}
	return r.store.Set(ctx, blacklistKey(token), "1", ttl)
}

func remainingLifetime(token string) (time.Duration, bool) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(strings.TrimSpace(token), claims); err != nil {
		return 0, false
	}
	if claims.ExpiresAt == nil {
		return 0, false
	}
	return time.Until(claims.ExpiresAt.Time), true
}
