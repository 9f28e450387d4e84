// Package auth implements the gateway's edge defenses: bearer-token
// verification against a symmetric secret, token revocation via the
// shared store, and per-IP connection rate limiting, per spec.md §4.2.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxTokenAge = time.Hour

var (
	// ErrMissingToken is returned when no bearer token was supplied.
	ErrMissingToken = errors.New("auth: bearer token required")
	// ErrInvalidToken covers malformed tokens, wrong algorithm, and
	// tokens missing a required claim.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned for tokens past their expiry or older
	// than the configured maximum age.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrRevokedToken is returned when the token matches a blacklist entry.
	ErrRevokedToken = errors.New("auth: token revoked")
)

// Identity is the decoded session identity attached to an admitted
// connection.
type Identity struct {
	UserID    string
	Email     string
	Name      string
	ConnectedAt time.Time
	ClientIP    string
}

// sessionClaims is the JWT payload the upstream token issuer produces.
// id/email are required by spec.md §4.2; name is optional.
type sessionClaims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens issued by the upstream
// authority (out of scope per spec.md §1 — this package only verifies).
type TokenVerifier struct {
	secret []byte
	clock  func() time.Time
}

// NewTokenVerifier constructs a verifier around the configured shared secret.
func NewTokenVerifier(secret []byte, clock func() time.Time) *TokenVerifier {
	if clock == nil {
		clock = time.Now
	}
	return &TokenVerifier{secret: append([]byte(nil), secret...), clock: clock}
}

// Verify parses and validates tokenString, enforcing HS256, a maximum
// age of one hour (checked against the iat claim when the token carries
// one; a token without iat is bounded only by its exp), and the presence
// of id and email claims.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.secret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.ID) == "" || strings.TrimSpace(claims.Email) == "" {
		return Identity{}, ErrInvalidToken
	}
	if claims.IssuedAt != nil && v.clock().Sub(claims.IssuedAt.Time) > maxTokenAge {
		return Identity{}, ErrExpiredToken
	}

	return Identity{
		UserID: claims.ID,
		Email:  claims.Email,
		Name:   claims.Name,
	}, nil
}

// ParseDevToken implements the dev-mode permissive parse described in
// spec.md §4.2: a dot-delimited "id.email.name" string, no signature
// required. The id is the text before the first dot and the name the
// text after the last dot, so the email between them may itself contain
// dots. Returns false when the token does not have that shape.
func ParseDevToken(token string) (Identity, bool) {
	first := strings.Index(token, ".")
	last := strings.LastIndex(token, ".")
	if first < 0 || first == last {
		return Identity{}, false
	}
	id, email, name := strings.TrimSpace(token[:first]), strings.TrimSpace(token[first+1:last]), strings.TrimSpace(token[last+1:])
	if id == "" || email == "" {
		return Identity{}, false
	}
	return Identity{UserID: id, Email: email, Name: name}, true
}
