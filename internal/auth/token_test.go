package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, secret []byte, claims sessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func TestTokenVerifierAcceptsValidToken(t *testing.T) {
	secret := []byte("shared-secret")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewTokenVerifier(secret, func() time.Time { return now })

	signed := signTestToken(t, secret, sessionClaims{
		ID:    "user-1",
		Email: "user@example.com",
		Name:  "User One",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	identity, err := verifier.Verify(signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.UserID != "user-1" || identity.Email != "user@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestTokenVerifierRejectsMissingClaims(t *testing.T) {
	secret := []byte("shared-secret")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewTokenVerifier(secret, func() time.Time { return now })

	signed := signTestToken(t, secret, sessionClaims{
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	if _, err := verifier.Verify(signed); err == nil {
		t.Fatalf("expected error for token missing id claim")
	}
}

func TestTokenVerifierRejectsExpiredToken(t *testing.T) {
	secret := []byte("shared-secret")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewTokenVerifier(secret, func() time.Time { return now })

	signed := signTestToken(t, secret, sessionClaims{
		ID:    "user-1",
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	})

	if _, err := verifier.Verify(signed); err == nil {
		t.Fatalf("expected error for expired token")
	}
}

func TestTokenVerifierRejectsTokensOlderThanMaxAge(t *testing.T) {
	secret := []byte("shared-secret")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewTokenVerifier(secret, func() time.Time { return now })

	signed := signTestToken(t, secret, sessionClaims{
		ID:    "user-1",
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Hour)),
		},
	})

	if _, err := verifier.Verify(signed); err == nil {
		t.Fatalf("expected error for token older than max age despite distant expiry")
	}
}

func TestTokenVerifierRejectsWrongAlgorithm(t *testing.T) {
	secret := []byte("shared-secret")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewTokenVerifier(secret, func() time.Time { return now })

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, sessionClaims{
		ID:    "user-1",
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatalf("expected error for HS512-signed token")
	}

	if _, err := verifier.Verify("not-a-jwt"); err == nil {
		t.Fatalf("expected error for malformed token")
	}
}

func TestParseDevTokenParsesThreeSegments(t *testing.T) {
	identity, ok := ParseDevToken("user-1.user@example.com.User One")
	if !ok {
		t.Fatalf("expected dev token to parse")
	}
	if identity.UserID != "user-1" || identity.Email != "user@example.com" || identity.Name != "User One" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestParseDevTokenRejectsWrongShape(t *testing.T) {
	if _, ok := ParseDevToken("not-dot-delimited"); ok {
		t.Fatalf("expected parse failure for non dot-delimited token")
	}
}
