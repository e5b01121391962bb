package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("issuer-test-signing-secret"),
		AdminKey:      "issuer-test-admin-key",
		Issuer:        "lodestone",
		Audience:      "lodestone-admin",
		TokenTTL:      15 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newTestIssuer(nil)

	token, expiresIn, err := issuer.IssueToken(context.Background(), "issuer-test-admin-key", "operator")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "operator" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestWrongAdminKeyIsRejected(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueToken(context.Background(), "guessed-key", "operator"); !errors.Is(err, ErrInvalidAdminKey) {
		t.Fatalf("expected ErrInvalidAdminKey, got %v", err)
	}
	if _, _, err := issuer.IssueToken(context.Background(), "", "operator"); !errors.Is(err, ErrInvalidAdminKey) {
		t.Fatalf("expected ErrInvalidAdminKey for empty key, got %v", err)
	}
}

func TestEmptySubjectIsRejected(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueToken(context.Background(), "issuer-test-admin-key", ""); err == nil {
		t.Fatalf("expected an error for empty subject")
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTestIssuer(func() time.Time { return now })

	token, _, err := issuer.IssueToken(context.Background(), "issuer-test-admin-key", "operator")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	now = now.Add(16 * time.Minute)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestTokenFromDifferentSecretIsRejected(t *testing.T) {
	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("a-different-signing-secret"),
		AdminKey:      "issuer-test-admin-key",
		Issuer:        "lodestone",
		Audience:      "lodestone-admin",
	})
	token, _, err := other.IssueToken(context.Background(), "issuer-test-admin-key", "operator")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	issuer := newTestIssuer(nil)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestTamperedTokenIsRejected(t *testing.T) {
	issuer := newTestIssuer(nil)
	token, _, err := issuer.IssueToken(context.Background(), "issuer-test-admin-key", "operator")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token + "x"); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
}
