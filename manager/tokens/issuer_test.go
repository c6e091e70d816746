package tokens

import (
	"errors"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T) (*Issuer, *time.Time) {
	t.Helper()
	issuer, err := NewIssuer(300*time.Second, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	issuer.now = func() time.Time { return now }
	return issuer, &now
}

func TestIssueAndVerify(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	token, err := issuer.Issue("alpha", ScopeAdmin)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if token.Token == "" {
		t.Fatal("expected non-empty token string")
	}
	if got := token.ExpiresAt.Sub(token.IssuedAt); got != 300*time.Second {
		t.Errorf("expected 300s lifetime, got %v", got)
	}

	claims, err := issuer.Verify(token.Token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Instance != "alpha" {
		t.Errorf("expected instance alpha, got %q", claims.Instance)
	}
	if claims.Scope != ScopeAdmin {
		t.Errorf("expected scope %q, got %q", ScopeAdmin, claims.Scope)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	issuer, now := newTestIssuer(t)

	token, err := issuer.Issue("alpha", ScopeAdmin)
	if err != nil {
		t.Fatal(err)
	}

	// Valid just before expiry.
	*now = now.Add(299 * time.Second)
	if _, err := issuer.Verify(token.Token); err != nil {
		t.Fatalf("token should still be valid at T+299s: %v", err)
	}

	// Rejected just past expiry.
	*now = now.Add(2 * time.Second)
	if _, err := issuer.Verify(token.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken past expiry, got %v", err)
	}
}

func TestVerifyRejectsTampered(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	token, err := issuer.Issue("alpha", ScopeAdmin)
	if err != nil {
		t.Fatal(err)
	}

	tampered := token.Token[:len(token.Token)-2] + "xx"
	if _, err := issuer.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for tampered token, got %v", err)
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	issuer1, _ := newTestIssuer(t)
	issuer2, _ := newTestIssuer(t)

	token, err := issuer1.Issue("alpha", ScopeAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer2.Verify(token.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken across issuers, got %v", err)
	}
}

func TestRefreshReturnsCachedWithinInterval(t *testing.T) {
	issuer, now := newTestIssuer(t)

	issued, err := issuer.Issue("alpha", ScopeAdmin)
	if err != nil {
		t.Fatal(err)
	}

	// Two refreshes inside the refresh interval return the identical token.
	*now = now.Add(10 * time.Second)
	first, err := issuer.Refresh("alpha")
	if err != nil {
		t.Fatal(err)
	}
	second, err := issuer.Refresh("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if first.Token != issued.Token || second.Token != issued.Token {
		t.Error("refresh within interval should return the cached token")
	}
}

func TestRefreshMintsAfterInterval(t *testing.T) {
	issuer, now := newTestIssuer(t)

	issued, err := issuer.Issue("alpha", ScopeAdmin)
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(31 * time.Second)
	refreshed, err := issuer.Refresh("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.Token == issued.Token {
		t.Error("refresh past interval should mint a new token")
	}

	claims, err := issuer.Verify(refreshed.Token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Scope != ScopeAdmin {
		t.Errorf("refreshed token should keep scope, got %q", claims.Scope)
	}
}

func TestRefreshWithoutIssue(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	if _, err := issuer.Refresh("ghost"); !errors.Is(err, ErrNotIssued) {
		t.Errorf("expected ErrNotIssued, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	if _, err := issuer.Issue("alpha", ScopeAdmin); err != nil {
		t.Fatal(err)
	}
	issuer.Invalidate("alpha")

	if _, err := issuer.Refresh("alpha"); !errors.Is(err, ErrNotIssued) {
		t.Errorf("expected ErrNotIssued after Invalidate, got %v", err)
	}
}
