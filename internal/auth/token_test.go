package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	tok, err := iss.Issue("p1", time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != "p1" {
		t.Fatalf("got %q want p1", got)
	}
}

func TestVerifyRejects(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)

	if _, err := iss.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("got %v want ErrMissingToken", err)
	}

	other, _ := NewIssuer("other", time.Hour).Issue("p1", time.Now())
	if _, err := iss.Verify(other); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v want ErrInvalidToken", err)
	}

	old, _ := iss.Issue("p1", time.Now().Add(-2*time.Hour))
	if _, err := iss.Verify(old); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("got %v want ErrExpiredToken", err)
	}

	if _, err := iss.Issue(" ", time.Now()); err == nil {
		t.Fatalf("expected error for empty player id")
	}
}

func TestParseUnverified(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	tok, _ := NewIssuer("whatever", time.Hour).Issue("p9", issued)
	claims, err := ParseUnverified(tok)
	if err != nil || claims.PlayerID != "p9" {
		t.Fatalf("got %+v %v want p9", claims, err)
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.Time.Equal(issued.Add(time.Hour)) {
		t.Fatalf("got expiry %v want %v", claims.ExpiresAt, issued.Add(time.Hour))
	}
	if _, err := ParseUnverified("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v want ErrInvalidToken", err)
	}
}
