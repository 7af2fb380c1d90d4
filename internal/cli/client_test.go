package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"squadwars/internal/auth"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/war/signup" || r.Header.Get("Idempotency-Key") != "k1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"guild_id":"g1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	out, err := c.WarSignUp(context.Background(), "tok", []string{"p1"}, false, "k1")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if out["guild_id"] != "g1" {
		t.Fatalf("got %v", out)
	}
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"not enough turns","reason":"not_enough_turns"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).AttackStart(context.Background(), "tok", "e1")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("got %v want StatusError", err)
	}
	if se.Status != http.StatusConflict || se.Reason != "not_enough_turns" {
		t.Fatalf("got %+v", se)
	}
	if !IsAPIError(err) {
		t.Fatalf("IsAPIError false for server rejection")
	}
}

func TestClientTransportErrorIsNotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).KeepAlive(context.Background(), "tok")
	if err == nil || IsAPIError(err) {
		t.Fatalf("got %v want transport error", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	issued := time.Unix(1_700_000_000, 0)
	tok, err := auth.NewIssuer("secret", time.Hour).Issue("p1", issued)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := LoadSession(dir, issued); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("got %v want ErrNotLoggedIn", err)
	}
	sess, err := NewSession(tok, "http://wars.local")
	if err != nil || sess.PlayerID != "p1" || sess.ExpiresAt != issued.Add(time.Hour).Unix() {
		t.Fatalf("new session: %+v %v", sess, err)
	}
	if err := SaveSession(dir, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	s, err := LoadSession(dir, issued.Add(time.Minute))
	if err != nil || s.PlayerID != "p1" || s.APIBaseURL != "http://wars.local" {
		t.Fatalf("load: %+v %v", s, err)
	}
	if _, err := LoadSession(dir, issued.Add(2*time.Hour)); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got %v want ErrSessionExpired", err)
	}
	if err := ClearSession(dir); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := ClearSession(dir); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if _, err := LoadSession(dir, issued); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("session survived clear: %v", err)
	}
}

func TestNewSessionRejectsGarbage(t *testing.T) {
	if _, err := NewSession("nope", ""); err == nil {
		t.Fatalf("expected error for a malformed token")
	}
}
