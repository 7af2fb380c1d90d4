package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"squadwars/internal/auth"
	"squadwars/internal/catalog"
	"squadwars/internal/game"
	"squadwars/internal/notify"
	"squadwars/internal/pvp"
	"squadwars/internal/retry"
	"squadwars/internal/session"
	"squadwars/internal/store/memstore"
	"squadwars/internal/tournament"
	"squadwars/internal/war"
)

const now = int64(1_700_000_000)

type testServer struct {
	h   http.Handler
	iss *auth.Issuer
	st  *memstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memstore.New()
	st.PutPlayer(game.Player{
		ID: "a1", Name: "Wedge", Faction: game.FactionRebel, HQLevel: 5, GuildID: "g1",
		Inventory: game.Inventory{Credits: 1000}, Scalars: game.Scalars{XP: 1000},
	})
	st.PutPlayer(game.Player{ID: "broke", Name: "Biggs", Faction: game.FactionRebel, HQLevel: 5, Scalars: game.Scalars{XP: 1000}})
	st.PutPlayer(game.Player{ID: "d1", Name: "Vader", Faction: game.FactionEmpire, HQLevel: 5, Scalars: game.Scalars{XP: 1000}})
	st.PutSquad(game.Squad{ID: "g1", Name: "Rogue", Faction: game.FactionRebel, Members: []game.SquadMember{
		{PlayerID: "a1", Name: "Wedge", HQLevel: 5, Owner: true},
	}})
	st.PutTournamentStat(game.TournamentStat{TournamentID: "t1", PlayerID: "a1", GuildID: "g1", Value: 50})

	sessions := session.NewManager(st, nil)
	cat := catalog.NewStatic(100, 0, 10)
	bus := notify.NewBus(sessions, nil, nil)

	popts := pvp.DefaultOptions()
	popts.Retry = retry.Policy{MaxAttempts: 1}
	wopts := war.DefaultOptions()
	wopts.Retry = retry.Policy{MaxAttempts: 1}

	iss := auth.NewIssuer("test-secret", time.Hour)
	srv := New(Deps{
		Auth:        iss,
		Sessions:    sessions,
		Pvp:         pvp.NewMatchmaker(sessions, cat, popts, nil),
		War:         war.NewCoordinator(sessions, bus, wopts, nil),
		Bus:         bus,
		Tournaments: tournament.NewService(sessions, cat, tournament.DefaultOptions(), nil),
		Now:         func() time.Time { return time.Unix(now, 0) },
	}, nil)
	return &testServer{h: srv.Handler(), iss: iss, st: st}
}

func (ts *testServer) do(t *testing.T, playerID, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if playerID != "" {
		tok, err := ts.iss.Issue(playerID, time.Now())
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestHealthAndAuth(t *testing.T) {
	ts := newTestServer(t)
	if code, _ := ts.do(t, "", http.MethodGet, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz: got %d", code)
	}
	code, out := ts.do(t, "", http.MethodPost, "/v1/pvp/match", nil)
	if code != http.StatusUnauthorized || out["reason"] != "unauthorized" {
		t.Fatalf("got %d %v want 401 unauthorized", code, out)
	}
}

func TestFindOpponent(t *testing.T) {
	ts := newTestServer(t)
	code, out := ts.do(t, "a1", http.MethodPost, "/v1/pvp/match", map[string]any{"exclude": []string{}})
	if code != http.StatusOK || out["found"] != true {
		t.Fatalf("got %d %v", code, out)
	}
	match := out["match"].(map[string]any)
	if match["defender_id"] != "d1" {
		t.Fatalf("got defender %v want d1", match["defender_id"])
	}

	code, out = ts.do(t, "broke", http.MethodPost, "/v1/pvp/match", nil)
	if code != http.StatusBadRequest || out["reason"] != "insufficient_credits" {
		t.Fatalf("got %d %v want 400 insufficient_credits", code, out)
	}
}

func TestShareDevBaseIgnoresRequestBody(t *testing.T) {
	ts := newTestServer(t)
	code, out := ts.do(t, "a1", http.MethodPost, "/v1/pvp/devbases", nil)
	if code != http.StatusCreated || out["hq"] != float64(5) {
		t.Fatalf("got %d %v want 201 with caller hq", code, out)
	}
	code, out = ts.do(t, "a1", http.MethodPost, "/v1/pvp/devbases", map[string]any{"id": "fake", "hq": 99})
	if code != http.StatusOK || out["created"] != false || out["hq"] != float64(5) {
		t.Fatalf("got %d %v want the stored base, not the posted one", code, out)
	}
}

func TestWarSignUpConflictsAndNotifications(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"participant_ids": []string{"a1"}}
	if code, out := ts.do(t, "a1", http.MethodPost, "/v1/war/signup", body); code != http.StatusCreated {
		t.Fatalf("sign up: got %d %v", code, out)
	}
	code, out := ts.do(t, "a1", http.MethodPost, "/v1/war/signup", body)
	if code != http.StatusConflict || out["reason"] != "already_signed_up" {
		t.Fatalf("got %d %v want 409 already_signed_up", code, out)
	}

	code, out = ts.do(t, "a1", http.MethodGet, "/v1/guild/notifications?since=0", nil)
	if code != http.StatusOK {
		t.Fatalf("notifications: got %d %v", code, out)
	}
	ns := out["notifications"].([]any)
	if len(ns) != 1 || ns[0].(map[string]any)["type"] != string(game.NotifyWarMatchmakingBegin) {
		t.Fatalf("got notifications %v", ns)
	}

	code, out = ts.do(t, "a1", http.MethodGet, "/v1/war", nil)
	if code != http.StatusNotFound || out["reason"] != "no_war" {
		t.Fatalf("got %d %v want 404 no_war", code, out)
	}
	code, out = ts.do(t, "broke", http.MethodGet, "/v1/guild", nil)
	if code != http.StatusConflict || out["reason"] != "not_in_guild" {
		t.Fatalf("got %d %v want 409 not_in_guild", code, out)
	}
}

func TestSyncReplayRunsCommandsInOrder(t *testing.T) {
	ts := newTestServer(t)
	if code, _ := ts.do(t, "a1", http.MethodPost, "/v1/war/signup", map[string]any{"participant_ids": []string{"a1"}}); code != http.StatusCreated {
		t.Fatalf("sign up: got %d", code)
	}
	code, out := ts.do(t, "a1", http.MethodPost, "/v1/sync/replay", map[string]any{
		"commands": []map[string]any{
			{"method": "DELETE", "path": "/v1/war/signup", "idempotency_key": "k1"},
			{"method": "DELETE", "path": "/v1/war/signup", "idempotency_key": "k2"},
			{"method": "GET", "path": "/v1/war", "idempotency_key": "k3"},
			{"method": "POST", "path": "/v1/keepalive", "idempotency_key": "k4"},
		},
	})
	if code != http.StatusOK {
		t.Fatalf("replay: got %d %v", code, out)
	}
	results := out["results"].([]any)
	want := []float64{200, 404, 400, 200}
	if len(results) != len(want) {
		t.Fatalf("got %d results want %d", len(results), len(want))
	}
	for i, r := range results {
		if got := r.(map[string]any)["status"]; got != want[i] {
			t.Fatalf("command %d: got status %v want %v", i, got, want[i])
		}
	}
	if p, _ := ts.st.Player("a1"); p.KeepAlive != now {
		t.Fatalf("keepalive not replayed: %d", p.KeepAlive)
	}
}

func TestReplayedIdempotencyKeyRunsOnce(t *testing.T) {
	ts := newTestServer(t)
	batch := map[string]any{
		"commands": []map[string]any{
			{"method": "POST", "path": "/v1/war/signup", "body": map[string]any{"participant_ids": []string{"a1"}}, "idempotency_key": "signup-1"},
		},
	}

	var responses []any
	for i := 0; i < 2; i++ {
		code, out := ts.do(t, "a1", http.MethodPost, "/v1/sync/replay", batch)
		if code != http.StatusOK {
			t.Fatalf("replay %d: got %d %v", i, code, out)
		}
		res := out["results"].([]any)[0].(map[string]any)
		if res["status"] != float64(http.StatusCreated) {
			t.Fatalf("replay %d: got status %v want 201", i, res["status"])
		}
		responses = append(responses, res["response"])
	}
	first, _ := json.Marshal(responses[0])
	second, _ := json.Marshal(responses[1])
	if !bytes.Equal(first, second) {
		t.Fatalf("repeat returned %s want %s", second, first)
	}
	if n := ts.st.NotificationCount("g1"); n != 1 {
		t.Fatalf("got %d notifications want 1", n)
	}

	code, out := ts.do(t, "a1", http.MethodPost, "/v1/sync/replay", map[string]any{
		"commands": []map[string]any{
			{"method": "DELETE", "path": "/v1/war/signup", "idempotency_key": "signup-1"},
		},
	})
	res := out["results"].([]any)[0].(map[string]any)
	if code != http.StatusOK || res["status"] != float64(http.StatusConflict) {
		t.Fatalf("reused key: got %d %v", code, res)
	}
	if res["response"].(map[string]any)["reason"] != "idempotency_key_reused" {
		t.Fatalf("got %v want idempotency_key_reused", res["response"])
	}
	if _, ok := ts.st.SignUp("g1"); !ok {
		t.Fatalf("sign-up cancelled by a reused key")
	}
}

func TestTournamentRank(t *testing.T) {
	ts := newTestServer(t)
	code, out := ts.do(t, "a1", http.MethodGet, "/v1/tournaments/t1/rank", nil)
	if code != http.StatusOK || out["rank"] != float64(1) {
		t.Fatalf("got %d %v", code, out)
	}
	code, out = ts.do(t, "d1", http.MethodGet, "/v1/tournaments/t1/rank", nil)
	if code != http.StatusNotFound || out["reason"] != "not_ranked" {
		t.Fatalf("got %d %v want 404 not_ranked", code, out)
	}
	code, out = ts.do(t, "a1", http.MethodGet, "/v1/tournaments/t1/leaderboard", nil)
	if code != http.StatusOK || out["entrants"] != float64(1) {
		t.Fatalf("got %d %v", code, out)
	}
}
