package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"squadwars/internal/auth"
	"squadwars/internal/game"
	"squadwars/internal/notify"
	"squadwars/internal/pvp"
	"squadwars/internal/session"
	"squadwars/internal/store"
	"squadwars/internal/tournament"
	"squadwars/internal/war"
)

type contextKey string

const playerContextKey contextKey = "player"

// Deps is everything the command server dispatches to.
type Deps struct {
	Auth        *auth.Issuer
	Sessions    *session.Manager
	Pvp         *pvp.Matchmaker
	War         *war.Coordinator
	Bus         *notify.Bus
	Tournaments *tournament.Service
	// Now defaults to the wall clock.
	Now func() time.Time
}

type Server struct {
	log         *slog.Logger
	auth        *auth.Issuer
	sessions    *session.Manager
	pvp         *pvp.Matchmaker
	war         *war.Coordinator
	bus         *notify.Bus
	tournaments *tournament.Service
	now         func() time.Time
	mux         *chi.Mux
}

func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		log:         logger,
		auth:        deps.Auth,
		sessions:    deps.Sessions,
		pvp:         deps.Pvp,
		war:         deps.War,
		bus:         deps.Bus,
		tournaments: deps.Tournaments,
		now:         deps.Now,
		mux:         chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.idempotencyMiddleware)
			r.Post("/keepalive", s.handleKeepAlive)

			r.Post("/pvp/match", s.handleFindOpponent)
			r.Post("/pvp/revenge", s.handleRevenge)
			r.Post("/pvp/devbase", s.handleFindDevBase)
			r.Post("/pvp/release", s.handleReleaseTarget)
			r.Post("/pvp/battle", s.handleBattleStart)
			r.Post("/pvp/devbases", s.handleShareDevBase)

			r.Get("/guild", s.handleGuild)
			r.Get("/guild/notifications", s.handleNotifications)

			r.Get("/war", s.handleCurrentWar)
			r.Get("/war/history", s.handleWarHistory)
			r.Post("/war/signup", s.handleWarSignUp)
			r.Delete("/war/signup", s.handleWarCancel)
			r.Post("/war/attacks", s.handleAttackStart)
			r.Post("/war/attacks/{battle_id}/complete", s.handleAttackComplete)

			r.Get("/tournaments/{id}/leaderboard", s.handleLeaderboard)
			r.Get("/tournaments/{id}/rank", s.handleTournamentRank)

			r.Post("/sync/replay", s.handleSyncReplay)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeReason(w, http.StatusUnauthorized, "unauthorized", auth.ErrMissingToken.Error())
			return
		}
		playerID, err := s.auth.Verify(token)
		if err != nil {
			writeReason(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), playerContextKey, playerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func playerFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(playerContextKey).(string)
	if !ok || id == "" {
		return "", errors.New("missing auth context")
	}
	return id, nil
}

type domainError struct {
	err    error
	status int
	reason string
}

var domainErrors = []domainError{
	{game.ErrInsufficientCredits, http.StatusBadRequest, "insufficient_credits"},
	{game.ErrInvalidStars, http.StatusBadRequest, "invalid_stars"},
	{game.ErrEmptyWarParty, http.StatusBadRequest, "empty_war_party"},
	{game.ErrNotWarParticipant, http.StatusForbidden, "not_war_participant"},
	{game.ErrNoWar, http.StatusNotFound, "no_war"},
	{game.ErrNotSignedUp, http.StatusNotFound, "not_signed_up"},
	{game.ErrNotInGuild, http.StatusConflict, "not_in_guild"},
	{game.ErrAlreadySignedUp, http.StatusConflict, "already_signed_up"},
	{game.ErrWarPartyActive, http.StatusConflict, "war_party_active"},
	{game.ErrWarNotActive, http.StatusConflict, "war_not_active"},
	{game.ErrNotEnoughTurns, http.StatusConflict, "not_enough_turns"},
	{game.ErrBaseUnderAttack, http.StatusConflict, "base_under_attack"},
	{game.ErrNoVictoryPoints, http.StatusConflict, "no_victory_points"},
	{game.ErrNotModified, http.StatusConflict, "not_modified"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{store.ErrStaleWrite, http.StatusConflict, "stale_write"},
	{store.ErrDuplicate, http.StatusConflict, "duplicate"},
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			writeReason(w, d.status, d.reason, err.Error())
			return
		}
	}
	if store.IsTransient(err) {
		s.log.Warn("store unavailable", "path", r.URL.Path, "err", err)
		writeReason(w, http.StatusServiceUnavailable, "unavailable", "store unavailable, try again")
		return
	}
	s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	writeReason(w, http.StatusInternalServerError, "internal", err.Error())
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func writeReason(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message), "reason": reason})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
