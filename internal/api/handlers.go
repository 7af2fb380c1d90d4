package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"squadwars/internal/game"
)

func (s *Server) unix() int64 {
	return s.now().Unix()
}

// guildOf resolves the caller's guild from their player document.
func (s *Server) guildOf(ctx context.Context, playerID string) (string, error) {
	ps, err := s.sessions.Player(ctx, playerID)
	if err != nil {
		return "", err
	}
	p, err := ps.Profile(ctx)
	if err != nil {
		return "", err
	}
	if p.GuildID == "" {
		return "", game.ErrNotInGuild
	}
	return p.GuildID, nil
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.sessions.KeepAlive(r.Context(), playerID, s.unix()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeMatch(w http.ResponseWriter, match game.PvpMatch, found bool) {
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": true, "match": match})
}

func (s *Server) handleFindOpponent(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Exclude []string `json:"exclude"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	match, found, err := s.pvp.FindOpponent(r.Context(), playerID, in.Exclude, s.unix())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeMatch(w, match, found)
}

func (s *Server) handleRevenge(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		TargetID string `json:"target_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.TargetID) == "" {
		writeError(w, http.StatusBadRequest, "target_id is required")
		return
	}
	match, found, err := s.pvp.FindRevengeOpponent(r.Context(), playerID, in.TargetID, s.unix())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeMatch(w, match, found)
}

func (s *Server) handleFindDevBase(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Seen []string `json:"seen"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	match, found, err := s.pvp.FindDevBase(r.Context(), playerID, in.Seen, s.unix())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeMatch(w, match, found)
}

func (s *Server) handleReleaseTarget(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	released, err := s.pvp.ReleaseTarget(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Server) handleBattleStart(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		BattleID string `json:"battle_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expiration, err := s.pvp.BattleStart(r.Context(), playerID, in.BattleID, s.unix())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"battle_id": in.BattleID, "expiration": expiration})
}

// handleShareDevBase offers the caller's own base as a practice target.
func (s *Server) handleShareDevBase(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	base, created, err := s.pvp.ShareBase(r.Context(), playerID, s.unix())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"created": created, "checksum": base.Checksum, "hq": base.HQ})
}

func (s *Server) handleGuild(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	guildID, err := s.guildOf(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	current, err := s.war.ProcessGuildGet(r.Context(), guildID, s.unix())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	g, err := s.sessions.Guild(r.Context(), guildID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	squad, err := g.Squad(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := map[string]any{"squad": squad}
	if current != nil {
		out["war"] = current
		out["war_phase"] = current.Phase(s.unix())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var since int64
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
	}
	guildID, err := s.guildOf(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out, err := s.bus.FetchSince(r.Context(), guildID, since)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func (s *Server) handleCurrentWar(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	guildID, err := s.guildOf(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	current, err := s.war.CurrentWar(r.Context(), guildID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	participants, err := s.war.Participants(r.Context(), current.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"war":          current,
		"phase":        current.Phase(s.unix()),
		"participants": participants,
	})
}

func (s *Server) handleWarHistory(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	guildID, err := s.guildOf(r.Context(), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	wars, err := s.war.History(r.Context(), guildID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wars": wars})
}

func (s *Server) handleWarSignUp(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		ParticipantIDs     []string `json:"participant_ids"`
		SameFactionAllowed bool     `json:"same_faction_allowed"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.war.SignUp(r.Context(), playerID, in.ParticipantIDs, in.SameFactionAllowed, s.unix())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleWarCancel(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.war.CancelSignUp(r.Context(), playerID, s.unix()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAttackStart(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		DefenderID string `json:"defender_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.DefenderID) == "" {
		writeError(w, http.StatusBadRequest, "defender_id is required")
		return
	}
	out, err := s.war.AttackStart(r.Context(), playerID, in.DefenderID, s.unix())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAttackComplete(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Stars int `json:"stars"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.war.AttackComplete(r.Context(), playerID, chi.URLParam(r, "battle_id"), in.Stars, s.unix())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.tournaments.Leaderboard(r.Context(), chi.URLParam(r, "id"), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTournamentRank(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	stat, ok, err := s.tournaments.PlayerRank(r.Context(), chi.URLParam(r, "id"), playerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeReason(w, http.StatusNotFound, "not_ranked", "player has no score in this tournament")
		return
	}
	writeJSON(w, http.StatusOK, stat)
}
