package memstore

import (
	"context"
	"slices"
	"sort"

	"squadwars/internal/game"
	"squadwars/internal/store"
)

func (h *handle) LoadSquad(ctx context.Context, id string) (game.Squad, error) {
	var out game.Squad
	err := h.with(func(st *state) error {
		sq, ok := st.squads[id]
		if !ok {
			return store.ErrNotFound
		}
		out = sq.Clone()
		return nil
	})
	return out, err
}

func (h *handle) updateSquad(guildID string, fn func(sq *game.Squad) bool) (bool, error) {
	var ok bool
	err := h.with(func(st *state) error {
		sq, exists := st.squads[guildID]
		if !exists {
			return store.ErrNotFound
		}
		sq = sq.Clone()
		if !fn(&sq) {
			return nil
		}
		sq.Version++
		st.squads[guildID] = sq
		ok = true
		return nil
	})
	return ok, err
}

func (h *handle) ResetWarPartyIfIdle(ctx context.Context, guildID string) (bool, error) {
	return h.updateSquad(guildID, func(sq *game.Squad) bool {
		if sq.WarSignUpTime != 0 {
			return false
		}
		for i := range sq.Members {
			sq.Members[i].WarParty = false
		}
		sq.WarID = ""
		return true
	})
}

func (h *handle) SetWarParty(ctx context.Context, guildID string, participantIDs []string, signUpTime int64) error {
	_, err := h.updateSquad(guildID, func(sq *game.Squad) bool {
		for i := range sq.Members {
			if slices.Contains(participantIDs, sq.Members[i].PlayerID) {
				sq.Members[i].WarParty = true
			}
		}
		sq.WarSignUpTime = signUpTime
		return true
	})
	return err
}

func (h *handle) CancelSquadSignUp(ctx context.Context, guildID string) error {
	_, err := h.updateSquad(guildID, func(sq *game.Squad) bool {
		for i := range sq.Members {
			sq.Members[i].WarParty = false
		}
		sq.WarSignUpTime = 0
		sq.WarID = ""
		return true
	})
	return err
}

func (h *handle) SetSquadWarID(ctx context.Context, guildID, warID string) error {
	_, err := h.updateSquad(guildID, func(sq *game.Squad) bool {
		sq.WarID = warID
		return true
	})
	return err
}

func (h *handle) ClearWarParty(ctx context.Context, guildID, warID string) (bool, error) {
	return h.updateSquad(guildID, func(sq *game.Squad) bool {
		if sq.WarID != warID {
			return false
		}
		for i := range sq.Members {
			sq.Members[i].WarParty = false
		}
		sq.WarSignUpTime = 0
		return true
	})
}

func (h *handle) InsertWarSignUp(ctx context.Context, s game.WarSignUp) error {
	return h.with(func(st *state) error {
		if _, exists := st.signUps[s.GuildID]; exists {
			return store.ErrDuplicate
		}
		st.signUps[s.GuildID] = cloneSignUp(s)
		return nil
	})
}

func (h *handle) LoadWarSignUp(ctx context.Context, guildID string) (game.WarSignUp, error) {
	var out game.WarSignUp
	err := h.with(func(st *state) error {
		s, ok := st.signUps[guildID]
		if !ok {
			return store.ErrNotFound
		}
		out = cloneSignUp(s)
		return nil
	})
	return out, err
}

func (h *handle) DeleteWarSignUp(ctx context.Context, guildID string) (bool, error) {
	var ok bool
	err := h.with(func(st *state) error {
		_, ok = st.signUps[guildID]
		delete(st.signUps, guildID)
		return nil
	})
	return ok, err
}

func (h *handle) SampleWarSignUp(ctx context.Context, excludeGuildID string) (game.WarSignUp, bool, error) {
	var (
		out   game.WarSignUp
		found bool
	)
	err := h.with(func(st *state) error {
		var hits []game.WarSignUp
		for _, id := range sortedKeys(st.signUps) {
			if id != excludeGuildID {
				hits = append(hits, st.signUps[id])
			}
		}
		out, found = sample(hits)
		if found {
			out = cloneSignUp(out)
		}
		return nil
	})
	return out, found, err
}

func (h *handle) ListWarSignUps(ctx context.Context) ([]game.WarSignUp, error) {
	var out []game.WarSignUp
	err := h.with(func(st *state) error {
		for _, s := range st.signUps {
			out = append(out, cloneSignUp(s))
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Time != out[j].Time {
				return out[i].Time < out[j].Time
			}
			return out[i].GuildID < out[j].GuildID
		})
		return nil
	})
	return out, err
}

func (h *handle) InsertNotification(ctx context.Context, n game.Notification) error {
	return h.with(func(st *state) error {
		for _, x := range st.notifications {
			if x.ID == n.ID {
				return store.ErrDuplicate
			}
		}
		st.notifications = append(st.notifications, n)
		return nil
	})
}

func (h *handle) NotificationsSince(ctx context.Context, guildID string, since int64) ([]game.Notification, error) {
	var out []game.Notification
	err := h.with(func(st *state) error {
		for _, n := range st.notifications {
			if n.GuildID == guildID && n.Date > since {
				out = append(out, n)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
		return nil
	})
	return out, err
}

func (h *handle) LatestNotificationDate(ctx context.Context, guildID string) (int64, error) {
	var latest int64
	err := h.with(func(st *state) error {
		for _, n := range st.notifications {
			if n.GuildID == guildID && n.Date > latest {
				latest = n.Date
			}
		}
		return nil
	})
	return latest, err
}

func (h *handle) ScanTournament(ctx context.Context, tournamentID string, fn func(game.TournamentStat) bool) error {
	var rows []game.TournamentStat
	err := h.with(func(st *state) error {
		for _, s := range st.tournaments[tournamentID] {
			if p, ok := st.players[s.PlayerID]; ok {
				s.Name = p.Name
				s.GuildID = p.GuildID
				s.Faction = p.Faction
				s.HQLevel = p.HQLevel
				s.Planet = p.BaseMap.Planet
			}
			rows = append(rows, s)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Value != rows[j].Value {
			return rows[i].Value > rows[j].Value
		}
		return rows[i].PlayerID > rows[j].PlayerID
	})
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(r) {
			return nil
		}
	}
	return nil
}
