package memstore

import (
	"context"
	"sort"

	"squadwars/internal/game"
	"squadwars/internal/store"
)

func participantKey(warID, playerID string) string {
	return warID + "/" + playerID
}

func (h *handle) InsertWar(ctx context.Context, w game.War) error {
	return h.with(func(st *state) error {
		if _, exists := st.wars[w.ID]; exists {
			return store.ErrDuplicate
		}
		st.wars[w.ID] = w.Clone()
		return nil
	})
}

func (h *handle) LoadWar(ctx context.Context, id string) (game.War, error) {
	var out game.War
	err := h.with(func(st *state) error {
		w, ok := st.wars[id]
		if !ok {
			return store.ErrNotFound
		}
		out = w.Clone()
		return nil
	})
	return out, err
}

func (h *handle) WarHistory(ctx context.Context, guildID string, limit int) ([]game.War, error) {
	var out []game.War
	err := h.with(func(st *state) error {
		for _, w := range st.wars {
			if w.Involves(guildID) {
				out = append(out, w.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedTime > out[j].MatchedTime })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (h *handle) InsertWarParticipants(ctx context.Context, ps []game.WarParticipant) error {
	return h.with(func(st *state) error {
		for _, p := range ps {
			if _, exists := st.participants[participantKey(p.WarID, p.PlayerID)]; exists {
				return store.ErrDuplicate
			}
		}
		for _, p := range ps {
			st.participants[participantKey(p.WarID, p.PlayerID)] = cloneParticipant(p)
		}
		return nil
	})
}

func (h *handle) LoadWarParticipant(ctx context.Context, warID, playerID string) (game.WarParticipant, error) {
	var out game.WarParticipant
	err := h.with(func(st *state) error {
		p, ok := st.participants[participantKey(warID, playerID)]
		if !ok {
			return store.ErrNotFound
		}
		out = cloneParticipant(p)
		return nil
	})
	return out, err
}

func (h *handle) ListWarParticipants(ctx context.Context, warID string) ([]game.WarParticipant, error) {
	var out []game.WarParticipant
	err := h.with(func(st *state) error {
		for _, p := range st.participants {
			if p.WarID == warID {
				out = append(out, cloneParticipant(p))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].GuildID != out[j].GuildID {
			return out[i].GuildID < out[j].GuildID
		}
		return out[i].PlayerID < out[j].PlayerID
	})
	return out, err
}

func (h *handle) ParticipantByDefenseBattle(ctx context.Context, battleID string) (game.WarParticipant, error) {
	var out game.WarParticipant
	err := h.with(func(st *state) error {
		for _, p := range st.participants {
			if battleID != "" && p.DefenseBattleID == battleID {
				out = cloneParticipant(p)
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

func (h *handle) updateParticipant(match func(p game.WarParticipant) bool, apply func(p *game.WarParticipant)) (bool, error) {
	var ok bool
	err := h.with(func(st *state) error {
		for k, p := range st.participants {
			if !match(p) {
				continue
			}
			apply(&p)
			st.participants[k] = p
			ok = true
			return nil
		}
		return nil
	})
	return ok, err
}

func (h *handle) ClaimWarDefense(ctx context.Context, warID, defenderID, battleID string, expiration, reclaimBefore int64) (bool, error) {
	return h.updateParticipant(func(p game.WarParticipant) bool {
		return p.WarID == warID && p.PlayerID == defenderID && p.VictoryPoints > 0 &&
			(p.DefenseBattleID == "" || p.DefenseExpiration < reclaimBefore)
	}, func(p *game.WarParticipant) {
		p.DefenseBattleID = battleID
		p.DefenseExpiration = expiration
	})
}

func (h *handle) SpendWarTurn(ctx context.Context, warID, attackerID, battleID string, expiration int64) (bool, error) {
	return h.updateParticipant(func(p game.WarParticipant) bool {
		return p.WarID == warID && p.PlayerID == attackerID && p.Turns > 0
	}, func(p *game.WarParticipant) {
		p.AttackBattleID = battleID
		p.AttackExpiration = expiration
		p.Turns--
	})
}

func (h *handle) CompleteWarDefense(ctx context.Context, warID, battleID string, earned int) (bool, error) {
	return h.updateParticipant(func(p game.WarParticipant) bool {
		return p.WarID == warID && battleID != "" && p.DefenseBattleID == battleID
	}, func(p *game.WarParticipant) {
		p.DefenseBattleID = ""
		p.DefenseExpiration = 0
		p.VictoryPoints -= earned
	})
}

func (h *handle) CompleteWarAttack(ctx context.Context, warID, battleID string, earned int) (bool, error) {
	return h.updateParticipant(func(p game.WarParticipant) bool {
		return p.WarID == warID && battleID != "" && p.AttackBattleID == battleID
	}, func(p *game.WarParticipant) {
		p.AttackBattleID = ""
		p.AttackExpiration = 0
		p.Score += earned
	})
}

func (h *handle) SumWarScores(ctx context.Context, warID string) (map[string]int, error) {
	out := map[string]int{}
	err := h.with(func(st *state) error {
		for _, p := range st.participants {
			if p.WarID == warID {
				out[p.GuildID] += p.Score
			}
		}
		return nil
	})
	return out, err
}

func (h *handle) SettleWar(ctx context.Context, warID string, processedAt int64, scoreA, scoreB int) (bool, error) {
	var ok bool
	err := h.with(func(st *state) error {
		w, exists := st.wars[warID]
		if !exists {
			return store.ErrNotFound
		}
		if w.ProcessedEndTime != 0 {
			return nil
		}
		w.ProcessedEndTime = processedAt
		w.SquadAScore = scoreA
		w.SquadBScore = scoreB
		st.wars[warID] = w
		ok = true
		return nil
	})
	return ok, err
}

func (h *handle) UpsertPlayerWarMaps(ctx context.Context, maps []game.PlayerWarMap) error {
	return h.with(func(st *state) error {
		for _, m := range maps {
			m.Map = m.Map.Clone()
			st.warMaps[m.PlayerID] = m
		}
		return nil
	})
}

func (h *handle) LoadPlayerWarMap(ctx context.Context, playerID string) (game.PlayerWarMap, bool, error) {
	var (
		out game.PlayerWarMap
		ok  bool
	)
	err := h.with(func(st *state) error {
		out, ok = st.warMaps[playerID]
		out.Map = out.Map.Clone()
		return nil
	})
	return out, ok, err
}

func cloneParticipant(p game.WarParticipant) game.WarParticipant {
	p.WarMap = p.WarMap.Clone()
	return p
}
