package memstore

import (
	"context"
	"slices"

	"squadwars/internal/game"
	"squadwars/internal/store"
)

func (h *handle) LoadPlayer(ctx context.Context, id string) (game.Player, error) {
	var out game.Player
	err := h.with(func(st *state) error {
		p, ok := st.players[id]
		if !ok {
			return store.ErrNotFound
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

func (h *handle) SavePlayer(ctx context.Context, id string, version int64, upd store.PlayerUpdate) (int64, error) {
	var out int64
	err := h.with(func(st *state) error {
		p, ok := st.players[id]
		if !ok {
			return store.ErrNotFound
		}
		if p.Version != version {
			return store.ErrStaleWrite
		}
		if upd.Inventory != nil {
			p.Inventory = *upd.Inventory
		}
		if upd.Scalars != nil {
			p.Scalars = *upd.Scalars
		}
		if upd.ProtectedUntil != nil {
			p.ProtectedUntil = *upd.ProtectedUntil
		}
		if upd.KeepAlive != nil {
			p.KeepAlive = *upd.KeepAlive
		}
		p.Version++
		st.players[id] = p
		out = p.Version
		return nil
	})
	return out, err
}

func (h *handle) SampleOpponent(ctx context.Context, q store.OpponentQuery) (game.Player, bool, error) {
	var (
		out   game.Player
		found bool
	)
	err := h.with(func(st *state) error {
		var hits []game.Player
		for _, id := range sortedKeys(st.players) {
			if p := st.players[id]; q.Matches(p) {
				hits = append(hits, p)
			}
		}
		out, found = sample(hits)
		out = out.Clone()
		return nil
	})
	return out, found, err
}

func (h *handle) ClearPvpAttack(ctx context.Context, attackerID string) (*game.PvpLock, error) {
	var before *game.PvpLock
	err := h.with(func(st *state) error {
		p, ok := st.players[attackerID]
		if !ok {
			return store.ErrNotFound
		}
		before = p.CurrentPvpAttack
		p.CurrentPvpAttack = nil
		st.players[attackerID] = p
		return nil
	})
	return before, err
}

func (h *handle) ClearPvpAttackByBattle(ctx context.Context, attackerID, battleID string) (bool, error) {
	var ok bool
	err := h.with(func(st *state) error {
		p, exists := st.players[attackerID]
		if !exists || p.CurrentPvpAttack == nil || p.CurrentPvpAttack.BattleID != battleID {
			return nil
		}
		p.CurrentPvpAttack = nil
		st.players[attackerID] = p
		ok = true
		return nil
	})
	return ok, err
}

func (h *handle) ClearPvpDefence(ctx context.Context, defenderID, battleID string) (bool, error) {
	var ok bool
	err := h.with(func(st *state) error {
		p, exists := st.players[defenderID]
		if !exists || p.CurrentPvpDefence == nil || p.CurrentPvpDefence.BattleID != battleID {
			return nil
		}
		p.CurrentPvpDefence = nil
		st.players[defenderID] = p
		ok = true
		return nil
	})
	return ok, err
}

func (h *handle) ClaimPvpDefence(ctx context.Context, defenderID string, lock game.PvpLock, now int64) (bool, error) {
	var ok bool
	err := h.with(func(st *state) error {
		p, exists := st.players[defenderID]
		if !exists || !p.CurrentPvpDefence.Expired(now) {
			return nil
		}
		l := lock
		p.CurrentPvpDefence = &l
		st.players[defenderID] = p
		ok = true
		return nil
	})
	return ok, err
}

func (h *handle) SetPvpAttack(ctx context.Context, attackerID string, lock game.PvpLock) error {
	return h.with(func(st *state) error {
		p, ok := st.players[attackerID]
		if !ok {
			return store.ErrNotFound
		}
		if !lock.DevBase {
			for id, other := range st.players {
				if id == attackerID || other.CurrentPvpAttack == nil || other.CurrentPvpAttack.DevBase {
					continue
				}
				if other.CurrentPvpAttack.PlayerID == lock.PlayerID {
					return store.ErrDuplicate
				}
			}
		}
		l := lock
		p.CurrentPvpAttack = &l
		st.players[attackerID] = p
		return nil
	})
}

func (h *handle) ExtendPvpLocks(ctx context.Context, attackerID, battleID string, expiration int64) (bool, error) {
	var ok bool
	err := h.with(func(st *state) error {
		p, exists := st.players[attackerID]
		if !exists || p.CurrentPvpAttack == nil || p.CurrentPvpAttack.BattleID != battleID {
			return nil
		}
		p.CurrentPvpAttack.Expiration = expiration
		st.players[attackerID] = p
		if p.CurrentPvpAttack.DevBase {
			ok = true
			return nil
		}
		d, exists := st.players[p.CurrentPvpAttack.PlayerID]
		if exists && d.CurrentPvpDefence != nil && d.CurrentPvpDefence.BattleID == battleID {
			d.CurrentPvpDefence.Expiration = expiration
			st.players[d.ID] = d
		}
		ok = true
		return nil
	})
	return ok, err
}

func (h *handle) SampleDevBase(ctx context.Context, q store.DevBaseQuery) (game.DevBase, bool, error) {
	var (
		out   game.DevBase
		found bool
	)
	err := h.with(func(st *state) error {
		var hits []game.DevBase
		for _, id := range sortedKeys(st.devBases) {
			if b := st.devBases[id]; q.Matches(b) {
				hits = append(hits, b)
			}
		}
		out, found = sample(hits)
		out.Map = out.Map.Clone()
		return nil
	})
	return out, found, err
}

func (h *handle) InsertDevBase(ctx context.Context, base game.DevBase) (bool, error) {
	var ok bool
	err := h.with(func(st *state) error {
		for _, b := range st.devBases {
			if b.Checksum == base.Checksum {
				return nil
			}
		}
		if _, exists := st.devBases[base.ID]; exists {
			return store.ErrDuplicate
		}
		base.Map = base.Map.Clone()
		st.devBases[base.ID] = base
		ok = true
		return nil
	})
	return ok, err
}

func (h *handle) SquadSummaries(ctx context.Context, ids []string) (map[string]game.SquadSummary, error) {
	out := map[string]game.SquadSummary{}
	err := h.with(func(st *state) error {
		for _, id := range slices.Compact(slices.Sorted(slices.Values(ids))) {
			if sq, ok := st.squads[id]; ok {
				out[id] = game.SquadSummary{ID: sq.ID, Name: sq.Name, Icon: sq.Icon}
			}
		}
		return nil
	})
	return out, err
}
