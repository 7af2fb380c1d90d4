package store

import (
	"slices"

	"squadwars/internal/game"
)

// OpponentQuery selects PvP candidates for a requester.
type OpponentQuery struct {
	RequesterID    string
	Faction        game.Faction
	HQLevel        int
	XP             int
	Exclude        []string
	Now            int64
	ActivityWindow int64
	// TargetID restricts the query to one player and drops the faction and
	// hq/xp checks.
	TargetID string
}

func (q OpponentQuery) Matches(p game.Player) bool {
	if p.ID == q.RequesterID || slices.Contains(q.Exclude, p.ID) {
		return false
	}
	if q.TargetID != "" && p.ID != q.TargetID {
		return false
	}
	if q.TargetID == "" && p.Faction == q.Faction {
		return false
	}
	if !p.CurrentPvpDefence.Expired(q.Now) {
		return false
	}
	if p.ProtectedUntil >= q.Now {
		return false
	}
	if p.KeepAlive != 0 && p.KeepAlive >= q.Now-q.ActivityWindow {
		return false
	}
	if q.TargetID != "" {
		return true
	}
	return game.WithinMatchWindow(q.HQLevel, q.XP, p.HQLevel, p.XP())
}

// DevBaseQuery selects synthetic bases near a requester's strength.
type DevBaseQuery struct {
	HQLevel int
	XP      int
	Exclude []string
}

func (q DevBaseQuery) Matches(b game.DevBase) bool {
	if slices.Contains(q.Exclude, b.ID) {
		return false
	}
	return game.WithinMatchWindow(q.HQLevel, q.XP, b.HQ, b.XP)
}
