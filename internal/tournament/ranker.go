// Package tournament ranks players in periodic tournaments.
package tournament

import "squadwars/internal/game"

const (
	DefaultTopSize         = 50
	DefaultSurroundingSize = 50
	DefaultAfterPlayer     = 10
)

// Ranker assigns dense ranks to a stream sorted by value descending and keeps
// two windows over it: the first entries of the stream, and the entries
// leading up to and just after one player.
type Ranker struct {
	playerID    string
	top         *Ring[game.TournamentStat]
	surrounding *Ring[game.TournamentStat]
	afterBudget int
	found       bool

	last    game.TournamentStat
	hasLast bool
	player  game.TournamentStat
}

func NewRanker(playerID string, topSize, surroundingSize, afterPlayer int) *Ranker {
	return &Ranker{
		playerID:    playerID,
		top:         NewRing[game.TournamentStat](topSize),
		surrounding: NewRing[game.TournamentStat](surroundingSize),
		afterBudget: afterPlayer,
	}
}

// Add ranks s against the previous entry and returns it with Rank set.
func (r *Ranker) Add(s game.TournamentStat) game.TournamentStat {
	switch {
	case !r.hasLast:
		s.Rank = 1
	case s.Value == r.last.Value:
		s.Rank = r.last.Rank
	default:
		s.Rank = r.last.Rank + 1
	}
	r.last, r.hasLast = s, true

	if !r.top.Full() {
		r.top.Push(s)
	}
	if r.playerID != "" {
		if r.afterBudget > 0 {
			r.surrounding.Push(s)
		}
		if r.found {
			r.afterBudget--
		}
		if !r.found && s.PlayerID == r.playerID {
			r.found = true
			r.player = s
		}
	}
	return s
}

func (r *Ranker) Top() []game.TournamentStat { return r.top.Items() }

// Surrounding is empty when the ranker was built without a player.
func (r *Ranker) Surrounding() []game.TournamentStat {
	if r.playerID == "" {
		return nil
	}
	return r.surrounding.Items()
}

func (r *Ranker) Last() (game.TournamentStat, bool) { return r.last, r.hasLast }

func (r *Ranker) Player() (game.TournamentStat, bool) { return r.player, r.found }

// MaxRank is the rank percentiles are measured against. A small field is
// padded so the top tier stays a topTierPct share of it.
func MaxRank(lastRank int, topTierPct float64) float64 {
	m := float64(lastRank)
	if topTierPct > 0 {
		m = max(m, 100/topTierPct)
	}
	return m
}

func Percentile(rank int, maxRank float64) float64 {
	if maxRank <= 0 {
		return 0
	}
	return 100 - 100*(float64(rank)/maxRank)
}
