package tournament

import (
	"context"
	"fmt"
	"log/slog"

	"squadwars/internal/catalog"
	"squadwars/internal/game"
	"squadwars/internal/session"
)

type Leaderboard struct {
	TournamentID string                `json:"tournament_id"`
	Top          []game.TournamentStat `json:"top"`
	Surrounding  []game.TournamentStat `json:"surrounding,omitempty"`
	Player       *game.TournamentStat  `json:"player,omitempty"`
	Entrants     int                   `json:"entrants"`
}

type Options struct {
	TopSize         int
	SurroundingSize int
	AfterPlayer     int
}

func DefaultOptions() Options {
	return Options{
		TopSize:         DefaultTopSize,
		SurroundingSize: DefaultSurroundingSize,
		AfterPlayer:     DefaultAfterPlayer,
	}
}

type Service struct {
	sessions *session.Manager
	catalog  catalog.Catalog
	opts     Options
	log      *slog.Logger
}

func NewService(sessions *session.Manager, cat catalog.Catalog, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sessions: sessions, catalog: cat, opts: opts, log: logger}
}

// Leaderboard ranks the whole tournament and returns the top window and,
// when playerID is set, the window around that player.
func (s *Service) Leaderboard(ctx context.Context, tournamentID, playerID string) (Leaderboard, error) {
	r := NewRanker(playerID, s.opts.TopSize, s.opts.SurroundingSize, s.opts.AfterPlayer)
	entrants := 0
	err := s.sessions.Store().ScanTournament(ctx, tournamentID, func(st game.TournamentStat) bool {
		r.Add(st)
		entrants++
		return true
	})
	if err != nil {
		return Leaderboard{}, fmt.Errorf("scan tournament %s: %w", tournamentID, err)
	}

	lb := Leaderboard{
		TournamentID: tournamentID,
		Top:          r.Top(),
		Surrounding:  r.Surrounding(),
		Entrants:     entrants,
	}
	last, ok := r.Last()
	if !ok {
		return lb, nil
	}
	maxRank := MaxRank(last.Rank, s.catalog.TopTierPercentage(tournamentID))
	for _, window := range [][]game.TournamentStat{lb.Top, lb.Surrounding} {
		for i := range window {
			window[i].Percentile = Percentile(window[i].Rank, maxRank)
		}
	}
	if p, ok := r.Player(); ok {
		p.Percentile = Percentile(p.Rank, maxRank)
		lb.Player = &p
	}
	if err := s.enrich(ctx, &lb); err != nil {
		return Leaderboard{}, err
	}
	return lb, nil
}

// enrich fills guild names and icons with one lookup over both windows.
func (s *Service) enrich(ctx context.Context, lb *Leaderboard) error {
	var ids []string
	for _, window := range [][]game.TournamentStat{lb.Top, lb.Surrounding} {
		for _, st := range window {
			if st.GuildID != "" {
				ids = append(ids, st.GuildID)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	guilds, err := s.sessions.GuildSummaries(ctx, ids)
	if err != nil {
		return err
	}
	for _, window := range [][]game.TournamentStat{lb.Top, lb.Surrounding} {
		for i := range window {
			if g, ok := guilds[window[i].GuildID]; ok {
				window[i].GuildName = g.Name
				window[i].Icon = g.Icon
			}
		}
	}
	if lb.Player != nil {
		if g, ok := guilds[lb.Player.GuildID]; ok {
			lb.Player.GuildName = g.Name
			lb.Player.Icon = g.Icon
		}
	}
	return nil
}

// PlayerRank returns one player's rank and percentile. The scan runs to the
// end because the last rank is needed for the percentile.
func (s *Service) PlayerRank(ctx context.Context, tournamentID, playerID string) (game.TournamentStat, bool, error) {
	var (
		found game.TournamentStat
		ok    bool
	)
	r := NewRanker("", 1, 1, 0)
	err := s.sessions.Store().ScanTournament(ctx, tournamentID, func(st game.TournamentStat) bool {
		ranked := r.Add(st)
		if !ok && ranked.PlayerID == playerID {
			found, ok = ranked, true
		}
		return true
	})
	if err != nil {
		return game.TournamentStat{}, false, fmt.Errorf("scan tournament %s: %w", tournamentID, err)
	}
	last, _ := r.Last()
	if !ok {
		return game.TournamentStat{}, false, nil
	}
	found.Percentile = Percentile(found.Rank, MaxRank(last.Rank, s.catalog.TopTierPercentage(tournamentID)))
	return found, true, nil
}
