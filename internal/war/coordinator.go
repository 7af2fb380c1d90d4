// Package war runs guild wars: sign-up, matchmaking, attack turns and
// settlement. Phases are derived from the war's stored timestamps whenever
// a request looks at it; nothing schedules the transitions.
package war

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"squadwars/internal/game"
	"squadwars/internal/notify"
	"squadwars/internal/retry"
	"squadwars/internal/session"
	"squadwars/internal/store"
)

var tracer = otel.Tracer("squadwars/internal/war")

// errLostRace aborts a transaction whose conditional update lost to another
// writer in a way the caller reports as "nothing happened".
var errLostRace = errors.New("war: lost race")

type Options struct {
	Durations game.WarDurations
	// LockGrace is how long past expiry a defender's lock still blocks new
	// attackers.
	LockGrace      int64
	AttackDuration int64
	HistoryLimit   int
	Retry          retry.Policy
}

func DefaultOptions() Options {
	return Options{
		Durations: game.WarDurations{
			PlayerPrep: 6 * 3600,
			ServerPrep: 18 * 3600,
			Play:       24 * 3600,
			Result:     3600,
			Cooldown:   3600,
		},
		LockGrace:      10,
		AttackDuration: 248,
		HistoryLimit:   20,
		Retry:          retry.Policy{MaxAttempts: 2, Delay: 50 * time.Millisecond},
	}
}

type Coordinator struct {
	sessions *session.Manager
	store    store.Store
	bus      *notify.Bus
	opts     Options
	log      *slog.Logger
}

func NewCoordinator(sessions *session.Manager, bus *notify.Bus, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sessions: sessions,
		store:    sessions.Store(),
		bus:      bus,
		opts:     opts,
		log:      logger,
	}
}

// CurrentWar returns the war the guild is in, settled or not.
func (c *Coordinator) CurrentWar(ctx context.Context, guildID string) (game.War, error) {
	g, err := c.sessions.Guild(ctx, guildID)
	if err != nil {
		return game.War{}, err
	}
	warID, err := g.WarID(ctx)
	if err != nil {
		return game.War{}, err
	}
	if warID == "" {
		return game.War{}, game.ErrNoWar
	}
	ws, err := c.sessions.War(ctx, warID)
	if err != nil {
		return game.War{}, err
	}
	return ws.War(ctx)
}

func (c *Coordinator) Participants(ctx context.Context, warID string) ([]game.WarParticipant, error) {
	if warID == "" {
		return nil, game.ErrNoWar
	}
	ps, err := c.store.ListWarParticipants(ctx, warID)
	if err != nil {
		return nil, fmt.Errorf("list participants of war %s: %w", warID, err)
	}
	return ps, nil
}

// History lists the guild's wars, newest first.
func (c *Coordinator) History(ctx context.Context, guildID string) ([]game.War, error) {
	if guildID == "" {
		return nil, game.ErrNotInGuild
	}
	ws, err := c.store.WarHistory(ctx, guildID, c.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("war history of guild %s: %w", guildID, err)
	}
	return ws, nil
}

// warOf resolves the war a player's guild is fighting. The guild document is
// reread once when no war is cached, since the worker matches wars from
// another process.
func (c *Coordinator) warOf(ctx context.Context, playerID string) (game.Player, *session.WarSession, error) {
	s, err := c.sessions.Player(ctx, playerID)
	if err != nil {
		return game.Player{}, nil, err
	}
	p, err := s.Profile(ctx)
	if err != nil {
		return game.Player{}, nil, err
	}
	g, err := c.sessions.Guild(ctx, p.GuildID)
	if err != nil {
		return game.Player{}, nil, err
	}
	warID, err := g.WarID(ctx)
	if err != nil {
		return game.Player{}, nil, err
	}
	if warID == "" {
		sq, err := g.Refresh(ctx)
		if err != nil {
			return game.Player{}, nil, err
		}
		warID = sq.WarID
	}
	ws, err := c.sessions.War(ctx, warID)
	if err != nil {
		return game.Player{}, nil, err
	}
	return p, ws, nil
}

func payload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
