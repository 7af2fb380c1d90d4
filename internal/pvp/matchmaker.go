// Package pvp matches players for raids and holds the exclusive attack slot
// on the chosen target.
package pvp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"squadwars/internal/catalog"
	"squadwars/internal/game"
	"squadwars/internal/retry"
	"squadwars/internal/session"
	"squadwars/internal/store"
)

var tracer = otel.Tracer("squadwars/internal/pvp")

// errLostRace aborts a claim transaction when the sampled target was taken.
var errLostRace = errors.New("pvp: target claimed by another attacker")

type Options struct {
	// ActivityWindow is how recently a player must have been active to be
	// considered online and therefore not attackable.
	ActivityWindow int64
	Countdown      int64
	BattleDuration int64
	LockBuffer     int64
	Retry          retry.Policy
}

func DefaultOptions() Options {
	return Options{
		ActivityWindow: game.DefaultActivityWindowSec,
		Countdown:      30,
		BattleDuration: 240,
		LockBuffer:     8,
		Retry:          retry.Policy{MaxAttempts: 2, Delay: 50 * time.Millisecond},
	}
}

type Matchmaker struct {
	sessions *session.Manager
	store    store.Store
	catalog  catalog.Catalog
	opts     Options
	log      *slog.Logger
}

func NewMatchmaker(sessions *session.Manager, cat catalog.Catalog, opts Options, logger *slog.Logger) *Matchmaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matchmaker{
		sessions: sessions,
		store:    sessions.Store(),
		catalog:  cat,
		opts:     opts,
		log:      logger,
	}
}

// target is what a claim needs to know about the player or dev base being
// attacked.
type target struct {
	id         string
	devBase    bool
	staleLock  *game.PvpLock
	cost       int64
	buildMatch func(battleID string, now int64) game.PvpMatch
}

// FindOpponent samples an eligible opponent and locks it for playerID.
func (m *Matchmaker) FindOpponent(ctx context.Context, playerID string, exclude []string, now int64) (game.PvpMatch, bool, error) {
	ctx, span := tracer.Start(ctx, "pvp.FindOpponent", trace.WithAttributes(attribute.String("player.id", playerID)))
	defer span.End()

	match, found, err := m.find(ctx, playerID, now, func(p game.Player) (store.OpponentQuery, int64) {
		return store.OpponentQuery{
			RequesterID:    playerID,
			Faction:        p.Faction,
			HQLevel:        p.HQLevel,
			XP:             p.XP(),
			Exclude:        exclude,
			Now:            now,
			ActivityWindow: m.opts.ActivityWindow,
		}, m.catalog.PvpMatchCost(p.HQLevel)
	}, false)
	record(span, found, err)
	return match, found, err
}

// FindRevengeOpponent locks targetID for playerID free of charge. The hq and
// xp window does not apply, every availability check does.
func (m *Matchmaker) FindRevengeOpponent(ctx context.Context, playerID, targetID string, now int64) (game.PvpMatch, bool, error) {
	ctx, span := tracer.Start(ctx, "pvp.FindRevengeOpponent", trace.WithAttributes(
		attribute.String("player.id", playerID),
		attribute.String("target.id", targetID),
	))
	defer span.End()

	match, found, err := m.find(ctx, playerID, now, func(p game.Player) (store.OpponentQuery, int64) {
		return store.OpponentQuery{
			RequesterID:    playerID,
			Faction:        p.Faction,
			Now:            now,
			ActivityWindow: m.opts.ActivityWindow,
			TargetID:       targetID,
		}, 0
	}, true)
	record(span, found, err)
	return match, found, err
}

func (m *Matchmaker) find(ctx context.Context, playerID string, now int64, query func(game.Player) (store.OpponentQuery, int64), revenge bool) (game.PvpMatch, bool, error) {
	var (
		match game.PvpMatch
		found bool
	)
	err := m.sessions.WithPlayer(playerID, func() error {
		s, err := m.sessions.Player(ctx, playerID)
		if err != nil {
			return err
		}
		p, err := s.Profile(ctx)
		if err != nil {
			return err
		}
		q, cost := query(p)
		if err := m.checkCredits(ctx, s, cost); err != nil {
			return err
		}
		if _, err := m.dropAttack(ctx, playerID); err != nil {
			return err
		}

		match, err = retry.Do(ctx, m.opts.Retry, store.IsTransient, func(ctx context.Context) (game.PvpMatch, error) {
			cand, ok, err := m.store.SampleOpponent(ctx, q)
			if err != nil || !ok {
				return game.PvpMatch{}, err
			}
			return m.claim(ctx, s, target{
				id:        cand.ID,
				staleLock: cand.CurrentPvpDefence,
				cost:      cost,
				buildMatch: func(battleID string, now int64) game.PvpMatch {
					return game.PvpMatch{
						BattleID:               battleID,
						BattleDate:             now,
						AttackerID:             playerID,
						DefenderID:             cand.ID,
						DefenderName:           cand.Name,
						DefenderFaction:        cand.Faction,
						DefenderLevel:          cand.HQLevel,
						DefenderXP:             cand.XP(),
						DefenderGuildID:        cand.GuildID,
						DefenderGuildName:      cand.GuildName,
						DefenderBaseMap:        cand.BaseMap.Clone(),
						DefenderProtectedUntil: cand.ProtectedUntil,
						CreditsCharged:         cost,
						Revenge:                revenge,
					}
				},
			}, now)
		})
		if errors.Is(err, errLostRace) {
			m.log.Info("pvp target taken before claim", "player_id", playerID)
			return nil
		}
		if err != nil {
			return err
		}
		found = match.BattleID != ""
		return nil
	})
	if err != nil {
		return game.PvpMatch{}, false, err
	}
	return match, found, nil
}

// FindDevBase locks a synthetic base near the requester's strength.
func (m *Matchmaker) FindDevBase(ctx context.Context, playerID string, seen []string, now int64) (game.PvpMatch, bool, error) {
	ctx, span := tracer.Start(ctx, "pvp.FindDevBase", trace.WithAttributes(attribute.String("player.id", playerID)))
	defer span.End()

	var (
		match game.PvpMatch
		found bool
	)
	err := m.sessions.WithPlayer(playerID, func() error {
		s, err := m.sessions.Player(ctx, playerID)
		if err != nil {
			return err
		}
		p, err := s.Profile(ctx)
		if err != nil {
			return err
		}
		cost := m.catalog.PvpMatchCost(p.HQLevel)
		if err := m.checkCredits(ctx, s, cost); err != nil {
			return err
		}
		if _, err := m.dropAttack(ctx, playerID); err != nil {
			return err
		}
		q := store.DevBaseQuery{HQLevel: p.HQLevel, XP: p.XP(), Exclude: seen}

		match, err = retry.Do(ctx, m.opts.Retry, store.IsTransient, func(ctx context.Context) (game.PvpMatch, error) {
			base, ok, err := m.store.SampleDevBase(ctx, q)
			if err != nil || !ok {
				return game.PvpMatch{}, err
			}
			return m.claim(ctx, s, target{
				id:      base.ID,
				devBase: true,
				cost:    cost,
				buildMatch: func(battleID string, now int64) game.PvpMatch {
					return game.PvpMatch{
						BattleID:        battleID,
						BattleDate:      now,
						AttackerID:      playerID,
						DefenderID:      base.ID,
						DefenderFaction: p.Faction.Opposite(),
						DefenderLevel:   base.HQ,
						DefenderXP:      base.XP,
						DefenderBaseMap: base.Map.Clone(),
						CreditsCharged:  cost,
						DevBase:         true,
					}
				},
			}, now)
		})
		if err != nil {
			return err
		}
		found = match.BattleID != ""
		return nil
	})
	record(span, found, err)
	if err != nil {
		return game.PvpMatch{}, false, err
	}
	return match, found, nil
}

func (m *Matchmaker) checkCredits(ctx context.Context, s *session.PlayerSession, cost int64) error {
	if cost <= 0 {
		return nil
	}
	inv, err := s.Inventory(ctx)
	if err != nil {
		return err
	}
	if inv.Credits < cost {
		return fmt.Errorf("%w: have %d need %d", game.ErrInsufficientCredits, inv.Credits, cost)
	}
	return nil
}

// dropAttack clears playerID's attack lock and the defence lock it held on
// its target, committing before any new target is sampled. Callers hold the
// player's lock.
func (m *Matchmaker) dropAttack(ctx context.Context, playerID string) (*game.PvpLock, error) {
	previous, err := retry.Do(ctx, m.opts.Retry, store.IsTransient, func(ctx context.Context) (*game.PvpLock, error) {
		var previous *game.PvpLock
		err := m.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			previous, err = tx.ClearPvpAttack(ctx, playerID)
			if err != nil || previous == nil || previous.DevBase {
				return err
			}
			_, err = tx.ClearPvpDefence(ctx, previous.PlayerID, previous.BattleID)
			return err
		})
		return previous, err
	})
	if err != nil {
		return nil, fmt.Errorf("clear pvp attack for %s: %w", playerID, err)
	}
	if previous != nil {
		m.sessions.MarkPlayerDirty(playerID)
		if !previous.DevBase {
			m.sessions.MarkPlayerDirty(previous.PlayerID)
		}
	}
	return previous, nil
}

// claim points the requester's attack slot at t in one transaction. The
// session's pending writes are staged before the transaction opens and
// flushed inside it. A lost race rolls back only the new claim.
func (m *Matchmaker) claim(ctx context.Context, s *session.PlayerSession, t target, now int64) (game.PvpMatch, error) {
	if t.cost > 0 {
		if err := s.SpendCredits(ctx, t.cost); err != nil {
			return game.PvpMatch{}, err
		}
	}
	s.ClearProtection()

	battleID := uuid.NewString()
	expiration := now + m.opts.Countdown + m.opts.LockBuffer

	err := m.store.InTx(ctx, func(tx store.Tx) error {
		if !t.devBase {
			if t.staleLock != nil {
				m.log.Warn("reclaiming expired pvp defence lock",
					"defender_id", t.id, "stale_attacker_id", t.staleLock.PlayerID,
					"stale_battle_id", t.staleLock.BattleID, "expired_at", t.staleLock.Expiration)
				if _, err := tx.ClearPvpAttackByBattle(ctx, t.staleLock.PlayerID, t.staleLock.BattleID); err != nil {
					return err
				}
			}
			ok, err := tx.ClaimPvpDefence(ctx, t.id, game.PvpLock{
				PlayerID:   s.ID,
				BattleID:   battleID,
				Expiration: expiration,
			}, now)
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
		}

		if err := s.SaveTx(ctx, tx); err != nil {
			return err
		}
		err := tx.SetPvpAttack(ctx, s.ID, game.PvpLock{
			PlayerID:   t.id,
			BattleID:   battleID,
			Expiration: expiration,
			DevBase:    t.devBase,
		})
		if errors.Is(err, store.ErrDuplicate) {
			return errLostRace
		}
		return err
	})
	if err != nil {
		s.Abandon()
		return game.PvpMatch{}, err
	}

	s.DoneSave()
	if t.staleLock != nil {
		m.sessions.MarkPlayerDirty(t.staleLock.PlayerID)
	}
	if !t.devBase {
		m.sessions.MarkPlayerDirty(t.id)
	}
	return t.buildMatch(battleID, now), nil
}

// ReleaseTarget drops playerID's outstanding attack lock and the matching
// defence lock on its target.
func (m *Matchmaker) ReleaseTarget(ctx context.Context, playerID string) (bool, error) {
	var previous *game.PvpLock
	err := m.sessions.WithPlayer(playerID, func() error {
		var err error
		previous, err = m.dropAttack(ctx, playerID)
		return err
	})
	if err != nil {
		return false, err
	}
	return previous != nil, nil
}

// BattleStart stretches both locks of battleID to cover the fight itself.
func (m *Matchmaker) BattleStart(ctx context.Context, playerID, battleID string, now int64) (int64, error) {
	expiration := now + m.opts.BattleDuration + m.opts.LockBuffer
	ok, err := m.store.ExtendPvpLocks(ctx, playerID, battleID, expiration)
	if err != nil {
		return 0, fmt.Errorf("extend pvp locks for %s: %w", playerID, err)
	}
	if !ok {
		return 0, game.ErrNotModified
	}
	m.sessions.MarkPlayerDirty(playerID)
	return expiration, nil
}

// SeedDevBase adds a synthetic base unless one with the same checksum exists.
func (m *Matchmaker) SeedDevBase(ctx context.Context, base game.DevBase, now int64) (bool, error) {
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	if base.CreatedAt == 0 {
		base.CreatedAt = now
	}
	ok, err := m.store.InsertDevBase(ctx, base)
	if err != nil {
		return false, fmt.Errorf("seed dev base %s: %w", base.Checksum, err)
	}
	return ok, nil
}

// ShareBase copies playerID's own base into the dev base pool. Identical
// layouts are stored once.
func (m *Matchmaker) ShareBase(ctx context.Context, playerID string, now int64) (game.DevBase, bool, error) {
	s, err := m.sessions.Player(ctx, playerID)
	if err != nil {
		return game.DevBase{}, false, err
	}
	p, err := s.Profile(ctx)
	if err != nil {
		return game.DevBase{}, false, err
	}
	raw, err := json.Marshal(p.BaseMap)
	if err != nil {
		return game.DevBase{}, false, fmt.Errorf("encode base of %s: %w", playerID, err)
	}
	sum := sha256.Sum256(raw)
	base := game.DevBase{
		ID:        uuid.NewString(),
		HQ:        p.HQLevel,
		XP:        p.XP(),
		Checksum:  hex.EncodeToString(sum[:]),
		Map:       p.BaseMap.Clone(),
		CreatedAt: now,
	}
	created, err := m.SeedDevBase(ctx, base, now)
	return base, created, err
}

func record(span trace.Span, found bool, err error) {
	span.SetAttributes(attribute.Bool("pvp.found", found))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
