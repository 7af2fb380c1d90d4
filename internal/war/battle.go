package war

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"squadwars/internal/game"
	"squadwars/internal/retry"
	"squadwars/internal/store"
)

// AttackStart claims defenderID's war base for attackerID and spends one of
// the attacker's turns. Either both happen or neither does.
func (c *Coordinator) AttackStart(ctx context.Context, attackerID, defenderID string, now int64) (game.AttackDetail, error) {
	ctx, span := tracer.Start(ctx, "war.AttackStart", trace.WithAttributes(
		attribute.String("attacker.id", attackerID),
		attribute.String("defender.id", defenderID),
	))
	defer span.End()

	detail, err := c.attackStart(ctx, attackerID, defenderID, now)
	fail(span, err)
	return detail, err
}

func (c *Coordinator) attackStart(ctx context.Context, attackerID, defenderID string, now int64) (game.AttackDetail, error) {
	p, ws, err := c.warOf(ctx, attackerID)
	if err != nil {
		return game.AttackDetail{}, err
	}
	w, err := ws.War(ctx)
	if err != nil {
		return game.AttackDetail{}, err
	}
	if w.Phase(now) != game.PhaseLive {
		return game.AttackDetail{}, game.ErrWarNotActive
	}
	if _, opponents := w.OpponentOf(p.GuildID); !slices.Contains(opponents, defenderID) {
		return game.AttackDetail{}, fmt.Errorf("%w: %s is not an opponent", game.ErrNotWarParticipant, defenderID)
	}
	attacker, err := c.store.LoadWarParticipant(ctx, w.ID, attackerID)
	if errors.Is(err, store.ErrNotFound) {
		return game.AttackDetail{}, game.ErrNotWarParticipant
	}
	if err != nil {
		return game.AttackDetail{}, err
	}
	if attacker.AttackBattleID != "" {
		c.log.Warn("abandoning unfinished war attack",
			"war_id", w.ID, "attacker_id", attackerID, "battle_id", attacker.AttackBattleID)
	}

	type outcome struct {
		detail game.AttackDetail
		sent   []game.Notification
	}
	res, err := retry.Do(ctx, c.opts.Retry, store.IsTransient, func(ctx context.Context) (outcome, error) {
		detail := game.AttackDetail{
			WarID:      w.ID,
			BattleID:   uuid.NewString(),
			DefenderID: defenderID,
			Expiration: now + c.opts.AttackDuration,
		}
		var sent []game.Notification
		err := c.store.InTx(ctx, func(tx store.Tx) error {
			claimed, err := tx.ClaimWarDefense(ctx, w.ID, defenderID, detail.BattleID, detail.Expiration, now-c.opts.LockGrace)
			if err != nil {
				return err
			}
			if !claimed {
				return c.claimRejection(ctx, tx, w.ID, defenderID, now)
			}
			spent, err := tx.SpendWarTurn(ctx, w.ID, attackerID, detail.BattleID, detail.Expiration)
			if err != nil {
				return err
			}
			if !spent {
				return game.ErrNotEnoughTurns
			}
			sent, err = c.bus.PublishWar(ctx, tx, w, game.Notification{
				PlayerID:   attackerID,
				PlayerName: p.Name,
				Type:       game.NotifyWarPlayerAttackStart,
				Data:       payload(map[string]any{"defender_id": defenderID, "battle_id": detail.BattleID}),
			}, now)
			return err
		})
		return outcome{detail: detail, sent: sent}, err
	})
	if err != nil {
		return game.AttackDetail{}, err
	}
	c.bus.Announce(ctx, res.sent...)
	return res.detail, nil
}

// claimRejection explains why the defender could not be claimed.
func (c *Coordinator) claimRejection(ctx context.Context, tx store.Tx, warID, defenderID string, now int64) error {
	d, err := tx.LoadWarParticipant(ctx, warID, defenderID)
	if errors.Is(err, store.ErrNotFound) {
		return game.ErrNotWarParticipant
	}
	if err != nil {
		return err
	}
	if d.VictoryPoints <= 0 {
		return game.ErrNoVictoryPoints
	}
	if d.DefenseBattleID != "" && d.DefenseExpiration < now {
		c.log.Warn("war defence lock expired but not yet reclaimable, attacker client may have crashed",
			"war_id", warID, "defender_id", defenderID, "battle_id", d.DefenseBattleID,
			"expired_at", d.DefenseExpiration)
	}
	return game.ErrBaseUnderAttack
}

// AttackComplete records the outcome of battleID. Stale or repeated reports
// change nothing and yield game.ErrNotModified.
func (c *Coordinator) AttackComplete(ctx context.Context, attackerID, battleID string, stars int, now int64) (game.AttackResult, error) {
	ctx, span := tracer.Start(ctx, "war.AttackComplete", trace.WithAttributes(
		attribute.String("attacker.id", attackerID),
		attribute.String("battle.id", battleID),
		attribute.Int("stars", stars),
	))
	defer span.End()

	res, err := c.attackComplete(ctx, attackerID, battleID, stars, now)
	fail(span, err)
	return res, err
}

func (c *Coordinator) attackComplete(ctx context.Context, attackerID, battleID string, stars int, now int64) (game.AttackResult, error) {
	if err := game.ValidateStars(stars); err != nil {
		return game.AttackResult{}, err
	}
	if battleID == "" {
		return game.AttackResult{}, game.ErrNotModified
	}
	d, err := c.store.ParticipantByDefenseBattle(ctx, battleID)
	if errors.Is(err, store.ErrNotFound) {
		return game.AttackResult{}, game.ErrNotModified
	}
	if err != nil {
		return game.AttackResult{}, err
	}
	ws, err := c.sessions.War(ctx, d.WarID)
	if err != nil {
		return game.AttackResult{}, err
	}
	w, err := ws.War(ctx)
	if err != nil {
		return game.AttackResult{}, err
	}
	if w.Phase(now) == game.PhaseSettled {
		return game.AttackResult{}, game.ErrWarNotActive
	}
	attacker, err := c.store.LoadWarParticipant(ctx, d.WarID, attackerID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && attacker.AttackBattleID != battleID) {
		return game.AttackResult{}, game.ErrNotModified
	}
	if err != nil {
		return game.AttackResult{}, err
	}

	earned := game.VictoryPointsEarned(d.VictoryPoints, stars)
	var sent []game.Notification
	err = c.store.InTx(ctx, func(tx store.Tx) error {
		ok, err := tx.CompleteWarDefense(ctx, d.WarID, battleID, earned)
		if err != nil {
			return err
		}
		if !ok {
			return game.ErrNotModified
		}
		ok, err = tx.CompleteWarAttack(ctx, d.WarID, battleID, earned)
		if err != nil {
			return err
		}
		if !ok {
			return game.ErrNotModified
		}
		sent, err = c.bus.PublishWar(ctx, tx, w, game.Notification{
			PlayerID:   attackerID,
			PlayerName: attacker.Name,
			Type:       game.NotifyWarPlayerAttackComplete,
			Data: payload(map[string]any{
				"defender_id":    d.PlayerID,
				"battle_id":      battleID,
				"stars":          stars,
				"victory_points": earned,
			}),
		}, now)
		return err
	})
	if err != nil {
		return game.AttackResult{}, err
	}
	c.bus.Announce(ctx, sent...)
	return game.AttackResult{
		WarID:          d.WarID,
		BattleID:       battleID,
		DefenderID:     d.PlayerID,
		Stars:          stars,
		VictoryPoints:  earned,
		DefenderPoints: d.VictoryPoints - earned,
	}, nil
}
