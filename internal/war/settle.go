package war

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"squadwars/internal/game"
	"squadwars/internal/retry"
	"squadwars/internal/store"
)

// ProcessGuildGet refreshes the guild and settles its war when it is due.
// It returns nil when the guild has never been in a war.
func (c *Coordinator) ProcessGuildGet(ctx context.Context, guildID string, now int64) (*game.War, error) {
	g, err := c.sessions.Guild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	sq, err := g.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if sq.WarID == "" {
		return nil, nil
	}
	ws, err := c.sessions.War(ctx, sq.WarID)
	if err != nil {
		return nil, err
	}
	w, err := ws.War(ctx)
	if err != nil {
		return nil, err
	}
	if !w.NeedsSettlement(now) {
		return &w, nil
	}

	err = ws.WithSettlement(func() error {
		fresh, err := ws.Reload(ctx)
		if err != nil {
			return err
		}
		if !fresh.NeedsSettlement(now) {
			return nil
		}
		_, err = c.ProcessWarEnd(ctx, sq.WarID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	w, err = ws.Reload(ctx)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ProcessWarEnd settles warID once. It reports false, changing nothing, when
// the war is not due or another caller already settled it.
func (c *Coordinator) ProcessWarEnd(ctx context.Context, warID string, now int64) (bool, error) {
	ctx, span := tracer.Start(ctx, "war.ProcessWarEnd", trace.WithAttributes(attribute.String("war.id", warID)))
	defer span.End()

	ws, err := c.sessions.War(ctx, warID)
	if err != nil {
		return false, err
	}
	w, err := ws.Reload(ctx)
	if err != nil {
		return false, err
	}
	if !w.NeedsSettlement(now) {
		return false, nil
	}
	rows, err := c.store.ListWarParticipants(ctx, warID)
	if err != nil {
		return false, fmt.Errorf("participants of war %s: %w", warID, err)
	}
	maps := make([]game.PlayerWarMap, 0, len(rows))
	for _, p := range rows {
		maps = append(maps, game.PlayerWarMap{PlayerID: p.PlayerID, Map: p.WarMap, Time: now})
	}

	type outcome struct {
		settled        bool
		scoreA, scoreB int
		sent           []game.Notification
	}
	res, err := retry.Do(ctx, c.opts.Retry, store.IsTransient, func(ctx context.Context) (outcome, error) {
		var out outcome
		err := c.store.InTx(ctx, func(tx store.Tx) error {
			scores, err := tx.SumWarScores(ctx, warID)
			if err != nil {
				return err
			}
			// a side without participant rows scored nothing
			out.scoreA, out.scoreB = scores[w.SquadIDA], scores[w.SquadIDB]
			ok, err := tx.SettleWar(ctx, warID, now, out.scoreA, out.scoreB)
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
			for _, guildID := range []string{w.SquadIDA, w.SquadIDB} {
				if _, err := tx.ClearWarParty(ctx, guildID, warID); err != nil {
					return err
				}
			}
			if err := tx.UpsertPlayerWarMaps(ctx, maps); err != nil {
				return err
			}
			out.sent, err = c.bus.PublishWar(ctx, tx, w, game.Notification{
				Type:    game.NotifyWarEnded,
				Message: fmt.Sprintf("Final score %d to %d.", out.scoreA, out.scoreB),
				Data: payload(map[string]any{
					"war_id":  warID,
					"scores":  map[string]int{w.SquadIDA: out.scoreA, w.SquadIDB: out.scoreB},
					"outcome": outcomeOf(out.scoreA, out.scoreB),
				}),
			}, now)
			out.settled = true
			return err
		})
		return out, err
	})
	ws.MarkDirty()
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		fail(span, err)
		return false, err
	}

	c.sessions.MarkGuildDirty(w.SquadIDA)
	c.sessions.MarkGuildDirty(w.SquadIDB)
	c.bus.Announce(ctx, res.sent...)
	c.log.Info("war settled", "war_id", warID, "score_a", res.scoreA, "score_b", res.scoreB)
	return res.settled, nil
}

// outcomeOf names the result from squad A's point of view.
func outcomeOf(a, b int) string {
	switch {
	case a > b:
		return "squad_a"
	case b > a:
		return "squad_b"
	}
	return "draw"
}
