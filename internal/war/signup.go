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

// SignUp enters playerID's guild into war matchmaking with the given party.
func (c *Coordinator) SignUp(ctx context.Context, playerID string, participantIDs []string, sameFactionAllowed bool, now int64) (game.WarSignUp, error) {
	ctx, span := tracer.Start(ctx, "war.SignUp", trace.WithAttributes(attribute.String("player.id", playerID)))
	defer span.End()

	s, err := c.sessions.Player(ctx, playerID)
	if err != nil {
		return game.WarSignUp{}, err
	}
	p, err := s.Profile(ctx)
	if err != nil {
		return game.WarSignUp{}, err
	}
	if p.GuildID == "" {
		return game.WarSignUp{}, game.ErrNotInGuild
	}
	participantIDs = slices.Compact(slices.Sorted(slices.Values(participantIDs)))
	if len(participantIDs) == 0 {
		return game.WarSignUp{}, game.ErrEmptyWarParty
	}

	var (
		signUp game.WarSignUp
		sent   game.Notification
	)
	err = c.sessions.WithGuild(p.GuildID, func() error {
		g, err := c.sessions.Guild(ctx, p.GuildID)
		if err != nil {
			return err
		}
		sq, err := g.Refresh(ctx)
		if err != nil {
			return err
		}
		signUp, err = c.snapshot(ctx, sq, participantIDs, sameFactionAllowed, now)
		if err != nil {
			return err
		}

		return c.store.InTx(ctx, func(tx store.Tx) error {
			idle, err := tx.ResetWarPartyIfIdle(ctx, sq.ID)
			if err != nil {
				return err
			}
			if !idle {
				_, err := tx.LoadWarSignUp(ctx, sq.ID)
				switch {
				case err == nil:
					return game.ErrAlreadySignedUp
				case errors.Is(err, store.ErrNotFound):
					return game.ErrWarPartyActive
				default:
					return err
				}
			}
			if err := tx.InsertWarSignUp(ctx, signUp); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return game.ErrAlreadySignedUp
				}
				return err
			}
			if err := tx.SetWarParty(ctx, sq.ID, signUp.ParticipantIDs, now); err != nil {
				return err
			}
			sent, err = c.bus.Publish(ctx, tx, sq.ID, game.Notification{
				PlayerID:   p.ID,
				PlayerName: p.Name,
				Type:       game.NotifyWarMatchmakingBegin,
				Data:       payload(map[string]any{"participant_ids": signUp.ParticipantIDs}),
			}, now)
			return err
		})
	})
	if err != nil {
		fail(span, err)
		return game.WarSignUp{}, err
	}
	c.sessions.MarkGuildDirty(p.GuildID)
	c.bus.Announce(ctx, sent)
	return signUp, nil
}

// snapshot builds the sign-up row. Each participant fights on its last war
// map when it has one, otherwise on its current base, with traps armed.
func (c *Coordinator) snapshot(ctx context.Context, sq game.Squad, ids []string, sameFactionAllowed bool, now int64) (game.WarSignUp, error) {
	out := game.WarSignUp{
		GuildID:            sq.ID,
		GuildName:          sq.Name,
		Icon:               sq.Icon,
		Faction:            sq.Faction,
		ParticipantIDs:     ids,
		SameFactionAllowed: sameFactionAllowed,
		Time:               now,
	}
	for _, id := range ids {
		if game.IsBotParticipant(id) {
			continue
		}
		m, ok := sq.Member(id)
		if !ok {
			return game.WarSignUp{}, fmt.Errorf("%w: %s is not a member of %s", game.ErrNotInGuild, id, sq.ID)
		}
		base, found, err := c.store.LoadPlayerWarMap(ctx, id)
		if err != nil {
			return game.WarSignUp{}, fmt.Errorf("war map of %s: %w", id, err)
		}
		if !found {
			p, err := c.store.LoadPlayer(ctx, id)
			if err != nil {
				return game.WarSignUp{}, fmt.Errorf("base of %s: %w", id, err)
			}
			base.Map = p.BaseMap
			m.HQLevel = p.HQLevel
		}
		out.Participants = append(out.Participants, game.SignUpParticipant{
			PlayerID: id,
			Name:     m.Name,
			HQLevel:  m.HQLevel,
			Map:      base.Map.ArmTraps(),
		})
	}
	return out, nil
}

// CancelSignUp withdraws playerID's guild from matchmaking.
func (c *Coordinator) CancelSignUp(ctx context.Context, playerID string, now int64) error {
	s, err := c.sessions.Player(ctx, playerID)
	if err != nil {
		return err
	}
	p, err := s.Profile(ctx)
	if err != nil {
		return err
	}
	if p.GuildID == "" {
		return game.ErrNotInGuild
	}
	if _, err := c.sessions.Guild(ctx, p.GuildID); err != nil {
		return err
	}

	var sent game.Notification
	err = c.sessions.WithGuild(p.GuildID, func() error {
		return c.store.InTx(ctx, func(tx store.Tx) error {
			ok, err := tx.DeleteWarSignUp(ctx, p.GuildID)
			if err != nil {
				return err
			}
			if !ok {
				return game.ErrNotSignedUp
			}
			if err := tx.CancelSquadSignUp(ctx, p.GuildID); err != nil {
				return err
			}
			sent, err = c.bus.Publish(ctx, tx, p.GuildID, game.Notification{
				PlayerID:   p.ID,
				PlayerName: p.Name,
				Type:       game.NotifyWarMatchmakingCancel,
			}, now)
			return err
		})
	})
	if err != nil {
		return err
	}
	c.sessions.MarkGuildDirty(p.GuildID)
	c.bus.Announce(ctx, sent)
	return nil
}

// Matchmake pairs guildID's pending sign-up with a random other one. It
// reports false when there is nobody to fight or the partner was taken
// first.
func (c *Coordinator) Matchmake(ctx context.Context, guildID string, now int64) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "war.Matchmake", trace.WithAttributes(attribute.String("guild.id", guildID)))
	defer span.End()

	type outcome struct {
		war  game.War
		sent []game.Notification
	}
	res, err := retry.Do(ctx, c.opts.Retry, store.IsTransient, func(ctx context.Context) (outcome, error) {
		mine, err := c.store.LoadWarSignUp(ctx, guildID)
		if errors.Is(err, store.ErrNotFound) {
			return outcome{}, game.ErrNotSignedUp
		}
		if err != nil {
			return outcome{}, err
		}
		other, ok, err := c.store.SampleWarSignUp(ctx, guildID)
		if err != nil || !ok {
			return outcome{}, err
		}

		w := game.War{
			ID:            uuid.NewString(),
			SquadIDA:      mine.GuildID,
			SquadIDB:      other.GuildID,
			ParticipantsA: mine.ParticipantIDs,
			ParticipantsB: other.ParticipantIDs,
		}
		c.opts.Durations.Schedule(&w, now)

		var out outcome
		err = c.sessions.WithGuilds([]string{mine.GuildID, other.GuildID}, func() error {
			return c.store.InTx(ctx, func(tx store.Tx) error {
				for _, id := range []string{mine.GuildID, other.GuildID} {
					ok, err := tx.DeleteWarSignUp(ctx, id)
					if err != nil {
						return err
					}
					if !ok {
						return errLostRace
					}
				}
				if err := tx.InsertWar(ctx, w); err != nil {
					return err
				}
				rows := append(participants(w.ID, mine), participants(w.ID, other)...)
				if err := tx.InsertWarParticipants(ctx, rows); err != nil {
					return err
				}
				for _, id := range []string{mine.GuildID, other.GuildID} {
					if err := tx.SetSquadWarID(ctx, id, w.ID); err != nil {
						return err
					}
				}
				sent, err := c.bus.PublishWar(ctx, tx, w, game.Notification{
					Type: game.NotifyWarPrepared,
					Data: payload(map[string]any{"war_id": w.ID, "prep_end": w.PrepEnd, "action_end": w.ActionEnd}),
				}, now)
				out = outcome{war: w, sent: sent}
				return err
			})
		})
		return out, err
	})
	if errors.Is(err, errLostRace) {
		c.log.Warn("war matchmaking lost race", "guild_id", guildID)
		return "", false, nil
	}
	if err != nil {
		fail(span, err)
		return "", false, err
	}
	if res.war.ID == "" {
		return "", false, nil
	}

	c.sessions.MarkGuildDirty(res.war.SquadIDA)
	c.sessions.MarkGuildDirty(res.war.SquadIDB)
	c.bus.Announce(ctx, res.sent...)
	c.log.Info("war matched", "war_id", res.war.ID, "squad_a", res.war.SquadIDA, "squad_b", res.war.SquadIDB)
	return res.war.ID, true, nil
}

// MatchmakeAll runs Matchmake for every pending sign-up, oldest first, and
// returns how many wars it created.
func (c *Coordinator) MatchmakeAll(ctx context.Context, now int64) (int, error) {
	pending, err := c.store.ListWarSignUps(ctx)
	if err != nil {
		return 0, fmt.Errorf("list war sign-ups: %w", err)
	}
	matched := 0
	for _, s := range pending {
		if err := ctx.Err(); err != nil {
			return matched, err
		}
		_, ok, err := c.Matchmake(ctx, s.GuildID, now)
		switch {
		case errors.Is(err, game.ErrNotSignedUp):
		case err != nil:
			c.log.Error("war matchmaking failed", "guild_id", s.GuildID, "error", err)
		case ok:
			matched++
		}
	}
	return matched, nil
}

func participants(warID string, s game.WarSignUp) []game.WarParticipant {
	out := make([]game.WarParticipant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if game.IsBotParticipant(p.PlayerID) {
			continue
		}
		out = append(out, game.WarParticipant{
			WarID:         warID,
			PlayerID:      p.PlayerID,
			GuildID:       s.GuildID,
			Name:          p.Name,
			Level:         p.HQLevel,
			Turns:         game.StartingWarTurns,
			VictoryPoints: game.StartingVictoryPoints,
			WarMap:        p.Map.Clone(),
		})
	}
	return out
}
