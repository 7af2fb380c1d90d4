package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"squadwars/internal/game"
	"squadwars/internal/store"
)

func (q *queries) LoadSquad(ctx context.Context, id string) (game.Squad, error) {
	var (
		sq      game.Squad
		faction string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, name, icon, faction, COALESCE(war_id, ''), war_sign_up_time, score, version
		FROM squads WHERE id = $1
	`, id).Scan(&sq.ID, &sq.Name, &sq.Icon, &faction, &sq.WarID, &sq.WarSignUpTime, &sq.Score, &sq.Version)
	if err != nil {
		return game.Squad{}, fmt.Errorf("load squad %s: %w", id, classify(err))
	}
	sq.Faction = game.Faction(faction)

	rows, err := q.db.Query(ctx, `
		SELECT player_id, name, officer, owner, hq_level, xp, war_party
		FROM squad_members WHERE squad_id = $1
		ORDER BY owner DESC, officer DESC, player_id
	`, id)
	if err != nil {
		return game.Squad{}, fmt.Errorf("load squad members %s: %w", id, classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var m game.SquadMember
		if err := rows.Scan(&m.PlayerID, &m.Name, &m.Officer, &m.Owner, &m.HQLevel, &m.XP, &m.WarParty); err != nil {
			return game.Squad{}, classify(err)
		}
		sq.Members = append(sq.Members, m)
	}
	if err := rows.Err(); err != nil {
		return game.Squad{}, classify(err)
	}
	return sq, nil
}

func (q *queries) SquadSummaries(ctx context.Context, ids []string) (map[string]game.SquadSummary, error) {
	out := make(map[string]game.SquadSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.db.Query(ctx, `SELECT id, name, icon FROM squads WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("squad summaries: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var s game.SquadSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Icon); err != nil {
			return nil, classify(err)
		}
		out[s.ID] = s
	}
	return out, classify(rows.Err())
}

func (q *queries) squadExists(ctx context.Context, id string) error {
	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM squads WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return fmt.Errorf("squad %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (q *queries) ResetWarPartyIfIdle(ctx context.Context, guildID string) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE squads SET war_id = NULL, version = version + 1
		WHERE id = $1 AND war_sign_up_time = 0
	`, guildID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, q.squadExists(ctx, guildID)
	}
	if _, err := q.exec(ctx, `UPDATE squad_members SET war_party = FALSE WHERE squad_id = $1`, guildID); err != nil {
		return false, err
	}
	return true, nil
}

func (q *queries) SetWarParty(ctx context.Context, guildID string, participantIDs []string, signUpTime int64) error {
	n, err := q.exec(ctx, `
		UPDATE squads SET war_sign_up_time = $2, version = version + 1 WHERE id = $1
	`, guildID, signUpTime)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("squad %s: %w", guildID, store.ErrNotFound)
	}
	_, err = q.exec(ctx, `
		UPDATE squad_members SET war_party = TRUE WHERE squad_id = $1 AND player_id = ANY($2)
	`, guildID, nonNil(participantIDs))
	return err
}

func (q *queries) CancelSquadSignUp(ctx context.Context, guildID string) error {
	n, err := q.exec(ctx, `
		UPDATE squads SET war_sign_up_time = 0, war_id = NULL, version = version + 1 WHERE id = $1
	`, guildID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("squad %s: %w", guildID, store.ErrNotFound)
	}
	_, err = q.exec(ctx, `UPDATE squad_members SET war_party = FALSE WHERE squad_id = $1`, guildID)
	return err
}

func (q *queries) SetSquadWarID(ctx context.Context, guildID, warID string) error {
	n, err := q.exec(ctx, `UPDATE squads SET war_id = $2, version = version + 1 WHERE id = $1`, guildID, warID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("squad %s: %w", guildID, store.ErrNotFound)
	}
	return nil
}

func (q *queries) ClearWarParty(ctx context.Context, guildID, warID string) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE squads SET war_sign_up_time = 0, version = version + 1
		WHERE id = $1 AND war_id = $2
	`, guildID, warID)
	if err != nil || n == 0 {
		return false, err
	}
	if _, err := q.exec(ctx, `UPDATE squad_members SET war_party = FALSE WHERE squad_id = $1`, guildID); err != nil {
		return false, err
	}
	return true, nil
}

const signUpColumns = `guild_id, guild_name, icon, faction, participant_ids, participants, same_faction_allowed, time`

func scanSignUp(row pgx.Row) (game.WarSignUp, error) {
	var (
		s       game.WarSignUp
		faction string
	)
	if err := row.Scan(&s.GuildID, &s.GuildName, &s.Icon, &faction, &s.ParticipantIDs, &s.Participants, &s.SameFactionAllowed, &s.Time); err != nil {
		return game.WarSignUp{}, classify(err)
	}
	s.Faction = game.Faction(faction)
	return s, nil
}

func (q *queries) InsertWarSignUp(ctx context.Context, s game.WarSignUp) error {
	participants := s.Participants
	if participants == nil {
		participants = []game.SignUpParticipant{}
	}
	_, err := q.exec(ctx, `
		INSERT INTO war_sign_ups (`+signUpColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.GuildID, s.GuildName, s.Icon, string(s.Faction), nonNil(s.ParticipantIDs), participants, s.SameFactionAllowed, s.Time)
	if err != nil {
		return fmt.Errorf("insert war sign-up %s: %w", s.GuildID, err)
	}
	return nil
}

func (q *queries) LoadWarSignUp(ctx context.Context, guildID string) (game.WarSignUp, error) {
	s, err := scanSignUp(q.db.QueryRow(ctx, `SELECT `+signUpColumns+` FROM war_sign_ups WHERE guild_id = $1`, guildID))
	if err != nil {
		return game.WarSignUp{}, fmt.Errorf("load war sign-up %s: %w", guildID, err)
	}
	return s, nil
}

func (q *queries) DeleteWarSignUp(ctx context.Context, guildID string) (bool, error) {
	n, err := q.exec(ctx, `DELETE FROM war_sign_ups WHERE guild_id = $1`, guildID)
	return n == 1, err
}

func (q *queries) SampleWarSignUp(ctx context.Context, excludeGuildID string) (game.WarSignUp, bool, error) {
	s, err := scanSignUp(q.db.QueryRow(ctx, `
		SELECT `+signUpColumns+` FROM war_sign_ups
		WHERE guild_id <> $1
		ORDER BY random()
		LIMIT 1
	`, excludeGuildID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return game.WarSignUp{}, false, nil
		}
		return game.WarSignUp{}, false, fmt.Errorf("sample war sign-up: %w", err)
	}
	return s, true, nil
}

func (q *queries) ListWarSignUps(ctx context.Context) ([]game.WarSignUp, error) {
	rows, err := q.db.Query(ctx, `SELECT `+signUpColumns+` FROM war_sign_ups ORDER BY time, guild_id`)
	if err != nil {
		return nil, fmt.Errorf("list war sign-ups: %w", classify(err))
	}
	defer rows.Close()
	var out []game.WarSignUp
	for rows.Next() {
		s, err := scanSignUp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, classify(rows.Err())
}
