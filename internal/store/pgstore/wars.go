package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"squadwars/internal/game"
	"squadwars/internal/store"
)

const warColumns = `id, squad_id_a, squad_id_b, participants_a, participants_b, matched_time, prep_grace_start,
	prep_end, action_grace_start, action_end, cooldown_end, processed_end_time, squad_a_score, squad_b_score`

func scanWar(row pgx.Row) (game.War, error) {
	var w game.War
	err := row.Scan(&w.ID, &w.SquadIDA, &w.SquadIDB, &w.ParticipantsA, &w.ParticipantsB, &w.MatchedTime,
		&w.PrepGraceStart, &w.PrepEnd, &w.ActionGraceStart, &w.ActionEnd, &w.CooldownEnd,
		&w.ProcessedEndTime, &w.SquadAScore, &w.SquadBScore)
	if err != nil {
		return game.War{}, classify(err)
	}
	return w, nil
}

func (q *queries) InsertWar(ctx context.Context, w game.War) error {
	_, err := q.exec(ctx, `
		INSERT INTO wars (`+warColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, w.ID, w.SquadIDA, w.SquadIDB, nonNil(w.ParticipantsA), nonNil(w.ParticipantsB), w.MatchedTime,
		w.PrepGraceStart, w.PrepEnd, w.ActionGraceStart, w.ActionEnd, w.CooldownEnd,
		w.ProcessedEndTime, w.SquadAScore, w.SquadBScore)
	if err != nil {
		return fmt.Errorf("insert war %s: %w", w.ID, err)
	}
	return nil
}

func (q *queries) LoadWar(ctx context.Context, id string) (game.War, error) {
	w, err := scanWar(q.db.QueryRow(ctx, `SELECT `+warColumns+` FROM wars WHERE id = $1`, id))
	if err != nil {
		return game.War{}, fmt.Errorf("load war %s: %w", id, err)
	}
	return w, nil
}

func (q *queries) WarHistory(ctx context.Context, guildID string, limit int) ([]game.War, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+warColumns+` FROM wars
		WHERE squad_id_a = $1 OR squad_id_b = $1
		ORDER BY matched_time DESC
		LIMIT $2
	`, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("war history %s: %w", guildID, classify(err))
	}
	defer rows.Close()
	var out []game.War
	for rows.Next() {
		w, err := scanWar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, classify(rows.Err())
}

func (q *queries) InsertWarParticipants(ctx context.Context, ps []game.WarParticipant) error {
	if len(ps) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, p := range ps {
		b.Queue(`
			INSERT INTO war_participants (war_id, player_id, guild_id, name, level, turns, victory_points, score, war_map)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, p.WarID, p.PlayerID, p.GuildID, p.Name, p.Level, p.Turns, p.VictoryPoints, p.Score, p.WarMap)
	}
	br := q.db.SendBatch(ctx, b)
	defer br.Close()
	for range ps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert war participants: %w", classify(err))
		}
	}
	return nil
}

const participantColumns = `war_id, player_id, guild_id, name, level, turns, victory_points,
	COALESCE(attack_battle_id, ''), attack_expiration, COALESCE(defense_battle_id, ''), defense_expiration,
	score, war_map`

func scanParticipant(row pgx.Row) (game.WarParticipant, error) {
	var p game.WarParticipant
	err := row.Scan(&p.WarID, &p.PlayerID, &p.GuildID, &p.Name, &p.Level, &p.Turns, &p.VictoryPoints,
		&p.AttackBattleID, &p.AttackExpiration, &p.DefenseBattleID, &p.DefenseExpiration, &p.Score, &p.WarMap)
	if err != nil {
		return game.WarParticipant{}, classify(err)
	}
	return p, nil
}

func (q *queries) LoadWarParticipant(ctx context.Context, warID, playerID string) (game.WarParticipant, error) {
	p, err := scanParticipant(q.db.QueryRow(ctx, `
		SELECT `+participantColumns+` FROM war_participants WHERE war_id = $1 AND player_id = $2
	`, warID, playerID))
	if err != nil {
		return game.WarParticipant{}, fmt.Errorf("load war participant %s/%s: %w", warID, playerID, err)
	}
	return p, nil
}

func (q *queries) ListWarParticipants(ctx context.Context, warID string) ([]game.WarParticipant, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+participantColumns+` FROM war_participants WHERE war_id = $1 ORDER BY guild_id, player_id
	`, warID)
	if err != nil {
		return nil, fmt.Errorf("list war participants %s: %w", warID, classify(err))
	}
	defer rows.Close()
	var out []game.WarParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

func (q *queries) ParticipantByDefenseBattle(ctx context.Context, battleID string) (game.WarParticipant, error) {
	p, err := scanParticipant(q.db.QueryRow(ctx, `
		SELECT `+participantColumns+` FROM war_participants WHERE defense_battle_id = $1
	`, battleID))
	if err != nil {
		return game.WarParticipant{}, fmt.Errorf("defender for battle %s: %w", battleID, err)
	}
	return p, nil
}

func (q *queries) ClaimWarDefense(ctx context.Context, warID, defenderID, battleID string, expiration, reclaimBefore int64) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE war_participants SET defense_battle_id = $3, defense_expiration = $4
		WHERE war_id = $1 AND player_id = $2 AND victory_points > 0
		  AND (defense_battle_id IS NULL OR defense_expiration < $5)
	`, warID, defenderID, battleID, expiration, reclaimBefore)
	return n == 1, err
}

func (q *queries) SpendWarTurn(ctx context.Context, warID, attackerID, battleID string, expiration int64) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE war_participants SET attack_battle_id = $3, attack_expiration = $4, turns = turns - 1
		WHERE war_id = $1 AND player_id = $2 AND turns > 0
	`, warID, attackerID, battleID, expiration)
	return n == 1, err
}

func (q *queries) CompleteWarDefense(ctx context.Context, warID, battleID string, earned int) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE war_participants
		SET defense_battle_id = NULL, defense_expiration = 0, victory_points = victory_points - $3
		WHERE war_id = $1 AND defense_battle_id = $2
	`, warID, battleID, earned)
	return n == 1, err
}

func (q *queries) CompleteWarAttack(ctx context.Context, warID, battleID string, earned int) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE war_participants
		SET attack_battle_id = NULL, attack_expiration = 0, score = score + $3
		WHERE war_id = $1 AND attack_battle_id = $2
	`, warID, battleID, earned)
	return n == 1, err
}

func (q *queries) SumWarScores(ctx context.Context, warID string) (map[string]int, error) {
	rows, err := q.db.Query(ctx, `
		SELECT guild_id, COALESCE(SUM(score), 0)::bigint FROM war_participants WHERE war_id = $1 GROUP BY guild_id
	`, warID)
	if err != nil {
		return nil, fmt.Errorf("sum war scores %s: %w", warID, classify(err))
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			guildID string
			total   int64
		)
		if err := rows.Scan(&guildID, &total); err != nil {
			return nil, classify(err)
		}
		out[guildID] = int(total)
	}
	return out, classify(rows.Err())
}

func (q *queries) SettleWar(ctx context.Context, warID string, processedAt int64, scoreA, scoreB int) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE wars SET processed_end_time = $2, squad_a_score = $3, squad_b_score = $4
		WHERE id = $1 AND processed_end_time = 0
	`, warID, processedAt, scoreA, scoreB)
	return n == 1, err
}

func (q *queries) UpsertPlayerWarMaps(ctx context.Context, maps []game.PlayerWarMap) error {
	if len(maps) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, m := range maps {
		b.Queue(`
			INSERT INTO player_war_maps (player_id, map, time) VALUES ($1, $2, $3)
			ON CONFLICT (player_id) DO UPDATE SET map = EXCLUDED.map, time = EXCLUDED.time
		`, m.PlayerID, m.Map, m.Time)
	}
	br := q.db.SendBatch(ctx, b)
	defer br.Close()
	for range maps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert player war maps: %w", classify(err))
		}
	}
	return nil
}

func (q *queries) LoadPlayerWarMap(ctx context.Context, playerID string) (game.PlayerWarMap, bool, error) {
	m := game.PlayerWarMap{PlayerID: playerID}
	err := q.db.QueryRow(ctx, `SELECT map, time FROM player_war_maps WHERE player_id = $1`, playerID).Scan(&m.Map, &m.Time)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return game.PlayerWarMap{}, false, nil
		}
		return game.PlayerWarMap{}, false, fmt.Errorf("load player war map %s: %w", playerID, classify(err))
	}
	return m, true, nil
}

var _ store.Wars = (*queries)(nil)
