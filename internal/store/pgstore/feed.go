package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"squadwars/internal/game"
)

func (q *queries) InsertNotification(ctx context.Context, n game.Notification) error {
	var data any
	if len(n.Data) > 0 {
		data = string(n.Data)
	}
	_, err := q.exec(ctx, `
		INSERT INTO notifications (id, guild_id, guild_name, player_id, player_name, type, message, date, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
	`, n.ID, n.GuildID, n.GuildName, n.PlayerID, n.PlayerName, string(n.Type), n.Message, n.Date, data)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (q *queries) NotificationsSince(ctx context.Context, guildID string, since int64) ([]game.Notification, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, guild_id, guild_name, player_id, player_name, type, message, date, COALESCE(data::text, '')
		FROM notifications
		WHERE guild_id = $1 AND date > $2
		ORDER BY date, id
	`, guildID, since)
	if err != nil {
		return nil, fmt.Errorf("notifications since: %w", classify(err))
	}
	defer rows.Close()

	var out []game.Notification
	for rows.Next() {
		var (
			n    game.Notification
			typ  string
			data string
		)
		if err := rows.Scan(&n.ID, &n.GuildID, &n.GuildName, &n.PlayerID, &n.PlayerName, &typ, &n.Message, &n.Date, &data); err != nil {
			return nil, classify(err)
		}
		n.Type = game.NotificationType(typ)
		if data != "" {
			n.Data = json.RawMessage(data)
		}
		out = append(out, n)
	}
	return out, classify(rows.Err())
}

func (q *queries) LatestNotificationDate(ctx context.Context, guildID string) (int64, error) {
	var latest int64
	err := q.db.QueryRow(ctx, `SELECT COALESCE(MAX(date), 0) FROM notifications WHERE guild_id = $1`, guildID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest notification date: %w", classify(err))
	}
	return latest, nil
}

func (q *queries) ScanTournament(ctx context.Context, tournamentID string, fn func(game.TournamentStat) bool) error {
	rows, err := q.db.Query(ctx, `
		SELECT t.player_id, t.value, t.attacks_won, t.defenses_won,
		       COALESCE(p.name, ''), COALESCE(p.guild_id, ''), COALESCE(p.faction, ''),
		       COALESCE(p.hq_level, 0), COALESCE(p.base_map->>'planet', '')
		FROM tournament_stats t
		LEFT JOIN players p ON p.id = t.player_id
		WHERE t.tournament_id = $1
		ORDER BY t.value DESC, t.player_id DESC
	`, tournamentID)
	if err != nil {
		return fmt.Errorf("scan tournament %s: %w", tournamentID, classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		s := game.TournamentStat{TournamentID: tournamentID}
		var faction string
		if err := rows.Scan(&s.PlayerID, &s.Value, &s.AttacksWon, &s.DefensesWon,
			&s.Name, &s.GuildID, &faction, &s.HQLevel, &s.Planet); err != nil {
			return classify(err)
		}
		s.Faction = game.Faction(faction)
		if !fn(s) {
			return nil
		}
	}
	return classify(rows.Err())
}
