package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"squadwars/internal/game"
	"squadwars/internal/store"
)

const playerColumns = `id, name, faction, hq_level, xp, attack_rating, defense_rating, attacks_won, defenses_won,
	credits, materials, contraband, COALESCE(guild_id, ''), COALESCE(guild_name, ''), base_map,
	protected_until, keep_alive,
	pvp_attack_player_id, pvp_attack_battle_id, pvp_attack_expiration, pvp_attack_dev_base,
	pvp_defence_player_id, pvp_defence_battle_id, pvp_defence_expiration, version`

type nullableLock struct {
	playerID   *string
	battleID   *string
	expiration *int64
}

func (n nullableLock) lock(devBase bool) *game.PvpLock {
	if n.playerID == nil {
		return nil
	}
	l := &game.PvpLock{PlayerID: *n.playerID, DevBase: devBase}
	if n.battleID != nil {
		l.BattleID = *n.battleID
	}
	if n.expiration != nil {
		l.Expiration = *n.expiration
	}
	return l
}

func scanPlayer(row pgx.Row) (game.Player, error) {
	var (
		p       game.Player
		faction string
		atk     nullableLock
		atkDev  bool
		def     nullableLock
	)
	err := row.Scan(
		&p.ID, &p.Name, &faction, &p.HQLevel,
		&p.Scalars.XP, &p.Scalars.AttackRating, &p.Scalars.DefenseRating, &p.Scalars.AttacksWon, &p.Scalars.DefensesWon,
		&p.Inventory.Credits, &p.Inventory.Materials, &p.Inventory.Contraband,
		&p.GuildID, &p.GuildName, &p.BaseMap,
		&p.ProtectedUntil, &p.KeepAlive,
		&atk.playerID, &atk.battleID, &atk.expiration, &atkDev,
		&def.playerID, &def.battleID, &def.expiration,
		&p.Version,
	)
	if err != nil {
		return game.Player{}, classify(err)
	}
	p.Faction = game.Faction(faction)
	p.CurrentPvpAttack = atk.lock(atkDev)
	p.CurrentPvpDefence = def.lock(false)
	return p, nil
}

func (q *queries) LoadPlayer(ctx context.Context, id string) (game.Player, error) {
	p, err := scanPlayer(q.db.QueryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE id = $1`, id))
	if err != nil {
		return game.Player{}, fmt.Errorf("load player %s: %w", id, err)
	}
	return p, nil
}

func (q *queries) SavePlayer(ctx context.Context, id string, version int64, upd store.PlayerUpdate) (int64, error) {
	var (
		credits, materials, contraband *int64
		xp, atkRating, defRating       *int
		attacksWon, defensesWon        *int
	)
	if upd.Inventory != nil {
		credits, materials, contraband = &upd.Inventory.Credits, &upd.Inventory.Materials, &upd.Inventory.Contraband
	}
	if upd.Scalars != nil {
		xp, atkRating, defRating = &upd.Scalars.XP, &upd.Scalars.AttackRating, &upd.Scalars.DefenseRating
		attacksWon, defensesWon = &upd.Scalars.AttacksWon, &upd.Scalars.DefensesWon
	}

	var next int64
	err := q.db.QueryRow(ctx, `
		UPDATE players SET
			credits = COALESCE($3, credits),
			materials = COALESCE($4, materials),
			contraband = COALESCE($5, contraband),
			xp = COALESCE($6, xp),
			attack_rating = COALESCE($7, attack_rating),
			defense_rating = COALESCE($8, defense_rating),
			attacks_won = COALESCE($9, attacks_won),
			defenses_won = COALESCE($10, defenses_won),
			protected_until = COALESCE($11, protected_until),
			keep_alive = COALESCE($12, keep_alive),
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`, id, version, credits, materials, contraband, xp, atkRating, defRating, attacksWon, defensesWon,
		upd.ProtectedUntil, upd.KeepAlive).Scan(&next)
	if err == nil {
		return next, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM players WHERE id = $1)`, id).Scan(&exists); err != nil {
			return 0, classify(err)
		}
		if !exists {
			return 0, fmt.Errorf("save player %s: %w", id, store.ErrNotFound)
		}
		return 0, fmt.Errorf("save player %s: %w", id, store.ErrStaleWrite)
	}
	return 0, classify(err)
}

func (q *queries) SampleOpponent(ctx context.Context, oq store.OpponentQuery) (game.Player, bool, error) {
	var row pgx.Row
	if oq.TargetID != "" {
		row = q.db.QueryRow(ctx, `SELECT `+playerColumns+` FROM players
			WHERE id = $1 AND id <> $2 AND NOT (id = ANY($3))
			  AND (pvp_defence_player_id IS NULL OR pvp_defence_expiration < $4)
			  AND protected_until < $4
			  AND (keep_alive = 0 OR keep_alive < $4 - $5)`,
			oq.TargetID, oq.RequesterID, nonNil(oq.Exclude), oq.Now, oq.ActivityWindow)
	} else {
		row = q.db.QueryRow(ctx, `SELECT `+playerColumns+` FROM players
			WHERE id <> $1 AND NOT (id = ANY($2)) AND faction <> $3
			  AND (pvp_defence_player_id IS NULL OR pvp_defence_expiration < $4)
			  AND protected_until < $4
			  AND (keep_alive = 0 OR keep_alive < $4 - $5)
			  AND (hq_level BETWEEN $6::int - 1 AND $6::int + 1
			       OR xp::float8 BETWEEN $7::float8 * 0.9 AND $7::float8 * 1.10)
			ORDER BY random()
			LIMIT 1`,
			oq.RequesterID, nonNil(oq.Exclude), string(oq.Faction), oq.Now, oq.ActivityWindow, oq.HQLevel, oq.XP)
	}
	p, err := scanPlayer(row)
	if err != nil {
		if isNotFound(err) {
			return game.Player{}, false, nil
		}
		return game.Player{}, false, fmt.Errorf("sample opponent: %w", err)
	}
	return p, true, nil
}

func (q *queries) ClearPvpAttack(ctx context.Context, attackerID string) (*game.PvpLock, error) {
	var (
		old    nullableLock
		oldDev bool
	)
	err := q.db.QueryRow(ctx, `
		UPDATE players p SET
			pvp_attack_player_id = NULL,
			pvp_attack_battle_id = NULL,
			pvp_attack_expiration = NULL,
			pvp_attack_dev_base = FALSE
		FROM (
			SELECT id, pvp_attack_player_id, pvp_attack_battle_id, pvp_attack_expiration, pvp_attack_dev_base
			FROM players WHERE id = $1 FOR UPDATE
		) old
		WHERE p.id = old.id
		RETURNING old.pvp_attack_player_id, old.pvp_attack_battle_id, old.pvp_attack_expiration, old.pvp_attack_dev_base
	`, attackerID).Scan(&old.playerID, &old.battleID, &old.expiration, &oldDev)
	if err != nil {
		return nil, fmt.Errorf("clear pvp attack %s: %w", attackerID, classify(err))
	}
	return old.lock(oldDev), nil
}

func (q *queries) ClearPvpAttackByBattle(ctx context.Context, attackerID, battleID string) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE players SET
			pvp_attack_player_id = NULL,
			pvp_attack_battle_id = NULL,
			pvp_attack_expiration = NULL,
			pvp_attack_dev_base = FALSE
		WHERE id = $1 AND pvp_attack_battle_id = $2
	`, attackerID, battleID)
	return n == 1, err
}

func (q *queries) ClearPvpDefence(ctx context.Context, defenderID, battleID string) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE players SET
			pvp_defence_player_id = NULL,
			pvp_defence_battle_id = NULL,
			pvp_defence_expiration = NULL
		WHERE id = $1 AND pvp_defence_battle_id = $2
	`, defenderID, battleID)
	return n == 1, err
}

func (q *queries) ClaimPvpDefence(ctx context.Context, defenderID string, lock game.PvpLock, now int64) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE players SET
			pvp_defence_player_id = $2,
			pvp_defence_battle_id = $3,
			pvp_defence_expiration = $4
		WHERE id = $1 AND (pvp_defence_player_id IS NULL OR pvp_defence_expiration < $5)
	`, defenderID, lock.PlayerID, lock.BattleID, lock.Expiration, now)
	return n == 1, err
}

func (q *queries) SetPvpAttack(ctx context.Context, attackerID string, lock game.PvpLock) error {
	n, err := q.exec(ctx, `
		UPDATE players SET
			pvp_attack_player_id = $2,
			pvp_attack_battle_id = $3,
			pvp_attack_expiration = $4,
			pvp_attack_dev_base = $5
		WHERE id = $1
	`, attackerID, lock.PlayerID, lock.BattleID, lock.Expiration, lock.DevBase)
	if err != nil {
		return fmt.Errorf("set pvp attack %s: %w", attackerID, err)
	}
	if n == 0 {
		return fmt.Errorf("set pvp attack %s: %w", attackerID, store.ErrNotFound)
	}
	return nil
}

func (q *queries) ExtendPvpLocks(ctx context.Context, attackerID, battleID string, expiration int64) (bool, error) {
	var (
		target  string
		devBase bool
	)
	err := q.db.QueryRow(ctx, `
		UPDATE players SET pvp_attack_expiration = $3
		WHERE id = $1 AND pvp_attack_battle_id = $2
		RETURNING pvp_attack_player_id, pvp_attack_dev_base
	`, attackerID, battleID, expiration).Scan(&target, &devBase)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, classify(err)
	}
	if devBase {
		return true, nil
	}
	if _, err := q.exec(ctx, `
		UPDATE players SET pvp_defence_expiration = $3
		WHERE id = $1 AND pvp_defence_battle_id = $2
	`, target, battleID, expiration); err != nil {
		return false, err
	}
	return true, nil
}

func (q *queries) SampleDevBase(ctx context.Context, dq store.DevBaseQuery) (game.DevBase, bool, error) {
	var b game.DevBase
	err := q.db.QueryRow(ctx, `
		SELECT id, hq, xp, checksum, map, created_at FROM dev_bases
		WHERE NOT (id = ANY($1))
		  AND (hq BETWEEN $2::int - 1 AND $2::int + 1
		       OR xp::float8 BETWEEN $3::float8 * 0.9 AND $3::float8 * 1.10)
		ORDER BY random()
		LIMIT 1
	`, nonNil(dq.Exclude), dq.HQLevel, dq.XP).Scan(&b.ID, &b.HQ, &b.XP, &b.Checksum, &b.Map, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return game.DevBase{}, false, nil
		}
		return game.DevBase{}, false, fmt.Errorf("sample dev base: %w", classify(err))
	}
	return b, true, nil
}

func (q *queries) InsertDevBase(ctx context.Context, base game.DevBase) (bool, error) {
	n, err := q.exec(ctx, `
		INSERT INTO dev_bases (id, hq, xp, checksum, map, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (checksum) DO NOTHING
	`, base.ID, base.HQ, base.XP, base.Checksum, base.Map, base.CreatedAt)
	return n == 1, err
}
