package pgstore

import (
	"context"
	"fmt"

	"squadwars/internal/store"
)

func (q *queries) ClaimIdempotency(ctx context.Context, playerID, key, action string, now int64) (store.IdempotencyRecord, bool, error) {
	n, err := q.exec(ctx, `
		INSERT INTO idempotency_keys (player_id, key, action, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (player_id, key) DO NOTHING
	`, playerID, key, action, now)
	if err != nil {
		return store.IdempotencyRecord{}, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if n == 1 {
		return store.IdempotencyRecord{Action: action}, true, nil
	}

	var rec store.IdempotencyRecord
	err = q.db.QueryRow(ctx, `
		SELECT action, status, response FROM idempotency_keys
		WHERE player_id = $1 AND key = $2
	`, playerID, key).Scan(&rec.Action, &rec.Status, &rec.Response)
	if err != nil {
		return store.IdempotencyRecord{}, false, fmt.Errorf("load idempotency key: %w", classify(err))
	}
	return rec, false, nil
}

func (q *queries) RecordIdempotency(ctx context.Context, playerID, key string, status int, response []byte) error {
	n, err := q.exec(ctx, `
		UPDATE idempotency_keys SET status = $3, response = $4
		WHERE player_id = $1 AND key = $2
	`, playerID, key, status, response)
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record idempotency key: %w", store.ErrNotFound)
	}
	return nil
}

func (q *queries) ReleaseIdempotency(ctx context.Context, playerID, key string) error {
	if _, err := q.exec(ctx, `DELETE FROM idempotency_keys WHERE player_id = $1 AND key = $2`, playerID, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
