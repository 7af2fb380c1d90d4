package memstore

import (
	"context"
	"slices"

	"squadwars/internal/store"
)

func idemKey(playerID, key string) string {
	return playerID + "\x00" + key
}

func (h *handle) ClaimIdempotency(ctx context.Context, playerID, key, action string, now int64) (store.IdempotencyRecord, bool, error) {
	var (
		out     store.IdempotencyRecord
		claimed bool
	)
	err := h.with(func(st *state) error {
		if rec, ok := st.idempotency[idemKey(playerID, key)]; ok {
			rec.Response = slices.Clone(rec.Response)
			out = rec
			return nil
		}
		out = store.IdempotencyRecord{Action: action}
		st.idempotency[idemKey(playerID, key)] = out
		claimed = true
		return nil
	})
	return out, claimed, err
}

func (h *handle) RecordIdempotency(ctx context.Context, playerID, key string, status int, response []byte) error {
	return h.with(func(st *state) error {
		rec, ok := st.idempotency[idemKey(playerID, key)]
		if !ok {
			return store.ErrNotFound
		}
		rec.Status = status
		rec.Response = slices.Clone(response)
		st.idempotency[idemKey(playerID, key)] = rec
		return nil
	})
}

func (h *handle) ReleaseIdempotency(ctx context.Context, playerID, key string) error {
	return h.with(func(st *state) error {
		delete(st.idempotency, idemKey(playerID, key))
		return nil
	})
}
