package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"squadwars/internal/cache"
	"squadwars/internal/game"
	"squadwars/internal/store"
)

// PlayerSession is the live aggregate for one player. Each sub-state is its
// own cache entity with its own pending buffer; all of them derive from one
// shared document entity so a single load refreshes everything.
type PlayerSession struct {
	ID string

	doc        *cache.Entity[game.Player]
	inventory  *cache.Entity[game.Inventory]
	scalars    *cache.Entity[game.Scalars]
	protection *cache.Entity[int64]
	keepAlive  *cache.Entity[int64]

	lastUsed atomic.Int64
}

func newPlayerSession(id string, st store.Players) *PlayerSession {
	s := &PlayerSession{ID: id}
	s.doc = cache.New(func(ctx context.Context) (game.Player, int64, error) {
		p, err := st.LoadPlayer(ctx, id)
		return p, p.Version, err
	}, game.Player.Clone)
	s.inventory = cache.New(func(ctx context.Context) (game.Inventory, int64, error) {
		p, err := s.doc.ReadForUpdate(ctx)
		return p.Inventory, p.Version, err
	}, nil)
	s.scalars = cache.New(func(ctx context.Context) (game.Scalars, int64, error) {
		p, err := s.doc.ReadForUpdate(ctx)
		return p.Scalars, p.Version, err
	}, nil)
	s.protection = cache.New(func(ctx context.Context) (int64, int64, error) {
		p, err := s.doc.ReadForUpdate(ctx)
		return p.ProtectedUntil, p.Version, err
	}, nil)
	s.keepAlive = cache.New(func(ctx context.Context) (int64, int64, error) {
		p, err := s.doc.ReadForUpdate(ctx)
		return p.KeepAlive, p.Version, err
	}, nil)
	return s
}

// Profile returns the player document as last loaded from the store.
func (s *PlayerSession) Profile(ctx context.Context) (game.Player, error) {
	return s.doc.ReadForUpdate(ctx)
}

func (s *PlayerSession) Inventory(ctx context.Context) (game.Inventory, error) {
	return s.inventory.Read(ctx)
}

func (s *PlayerSession) SpendCredits(ctx context.Context, amount int64) error {
	inv, err := s.inventory.ForWriting(ctx)
	if err != nil {
		return err
	}
	if inv.Credits < amount {
		return fmt.Errorf("%w: have %d need %d", game.ErrInsufficientCredits, inv.Credits, amount)
	}
	inv.Credits -= amount
	return nil
}

func (s *PlayerSession) Scalars(ctx context.Context) (game.Scalars, error) {
	return s.scalars.Read(ctx)
}

func (s *PlayerSession) UpdateScalars(ctx context.Context, fn func(sc *game.Scalars)) error {
	sc, err := s.scalars.ForWriting(ctx)
	if err != nil {
		return err
	}
	fn(sc)
	return nil
}

func (s *PlayerSession) ProtectedUntil(ctx context.Context) (int64, error) {
	return s.protection.Read(ctx)
}

func (s *PlayerSession) ClearProtection() {
	s.protection.SetForSaving(0)
}

func (s *PlayerSession) SetProtection(until int64) {
	s.protection.SetForSaving(until)
}

// Touch records activity at now; it is persisted with the next save.
func (s *PlayerSession) Touch(now int64) {
	s.keepAlive.SetForSaving(now)
}

func (s *PlayerSession) NeedsSaving() bool {
	return s.inventory.NeedsSaving() || s.scalars.NeedsSaving() ||
		s.protection.NeedsSaving() || s.keepAlive.NeedsSaving()
}

// PendingUpdate collects every sub-state with a pending buffer. The returned
// version is the oldest one any buffer was derived from.
func (s *PlayerSession) PendingUpdate() (store.PlayerUpdate, int64, error) {
	var (
		upd     store.PlayerUpdate
		version int64
	)
	take := func(v int64) {
		if v == 0 {
			return
		}
		if version == 0 || v < version {
			version = v
		}
	}
	if s.inventory.NeedsSaving() {
		inv, v, err := s.inventory.ForSaving()
		if err != nil {
			return upd, 0, err
		}
		upd.Inventory = &inv
		take(v)
	}
	if s.scalars.NeedsSaving() {
		sc, v, err := s.scalars.ForSaving()
		if err != nil {
			return upd, 0, err
		}
		upd.Scalars = &sc
		take(v)
	}
	if s.protection.NeedsSaving() {
		p, v, err := s.protection.ForSaving()
		if err != nil {
			return upd, 0, err
		}
		upd.ProtectedUntil = &p
		take(v)
	}
	if s.keepAlive.NeedsSaving() {
		k, v, err := s.keepAlive.ForSaving()
		if err != nil {
			return upd, 0, err
		}
		upd.KeepAlive = &k
		take(v)
	}
	return upd, version, nil
}

// SaveTx writes the pending sub-states inside tx, conditioned on the version
// they were derived from. It never loads through the session, so it is safe to
// call while the store holds a transaction open.
func (s *PlayerSession) SaveTx(ctx context.Context, tx store.Players) error {
	upd, version, err := s.PendingUpdate()
	if err != nil {
		return err
	}
	if upd.Empty() {
		return nil
	}
	if version == 0 {
		version = s.doc.Version()
	}
	if _, err := tx.SavePlayer(ctx, s.ID, version, upd); err != nil {
		return fmt.Errorf("save player session %s: %w", s.ID, err)
	}
	return nil
}

// DoneSave drops the flushed buffers and forces every sub-state to reload.
func (s *PlayerSession) DoneSave() {
	s.doc.MarkDirty()
	s.inventory.MarkSaved()
	s.scalars.MarkSaved()
	s.protection.MarkSaved()
	s.keepAlive.MarkSaved()
}

// Abandon discards pending writes after a failed transaction.
func (s *PlayerSession) Abandon() {
	s.inventory.Discard()
	s.scalars.Discard()
	s.protection.Discard()
	s.keepAlive.Discard()
	s.MarkDirty()
}

func (s *PlayerSession) MarkDirty() {
	s.doc.MarkDirty()
	s.inventory.MarkDirty()
	s.scalars.MarkDirty()
	s.protection.MarkDirty()
	s.keepAlive.MarkDirty()
}
