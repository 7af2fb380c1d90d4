package session

import (
	"context"
	"sync"
	"sync/atomic"

	"squadwars/internal/cache"
	"squadwars/internal/game"
	"squadwars/internal/store"
)

type GuildSession struct {
	ID string

	squad    *cache.Entity[game.Squad]
	lastUsed atomic.Int64
}

func newGuildSession(id string, st store.Squads) *GuildSession {
	return &GuildSession{
		ID: id,
		squad: cache.New(func(ctx context.Context) (game.Squad, int64, error) {
			sq, err := st.LoadSquad(ctx, id)
			return sq, sq.Version, err
		}, game.Squad.Clone),
	}
}

func (g *GuildSession) Squad(ctx context.Context) (game.Squad, error) {
	return g.squad.ReadForUpdate(ctx)
}

// Refresh rereads the squad document. Other processes may have changed it.
func (g *GuildSession) Refresh(ctx context.Context) (game.Squad, error) {
	g.squad.MarkDirty()
	return g.squad.ReadForUpdate(ctx)
}

func (g *GuildSession) Name(ctx context.Context) (string, error) {
	sq, err := g.squad.ReadForUpdate(ctx)
	return sq.Name, err
}

func (g *GuildSession) WarID(ctx context.Context) (string, error) {
	sq, err := g.squad.ReadForUpdate(ctx)
	return sq.WarID, err
}

func (g *GuildSession) MarkDirty() {
	g.squad.MarkDirty()
}

type WarSession struct {
	ID string

	war      *cache.Entity[game.War]
	settleMu sync.Mutex
	lastUsed atomic.Int64
}

func newWarSession(id string, st store.Wars) *WarSession {
	return &WarSession{
		ID: id,
		war: cache.New(func(ctx context.Context) (game.War, int64, error) {
			w, err := st.LoadWar(ctx, id)
			return w, w.ProcessedEndTime, err
		}, game.War.Clone),
	}
}

func (w *WarSession) War(ctx context.Context) (game.War, error) {
	return w.war.ReadForUpdate(ctx)
}

// Reload forces a fresh read of the war document.
func (w *WarSession) Reload(ctx context.Context) (game.War, error) {
	w.war.MarkDirty()
	return w.war.ReadForUpdate(ctx)
}

// WithSettlement serializes settlement attempts for this war within the
// process.
func (w *WarSession) WithSettlement(fn func() error) error {
	w.settleMu.Lock()
	defer w.settleMu.Unlock()
	return fn()
}

func (w *WarSession) MarkDirty() {
	w.war.MarkDirty()
}
