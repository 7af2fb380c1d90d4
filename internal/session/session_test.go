package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"squadwars/internal/game"
	"squadwars/internal/store"
	"squadwars/internal/store/memstore"
)

func newTestManager(t *testing.T) (*Manager, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	st.PutPlayer(game.Player{ID: "p1", Name: "Rook", Faction: game.FactionRebel, Inventory: game.Inventory{Credits: 500}})
	st.PutSquad(game.Squad{ID: "g1", Name: "Rogue", Icon: "x-wing", Faction: game.FactionRebel})
	return NewManager(st, nil), st
}

func TestPlayerSessionIsSharedAndMissingIsNotRegistered(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	a, err := m.Player(ctx, "p1")
	if err != nil {
		t.Fatalf("player: %v", err)
	}
	b, err := m.Player(ctx, "p1")
	if err != nil {
		t.Fatalf("player: %v", err)
	}
	if a != b {
		t.Fatalf("expected one live session per player")
	}

	if _, err := m.Player(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
	if players, _, _ := m.counts(); players != 1 {
		t.Fatalf("got %d live players want 1", players)
	}
}

func TestSpendCreditsSavesOnlyPendingSubState(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	s, err := m.Player(ctx, "p1")
	if err != nil {
		t.Fatalf("player: %v", err)
	}

	if err := s.SpendCredits(ctx, 200); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if err := s.SpendCredits(ctx, 1000); !errors.Is(err, game.ErrInsufficientCredits) {
		t.Fatalf("got %v want ErrInsufficientCredits", err)
	}
	upd, _, err := s.PendingUpdate()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if upd.Inventory == nil || upd.Scalars != nil || upd.ProtectedUntil != nil {
		t.Fatalf("unexpected pending update %+v", upd)
	}

	if err := m.SavePlayer(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	stored, _ := st.Player("p1")
	if stored.Inventory.Credits != 300 {
		t.Fatalf("got %d credits want 300", stored.Inventory.Credits)
	}
	if s.NeedsSaving() {
		t.Fatalf("session still pending after save")
	}
	inv, err := s.Inventory(ctx)
	if err != nil || inv.Credits != 300 {
		t.Fatalf("reloaded inventory %+v err=%v", inv, err)
	}
}

func TestStaleSessionWriteIsRejected(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	s, err := m.Player(ctx, "p1")
	if err != nil {
		t.Fatalf("player: %v", err)
	}
	if _, err := s.Inventory(ctx); err != nil {
		t.Fatalf("inventory: %v", err)
	}

	p, _ := st.Player("p1")
	other := game.Inventory{Credits: 1}
	if _, err := st.SavePlayer(ctx, "p1", p.Version, store.PlayerUpdate{Inventory: &other}); err != nil {
		t.Fatalf("external write: %v", err)
	}

	if err := s.SpendCredits(ctx, 100); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if err := m.SavePlayer(ctx, s); !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("got %v want ErrStaleWrite", err)
	}
	if s.NeedsSaving() {
		t.Fatalf("failed save should abandon pending writes")
	}
	inv, _ := s.Inventory(ctx)
	if inv.Credits != 1 {
		t.Fatalf("got %d credits want 1 after reload", inv.Credits)
	}
}

func TestMarkPlayerDirtyReloads(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	s, _ := m.Player(ctx, "p1")

	if err := st.SetPvpAttack(ctx, "p1", game.PvpLock{PlayerID: "t", BattleID: "b"}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	p, _ := s.Profile(ctx)
	if p.CurrentPvpAttack != nil {
		t.Fatalf("expected cached profile before invalidation")
	}
	m.MarkPlayerDirty("p1")
	p, _ = s.Profile(ctx)
	if p.CurrentPvpAttack == nil || p.CurrentPvpAttack.BattleID != "b" {
		t.Fatalf("expected reloaded lock, got %+v", p.CurrentPvpAttack)
	}
}

func TestGuildSessionRefreshSeesExternalWrites(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	g, err := m.Guild(ctx, "g1")
	if err != nil {
		t.Fatalf("guild: %v", err)
	}
	if err := st.SetSquadWarID(ctx, "g1", "w1"); err != nil {
		t.Fatalf("set war id: %v", err)
	}
	if id, _ := g.WarID(ctx); id != "" {
		t.Fatalf("expected cached squad, got war id %q", id)
	}
	sq, err := g.Refresh(ctx)
	if err != nil || sq.WarID != "w1" {
		t.Fatalf("refresh got %+v err=%v", sq, err)
	}

	if _, err := m.Guild(ctx, ""); !errors.Is(err, game.ErrNotInGuild) {
		t.Fatalf("got %v want ErrNotInGuild", err)
	}
}

func TestGuildSummariesUsesLiveSessions(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)
	st.PutSquad(game.Squad{ID: "g2", Name: "Vader's Fist", Icon: "tie"})
	if _, err := m.Guild(ctx, "g1"); err != nil {
		t.Fatalf("guild: %v", err)
	}

	got, err := m.GuildSummaries(ctx, []string{"g1", "g2", "g1", "", "unknown"})
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if got["g1"].Name != "Rogue" || got["g2"].Icon != "tie" {
		t.Fatalf("unexpected summaries %+v", got)
	}
	if _, ok := got["unknown"]; ok {
		t.Fatalf("unknown guild should be absent")
	}
}

func TestLocksSerializePerKey(t *testing.T) {
	l := NewLocks()
	var (
		inside atomic.Int32
		peak   atomic.Int32
		wg     sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do("guild:g1", func() error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("got %d concurrent holders want 1", peak.Load())
	}
	if l.size() != 0 {
		t.Fatalf("lock entries leaked: %d", l.size())
	}
}

func TestDoAllOrdersKeys(t *testing.T) {
	l := NewLocks()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		keys := []string{"a", "b"}
		if i%2 == 1 {
			keys = []string{"b", "a", "b"}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.DoAll(keys, func() error { return nil })
		}()
	}
	wg.Wait()
	if l.size() != 0 {
		t.Fatalf("lock entries leaked: %d", l.size())
	}
}

func TestEvictDropsIdleSessions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	clock := time.Unix(1_000, 0)
	m.now = func() time.Time { return clock }

	if _, err := m.Player(ctx, "p1"); err != nil {
		t.Fatalf("player: %v", err)
	}
	if _, err := m.Guild(ctx, "g1"); err != nil {
		t.Fatalf("guild: %v", err)
	}
	clock = clock.Add(10 * time.Minute)
	if n := m.Evict(time.Hour); n != 0 {
		t.Fatalf("evicted %d fresh sessions", n)
	}
	clock = clock.Add(2 * time.Hour)
	if n := m.Evict(time.Hour); n != 2 {
		t.Fatalf("got %d evictions want 2", n)
	}
}
