package pvp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"squadwars/internal/catalog"
	"squadwars/internal/game"
	"squadwars/internal/retry"
	"squadwars/internal/session"
	"squadwars/internal/store"
	"squadwars/internal/store/memstore"
)

const now = int64(1_700_000_000)

func rebel(id string, credits int64) game.Player {
	return game.Player{
		ID:        id,
		Name:      "rebel " + id,
		Faction:   game.FactionRebel,
		HQLevel:   5,
		Inventory: game.Inventory{Credits: credits},
		Scalars:   game.Scalars{XP: 1000},
	}
}

func empire(id string) game.Player {
	return game.Player{
		ID:      id,
		Name:    "empire " + id,
		Faction: game.FactionEmpire,
		HQLevel: 5,
		Scalars: game.Scalars{XP: 1000},
		BaseMap: game.BaseMap{Planet: "hoth"},
	}
}

func newTestMatchmaker(t *testing.T, players ...game.Player) (*Matchmaker, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	for _, p := range players {
		st.PutPlayer(p)
	}
	return matchmakerOn(st), st
}

func matchmakerOn(st store.Store) *Matchmaker {
	opts := DefaultOptions()
	opts.Retry = retry.Policy{MaxAttempts: 2}
	return NewMatchmaker(session.NewManager(st, nil), catalog.NewStatic(100, 0, 10), opts, nil)
}

// fixedSample always offers the same snapshot, however stale it is.
type fixedSample struct {
	*memstore.Store
	offer game.Player
}

func (f fixedSample) SampleOpponent(ctx context.Context, q store.OpponentQuery) (game.Player, bool, error) {
	return f.offer, true, nil
}

func TestFindOpponentLocksTargetAndCharges(t *testing.T) {
	a := rebel("a1", 1000)
	a.ProtectedUntil = now + 3600
	m, st := newTestMatchmaker(t, a, empire("d1"))

	match, found, err := m.FindOpponent(context.Background(), "a1", nil, now)
	if err != nil || !found {
		t.Fatalf("find: found=%v err=%v", found, err)
	}
	if match.DefenderID != "d1" || match.CreditsCharged != 100 || match.Revenge || match.DevBase {
		t.Fatalf("unexpected match %+v", match)
	}

	attacker, _ := st.Player("a1")
	if attacker.Inventory.Credits != 900 {
		t.Fatalf("got %d credits want 900", attacker.Inventory.Credits)
	}
	if attacker.ProtectedUntil != 0 {
		t.Fatalf("protection not dropped: %d", attacker.ProtectedUntil)
	}
	if attacker.CurrentPvpAttack == nil || attacker.CurrentPvpAttack.PlayerID != "d1" {
		t.Fatalf("attack lock %+v", attacker.CurrentPvpAttack)
	}
	wantExp := now + m.opts.Countdown + m.opts.LockBuffer
	if attacker.CurrentPvpAttack.Expiration != wantExp {
		t.Fatalf("got expiration %d want %d", attacker.CurrentPvpAttack.Expiration, wantExp)
	}
	defender, _ := st.Player("d1")
	if defender.CurrentPvpDefence == nil || defender.CurrentPvpDefence.BattleID != match.BattleID {
		t.Fatalf("defence lock %+v", defender.CurrentPvpDefence)
	}
}

func TestFindOpponentFilters(t *testing.T) {
	protected := empire("protected")
	protected.ProtectedUntil = now + 10
	online := empire("online")
	online.KeepAlive = now - 5
	weak := empire("weak")
	weak.HQLevel = 1
	weak.Scalars.XP = 10
	defending := empire("defending")
	defending.CurrentPvpDefence = &game.PvpLock{PlayerID: "x", BattleID: "b", Expiration: now + 60}

	m, _ := newTestMatchmaker(t, rebel("a1", 1000), rebel("ally", 0), protected, online, weak, defending, empire("excluded"))

	_, found, err := m.FindOpponent(context.Background(), "a1", []string{"excluded"}, now)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found {
		t.Fatalf("no candidate should pass the filters")
	}
}

func TestFindOpponentRejectsPoorRequester(t *testing.T) {
	m, st := newTestMatchmaker(t, rebel("a1", 50), empire("d1"))
	_, _, err := m.FindOpponent(context.Background(), "a1", nil, now)
	if !errors.Is(err, game.ErrInsufficientCredits) {
		t.Fatalf("got %v want ErrInsufficientCredits", err)
	}
	d, _ := st.Player("d1")
	if d.CurrentPvpDefence != nil {
		t.Fatalf("rejected requester must not lock anyone")
	}
}

func TestConcurrentAttackersGetExclusiveTarget(t *testing.T) {
	players := []game.Player{empire("d1")}
	for i := 0; i < 8; i++ {
		players = append(players, rebel(fmt.Sprintf("a%d", i), 1000))
	}
	m, st := newTestMatchmaker(t, players...)

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, found, err := m.FindOpponent(context.Background(), id, nil, now)
			if err != nil {
				t.Errorf("%s: %v", id, err)
				return
			}
			if found {
				wins.Add(1)
			}
		}(fmt.Sprintf("a%d", i))
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("got %d winners want 1", wins.Load())
	}
	locked := 0
	for i := 0; i < 8; i++ {
		p, _ := st.Player(fmt.Sprintf("a%d", i))
		if p.CurrentPvpAttack != nil {
			locked++
		}
	}
	if locked != 1 {
		t.Fatalf("got %d attack locks on d1 want 1", locked)
	}
}

func TestRematchReleasesPreviousTarget(t *testing.T) {
	m, st := newTestMatchmaker(t, rebel("a1", 1000), empire("d1"))
	first, found, err := m.FindOpponent(context.Background(), "a1", nil, now)
	if err != nil || !found {
		t.Fatalf("first find: found=%v err=%v", found, err)
	}
	st.PutPlayer(empire("d2"))

	second, found, err := m.FindOpponent(context.Background(), "a1", []string{first.DefenderID}, now)
	if err != nil || !found {
		t.Fatalf("second find: found=%v err=%v", found, err)
	}
	if second.DefenderID != "d2" {
		t.Fatalf("got defender %s want d2", second.DefenderID)
	}
	d1, _ := st.Player("d1")
	if d1.CurrentPvpDefence != nil {
		t.Fatalf("old target still locked: %+v", d1.CurrentPvpDefence)
	}
	a, _ := st.Player("a1")
	if a.Inventory.Credits != 800 {
		t.Fatalf("got %d credits want 800", a.Inventory.Credits)
	}
}

func TestExpiredDefenceLockIsReclaimed(t *testing.T) {
	stale := rebel("stale", 0)
	stale.CurrentPvpAttack = &game.PvpLock{PlayerID: "d1", BattleID: "old", Expiration: now - 100}
	d := empire("d1")
	d.CurrentPvpDefence = &game.PvpLock{PlayerID: "stale", BattleID: "old", Expiration: now - 100}
	m, st := newTestMatchmaker(t, rebel("a1", 1000), stale, d)

	if _, found, err := m.FindOpponent(context.Background(), "a1", nil, now); err != nil || !found {
		t.Fatalf("find: found=%v err=%v", found, err)
	}
	s, _ := st.Player("stale")
	if s.CurrentPvpAttack != nil {
		t.Fatalf("stale attacker lock not cleared: %+v", s.CurrentPvpAttack)
	}
}

func TestFindOpponentRetriesTransientFailure(t *testing.T) {
	m, st := newTestMatchmaker(t, rebel("a1", 1000), empire("d1"))
	if _, err := m.sessions.Player(context.Background(), "a1"); err != nil {
		t.Fatalf("warm session: %v", err)
	}
	st.FailNext(1)

	if _, found, err := m.FindOpponent(context.Background(), "a1", nil, now); err != nil || !found {
		t.Fatalf("find after transient fault: found=%v err=%v", found, err)
	}
}

func TestRevengeIgnoresFactionAndWindow(t *testing.T) {
	target := rebel("t1", 0)
	target.HQLevel = 1
	target.Scalars.XP = 1
	m, st := newTestMatchmaker(t, rebel("a1", 0), target)

	match, found, err := m.FindRevengeOpponent(context.Background(), "a1", "t1", now)
	if err != nil || !found {
		t.Fatalf("revenge: found=%v err=%v", found, err)
	}
	if !match.Revenge || match.CreditsCharged != 0 {
		t.Fatalf("unexpected revenge match %+v", match)
	}

	p := empire("p1")
	p.ProtectedUntil = now + 100
	st.PutPlayer(p)
	if _, found, _ := m.FindRevengeOpponent(context.Background(), "a1", "p1", now); found {
		t.Fatalf("protected player should not be revenge target")
	}
}

func TestDevBaseSkipsDefenceLocking(t *testing.T) {
	m, st := newTestMatchmaker(t, rebel("a1", 1000), rebel("a2", 1000))
	ok, err := m.SeedDevBase(context.Background(), game.DevBase{ID: "dev1", HQ: 5, XP: 1000, Checksum: "c1"}, now)
	if err != nil || !ok {
		t.Fatalf("seed: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.SeedDevBase(context.Background(), game.DevBase{HQ: 5, XP: 1000, Checksum: "c1"}, now); ok {
		t.Fatalf("duplicate checksum should not insert")
	}

	for _, id := range []string{"a1", "a2"} {
		match, found, err := m.FindDevBase(context.Background(), id, nil, now)
		if err != nil || !found {
			t.Fatalf("%s dev base: found=%v err=%v", id, found, err)
		}
		if !match.DevBase || match.DefenderFaction != game.FactionEmpire {
			t.Fatalf("unexpected dev base match %+v", match)
		}
	}
	a, _ := st.Player("a1")
	if a.CurrentPvpAttack == nil || !a.CurrentPvpAttack.DevBase {
		t.Fatalf("attack lock %+v", a.CurrentPvpAttack)
	}
	if _, found, _ := m.FindDevBase(context.Background(), "a1", []string{"dev1"}, now); found {
		t.Fatalf("seen dev base returned")
	}
}

func TestReleaseAndBattleStart(t *testing.T) {
	m, st := newTestMatchmaker(t, rebel("a1", 1000), empire("d1"))
	match, _, err := m.FindOpponent(context.Background(), "a1", nil, now)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	exp, err := m.BattleStart(context.Background(), "a1", match.BattleID, now+20)
	if err != nil {
		t.Fatalf("battle start: %v", err)
	}
	d, _ := st.Player("d1")
	if d.CurrentPvpDefence == nil || d.CurrentPvpDefence.Expiration != exp {
		t.Fatalf("defence lock not extended: %+v", d.CurrentPvpDefence)
	}
	if _, err := m.BattleStart(context.Background(), "a1", "other", now); !errors.Is(err, game.ErrNotModified) {
		t.Fatalf("got %v want ErrNotModified", err)
	}

	released, err := m.ReleaseTarget(context.Background(), "a1")
	if err != nil || !released {
		t.Fatalf("release: released=%v err=%v", released, err)
	}
	a, _ := st.Player("a1")
	d, _ = st.Player("d1")
	if a.CurrentPvpAttack != nil || d.CurrentPvpDefence != nil {
		t.Fatalf("locks remain: %+v %+v", a.CurrentPvpAttack, d.CurrentPvpDefence)
	}
	if released, _ := m.ReleaseTarget(context.Background(), "a1"); released {
		t.Fatalf("second release should report nothing released")
	}
}

func TestSearchWithoutNewTargetStillDropsPreviousLocks(t *testing.T) {
	held := func(st *memstore.Store) {
		a := rebel("a1", 1000)
		a.CurrentPvpAttack = &game.PvpLock{PlayerID: "d1", BattleID: "b0", Expiration: now + 30}
		d := empire("d1")
		d.CurrentPvpDefence = &game.PvpLock{PlayerID: "a1", BattleID: "b0", Expiration: now + 30}
		st.PutPlayer(a)
		st.PutPlayer(d)
	}

	cases := []struct {
		name   string
		wrap   func(st *memstore.Store) store.Store
		search func(m *Matchmaker) (bool, error)
	}{
		{
			name: "no candidate",
			wrap: func(st *memstore.Store) store.Store { return st },
			search: func(m *Matchmaker) (bool, error) {
				_, found, err := m.FindOpponent(context.Background(), "a1", []string{"d1"}, now+1)
				return found, err
			},
		},
		{
			name: "claim lost to another attacker",
			wrap: func(st *memstore.Store) store.Store {
				taken := empire("d2")
				taken.CurrentPvpDefence = &game.PvpLock{PlayerID: "x1", BattleID: "bx", Expiration: now + 30}
				st.PutPlayer(taken)
				return fixedSample{Store: st, offer: empire("d2")}
			},
			search: func(m *Matchmaker) (bool, error) {
				_, found, err := m.FindOpponent(context.Background(), "a1", []string{"d1"}, now+1)
				return found, err
			},
		},
		{
			name: "empty dev base pool",
			wrap: func(st *memstore.Store) store.Store { return st },
			search: func(m *Matchmaker) (bool, error) {
				_, found, err := m.FindDevBase(context.Background(), "a1", nil, now+1)
				return found, err
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := memstore.New()
			held(mem)
			m := matchmakerOn(tc.wrap(mem))

			found, err := tc.search(m)
			if err != nil || found {
				t.Fatalf("search: found=%v err=%v", found, err)
			}
			a, _ := mem.Player("a1")
			d, _ := mem.Player("d1")
			if a.CurrentPvpAttack != nil {
				t.Fatalf("attack lock survived: %+v", a.CurrentPvpAttack)
			}
			if d.CurrentPvpDefence != nil {
				t.Fatalf("defence lock survived: %+v", d.CurrentPvpDefence)
			}
			if a.Inventory.Credits != 1000 {
				t.Fatalf("got %d credits want 1000", a.Inventory.Credits)
			}
			if d2, ok := mem.Player("d2"); ok && (d2.CurrentPvpDefence == nil || d2.CurrentPvpDefence.PlayerID != "x1") {
				t.Fatalf("other attacker's claim disturbed: %+v", d2.CurrentPvpDefence)
			}
		})
	}
}

func TestShareBaseUsesCallersOwnBase(t *testing.T) {
	a := rebel("a1", 0)
	a.HQLevel = 7
	a.BaseMap = game.BaseMap{Planet: "yavin", Buildings: []game.Building{{}}}
	m, _ := newTestMatchmaker(t, a, rebel("a2", 1000))

	base, created, err := m.ShareBase(context.Background(), "a1", now)
	if err != nil || !created {
		t.Fatalf("share: created=%v err=%v", created, err)
	}
	if base.HQ != 7 || base.Map.Planet != "yavin" || base.Checksum == "" {
		t.Fatalf("unexpected dev base %+v", base)
	}
	if _, created, _ := m.ShareBase(context.Background(), "a1", now+1); created {
		t.Fatalf("same layout shared twice")
	}
}
