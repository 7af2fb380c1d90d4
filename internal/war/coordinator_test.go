package war

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"squadwars/internal/game"
	"squadwars/internal/notify"
	"squadwars/internal/retry"
	"squadwars/internal/session"
	"squadwars/internal/store/memstore"
)

const matchedAt = int64(1_000_000)

var testDurations = game.WarDurations{PlayerPrep: 100, ServerPrep: 100, Play: 1000, Result: 100, Cooldown: 100}

// live is a moment inside the war's attack phase.
const live = matchedAt + 500

type fixture struct {
	st *memstore.Store
	c  *Coordinator
}

func trapMap() game.BaseMap {
	return game.BaseMap{Planet: "hoth", Buildings: []game.Building{
		{UID: "b1", Key: "hq", Type: "hq"},
		{UID: "b2", Key: "mine", Type: game.TrapBuildingType},
	}}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	for _, p := range []game.Player{
		{ID: "p1", Name: "Luke", Faction: game.FactionRebel, HQLevel: 5, GuildID: "g1", BaseMap: trapMap()},
		{ID: "p2", Name: "Leia", Faction: game.FactionRebel, HQLevel: 6, GuildID: "g1", BaseMap: trapMap()},
		{ID: "e1", Name: "Piett", Faction: game.FactionEmpire, HQLevel: 5, GuildID: "g2", BaseMap: trapMap()},
		{ID: "e2", Name: "Veers", Faction: game.FactionEmpire, HQLevel: 5, GuildID: "g2", BaseMap: trapMap()},
		{ID: "loner", Name: "Han", Faction: game.FactionRebel, HQLevel: 5},
	} {
		st.PutPlayer(p)
	}
	st.PutSquad(game.Squad{ID: "g1", Name: "Rogue", Faction: game.FactionRebel, Members: []game.SquadMember{
		{PlayerID: "p1", Name: "Luke", HQLevel: 5, Owner: true},
		{PlayerID: "p2", Name: "Leia", HQLevel: 6},
	}})
	st.PutSquad(game.Squad{ID: "g2", Name: "Blizzard", Faction: game.FactionEmpire, Members: []game.SquadMember{
		{PlayerID: "e1", Name: "Piett", HQLevel: 5, Owner: true},
		{PlayerID: "e2", Name: "Veers", HQLevel: 5},
	}})

	sessions := session.NewManager(st, nil)
	opts := DefaultOptions()
	opts.Durations = testDurations
	opts.Retry = retry.Policy{MaxAttempts: 2}
	return &fixture{st: st, c: NewCoordinator(sessions, notify.NewBus(sessions, nil, nil), opts, nil)}
}

// matched signs both guilds up and pairs them at matchedAt.
func (f *fixture) matched(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	if _, err := f.c.SignUp(ctx, "p1", []string{"p1", "p2", "BOT-1"}, false, matchedAt-10); err != nil {
		t.Fatalf("sign up g1: %v", err)
	}
	if _, err := f.c.SignUp(ctx, "e1", []string{"e1", "e2"}, false, matchedAt-5); err != nil {
		t.Fatalf("sign up g2: %v", err)
	}
	warID, ok, err := f.c.Matchmake(ctx, "g1", matchedAt)
	if err != nil || !ok {
		t.Fatalf("matchmake: ok=%v err=%v", ok, err)
	}
	return warID
}

func countType(t *testing.T, f *fixture, guildID string, typ game.NotificationType) int {
	t.Helper()
	ns, err := f.c.bus.FetchSince(context.Background(), guildID, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	n := 0
	for _, x := range ns {
		if x.Type == typ {
			n++
		}
	}
	return n
}

func TestSignUpSnapshotsArmedMaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.st.UpsertPlayerWarMaps(ctx, []game.PlayerWarMap{{PlayerID: "p2", Map: game.BaseMap{Planet: "yavin"}}}); err != nil {
		t.Fatalf("seed war map: %v", err)
	}

	s, err := f.c.SignUp(ctx, "p1", []string{"p2", "p1", "p1"}, true, 50)
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if len(s.Participants) != 2 || !s.SameFactionAllowed || s.Time != 50 {
		t.Fatalf("unexpected sign-up %+v", s)
	}
	for _, p := range s.Participants {
		switch p.PlayerID {
		case "p1":
			if !p.Map.Buildings[1].Armed {
				t.Fatalf("trap not armed in %+v", p.Map)
			}
		case "p2":
			if p.Map.Planet != "yavin" {
				t.Fatalf("expected last war map, got %+v", p.Map)
			}
		}
	}
	sq, _ := f.st.Squad("g1")
	if sq.WarSignUpTime != 50 {
		t.Fatalf("sign-up time %d", sq.WarSignUpTime)
	}
	for _, m := range sq.Members {
		if !m.WarParty {
			t.Fatalf("member %s not flagged for war", m.PlayerID)
		}
	}
	if countType(t, f, "g1", game.NotifyWarMatchmakingBegin) != 1 {
		t.Fatalf("expected one matchmaking notification")
	}
}

func TestSignUpRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name   string
		player string
		ids    []string
		want   error
	}{
		{"no guild", "loner", []string{"loner"}, game.ErrNotInGuild},
		{"empty party", "p1", nil, game.ErrEmptyWarParty},
		{"outsider", "p1", []string{"p1", "e1"}, game.ErrNotInGuild},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.c.SignUp(ctx, tc.player, tc.ids, false, 1); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
	if _, ok := f.st.SignUp("g1"); ok {
		t.Fatalf("rejected sign-up left a row behind")
	}
}

func TestSignUpIsExclusivePerGuild(t *testing.T) {
	f := newFixture(t)
	var (
		ok, dup atomic.Int32
		wg      sync.WaitGroup
	)
	for _, id := range []string{"p1", "p2", "p1", "p2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.c.SignUp(context.Background(), id, []string{"p1", "p2"}, false, 10)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, game.ErrAlreadySignedUp):
				dup.Add(1)
			default:
				t.Errorf("%s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	if ok.Load() != 1 || dup.Load() != 3 {
		t.Fatalf("got %d successes %d duplicates", ok.Load(), dup.Load())
	}
}

func TestCancelSignUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.c.CancelSignUp(ctx, "p1", 5); !errors.Is(err, game.ErrNotSignedUp) {
		t.Fatalf("got %v want ErrNotSignedUp", err)
	}
	if _, err := f.c.SignUp(ctx, "p1", []string{"p1"}, false, 10); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if err := f.c.CancelSignUp(ctx, "p2", 20); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	sq, _ := f.st.Squad("g1")
	if sq.WarSignUpTime != 0 || sq.Members[0].WarParty {
		t.Fatalf("war party not cleared: %+v", sq)
	}
	if countType(t, f, "g1", game.NotifyWarMatchmakingCancel) != 1 {
		t.Fatalf("expected one cancel notification")
	}
	if _, err := f.c.SignUp(ctx, "p1", []string{"p1"}, false, 30); err != nil {
		t.Fatalf("sign up again after cancel: %v", err)
	}
}

func TestMatchmakeCreatesWar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.c.SignUp(ctx, "p1", []string{"p1"}, false, 1); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, ok, err := f.c.Matchmake(ctx, "g1", 2); err != nil || ok {
		t.Fatalf("lonely matchmake: ok=%v err=%v", ok, err)
	}

	f2 := newFixture(t)
	warID := f2.matched(t)
	w, ok := f2.st.War(warID)
	if !ok {
		t.Fatalf("war %s not stored", warID)
	}
	if w.PrepGraceStart != matchedAt+100 || w.PrepEnd != matchedAt+200 ||
		w.ActionGraceStart != matchedAt+1200 || w.ActionEnd != matchedAt+1300 || w.CooldownEnd != matchedAt+1400 {
		t.Fatalf("bad schedule %+v", w)
	}
	if _, ok := f2.st.WarParticipant(warID, "BOT-1"); ok {
		t.Fatalf("bot got a participant row")
	}
	p, ok := f2.st.WarParticipant(warID, "e2")
	if !ok || p.Turns != game.StartingWarTurns || p.VictoryPoints != game.StartingVictoryPoints || p.GuildID != "g2" {
		t.Fatalf("participant %+v", p)
	}
	for _, g := range []string{"g1", "g2"} {
		sq, _ := f2.st.Squad(g)
		if sq.WarID != warID {
			t.Fatalf("%s war id %q", g, sq.WarID)
		}
		if _, ok := f2.st.SignUp(g); ok {
			t.Fatalf("%s sign-up not consumed", g)
		}
		if countType(t, f2, g, game.NotifyWarPrepared) != 1 {
			t.Fatalf("%s missing warPrepared", g)
		}
	}
	if _, _, err := f2.c.Matchmake(ctx, "g2", matchedAt); !errors.Is(err, game.ErrNotSignedUp) {
		t.Fatalf("got %v want ErrNotSignedUp", err)
	}
}

func TestMatchmakeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.c.SignUp(ctx, "p1", []string{"p1"}, false, 1); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := f.c.SignUp(ctx, "e1", []string{"e1"}, false, 2); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	n, err := f.c.MatchmakeAll(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("got %d wars err=%v want 1", n, err)
	}
}

func TestAttackStartRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.matched(t)

	if _, err := f.c.AttackStart(ctx, "p1", "e1", matchedAt+150); !errors.Is(err, game.ErrWarNotActive) {
		t.Fatalf("prep phase: got %v want ErrWarNotActive", err)
	}
	if _, err := f.c.AttackStart(ctx, "p1", "p2", live); !errors.Is(err, game.ErrNotWarParticipant) {
		t.Fatalf("own side: got %v want ErrNotWarParticipant", err)
	}
	if _, err := f.c.AttackStart(ctx, "loner", "e1", live); !errors.Is(err, game.ErrNotInGuild) {
		t.Fatalf("no guild: got %v want ErrNotInGuild", err)
	}

	d, err := f.c.AttackStart(ctx, "p1", "e1", live)
	if err != nil {
		t.Fatalf("attack: %v", err)
	}
	if d.Expiration != live+f.c.opts.AttackDuration {
		t.Fatalf("got expiration %d", d.Expiration)
	}
	if _, err := f.c.AttackStart(ctx, "p2", "e1", live+1); !errors.Is(err, game.ErrBaseUnderAttack) {
		t.Fatalf("got %v want ErrBaseUnderAttack", err)
	}
	a, _ := f.st.WarParticipant(d.WarID, "p1")
	if a.Turns != 2 || a.AttackBattleID != d.BattleID {
		t.Fatalf("attacker %+v", a)
	}
	if countType(t, f, "g2", game.NotifyWarPlayerAttackStart) != 1 {
		t.Fatalf("defending guild not told about the attack")
	}
}

func TestAttackStartIsExclusive(t *testing.T) {
	f := newFixture(t)
	warID := f.matched(t)

	var (
		wins, blocked atomic.Int32
		wg            sync.WaitGroup
	)
	for _, id := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.c.AttackStart(context.Background(), id, "e1", live)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, game.ErrBaseUnderAttack):
				blocked.Add(1)
			default:
				t.Errorf("%s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	if wins.Load() != 1 || blocked.Load() != 1 {
		t.Fatalf("got %d wins %d blocked", wins.Load(), blocked.Load())
	}
	p1, _ := f.st.WarParticipant(warID, "p1")
	p2, _ := f.st.WarParticipant(warID, "p2")
	if p1.Turns+p2.Turns != 2*game.StartingWarTurns-1 {
		t.Fatalf("loser's turn was spent: %d + %d", p1.Turns, p2.Turns)
	}
}

func TestTurnsNeverGoNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	warID := f.matched(t)

	for i := 0; i < game.StartingWarTurns; i++ {
		d, err := f.c.AttackStart(ctx, "p1", "e1", live+int64(i))
		if err != nil {
			t.Fatalf("attack %d: %v", i, err)
		}
		if _, err := f.c.AttackComplete(ctx, "p1", d.BattleID, 0, live+int64(i)); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if _, err := f.c.AttackStart(ctx, "p1", "e1", live+10); !errors.Is(err, game.ErrNotEnoughTurns) {
		t.Fatalf("got %v want ErrNotEnoughTurns", err)
	}
	a, _ := f.st.WarParticipant(warID, "p1")
	if a.Turns != 0 {
		t.Fatalf("got %d turns want 0", a.Turns)
	}
	d, _ := f.st.WarParticipant(warID, "e1")
	if d.DefenseBattleID != "" {
		t.Fatalf("defender claim not rolled back: %+v", d)
	}
}

func TestAttackCompleteScoresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	warID := f.matched(t)

	d, err := f.c.AttackStart(ctx, "p1", "e1", live)
	if err != nil {
		t.Fatalf("attack: %v", err)
	}
	if _, err := f.c.AttackComplete(ctx, "p2", d.BattleID, 2, live+60); !errors.Is(err, game.ErrNotModified) {
		t.Fatalf("wrong attacker: got %v want ErrNotModified", err)
	}
	if _, err := f.c.AttackComplete(ctx, "p1", d.BattleID, 4, live+60); !errors.Is(err, game.ErrInvalidStars) {
		t.Fatalf("got %v want ErrInvalidStars", err)
	}
	res, err := f.c.AttackComplete(ctx, "p1", d.BattleID, 2, live+60)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.VictoryPoints != 2 || res.DefenderPoints != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := f.c.AttackComplete(ctx, "p1", d.BattleID, 2, live+61); !errors.Is(err, game.ErrNotModified) {
		t.Fatalf("repeat: got %v want ErrNotModified", err)
	}
	if _, err := f.c.AttackComplete(ctx, "p1", "nope", 2, live+61); !errors.Is(err, game.ErrNotModified) {
		t.Fatalf("unknown battle: got %v want ErrNotModified", err)
	}

	a, _ := f.st.WarParticipant(warID, "p1")
	def, _ := f.st.WarParticipant(warID, "e1")
	if a.Score != 2 || a.AttackBattleID != "" || def.VictoryPoints != 1 || def.DefenseBattleID != "" {
		t.Fatalf("attacker %+v defender %+v", a, def)
	}

	// the second attacker takes the remaining point
	d2, err := f.c.AttackStart(ctx, "p2", "e1", live+100)
	if err != nil {
		t.Fatalf("second attack: %v", err)
	}
	res, err = f.c.AttackComplete(ctx, "p2", d2.BattleID, 3, live+150)
	if err != nil || res.VictoryPoints != 1 || res.DefenderPoints != 0 {
		t.Fatalf("second complete %+v err=%v", res, err)
	}
	if _, err := f.c.AttackStart(ctx, "p1", "e1", live+200); !errors.Is(err, game.ErrNoVictoryPoints) {
		t.Fatalf("got %v want ErrNoVictoryPoints", err)
	}
}

func TestExpiredDefenceIsReclaimedAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.matched(t)

	d, err := f.c.AttackStart(ctx, "p1", "e1", live)
	if err != nil {
		t.Fatalf("attack: %v", err)
	}
	if _, err := f.c.AttackStart(ctx, "p2", "e1", d.Expiration+1); !errors.Is(err, game.ErrBaseUnderAttack) {
		t.Fatalf("within grace: got %v want ErrBaseUnderAttack", err)
	}
	if _, err := f.c.AttackStart(ctx, "p2", "e1", d.Expiration+f.c.opts.LockGrace+1); err != nil {
		t.Fatalf("after grace: %v", err)
	}
}

func TestSettlementRunsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	warID := f.matched(t)

	d, err := f.c.AttackStart(ctx, "e1", "p1", live)
	if err != nil {
		t.Fatalf("attack: %v", err)
	}
	if _, err := f.c.AttackComplete(ctx, "e1", d.BattleID, 3, live+10); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if ok, err := f.c.ProcessWarEnd(ctx, warID, matchedAt+1299); err != nil || ok {
		t.Fatalf("early settle: ok=%v err=%v", ok, err)
	}

	end := matchedAt + 1300
	var (
		settled atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.c.ProcessWarEnd(context.Background(), warID, end)
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			if ok {
				settled.Add(1)
			}
		}()
	}
	wg.Wait()
	if settled.Load() != 1 {
		t.Fatalf("got %d settlements want 1", settled.Load())
	}

	w, _ := f.st.War(warID)
	if w.ProcessedEndTime != end || w.SquadAScore != 0 || w.SquadBScore != 3 {
		t.Fatalf("settled war %+v", w)
	}
	for _, g := range []string{"g1", "g2"} {
		if countType(t, f, g, game.NotifyWarEnded) != 1 {
			t.Fatalf("%s got wrong number of warEnded notifications", g)
		}
		sq, _ := f.st.Squad(g)
		if sq.WarSignUpTime != 0 || sq.WarID != warID {
			t.Fatalf("%s squad after war %+v", g, sq)
		}
	}
	if m, ok := f.st.WarMap("p1"); !ok || m.Time != end || !m.Map.Buildings[1].Armed {
		t.Fatalf("war map not kept: %+v ok=%v", m, ok)
	}

	got, err := f.c.ProcessGuildGet(ctx, "g1", end+50)
	if err != nil || got == nil || got.Phase(end+50) != game.PhaseSettled {
		t.Fatalf("guild get %+v err=%v", got, err)
	}
	if _, err := f.c.SignUp(ctx, "p1", []string{"p1"}, false, end+60); err != nil {
		t.Fatalf("sign up after war: %v", err)
	}
}

func TestProcessGuildGetSettlesLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	warID := f.matched(t)

	w, err := f.c.ProcessGuildGet(ctx, "g2", live)
	if err != nil || w == nil || w.ID != warID || w.ProcessedEndTime != 0 {
		t.Fatalf("mid-war guild get %+v err=%v", w, err)
	}
	w, err = f.c.ProcessGuildGet(ctx, "g2", matchedAt+2000)
	if err != nil || w.ProcessedEndTime != matchedAt+2000 {
		t.Fatalf("late guild get %+v err=%v", w, err)
	}

	hist, err := f.c.History(ctx, "g1")
	if err != nil || len(hist) != 1 {
		t.Fatalf("history %+v err=%v", hist, err)
	}
	ps, err := f.c.Participants(ctx, warID)
	if err != nil || len(ps) != 4 {
		t.Fatalf("participants %d err=%v", len(ps), err)
	}
	last, err := f.c.ProcessGuildGet(ctx, "g1", 0)
	if err != nil || last == nil {
		t.Fatalf("settled war should still be reported")
	}
}
