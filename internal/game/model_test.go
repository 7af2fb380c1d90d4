package game

import "testing"

func TestVictoryPointsEarned(t *testing.T) {
	tests := []struct {
		remaining int
		stars     int
		want      int
	}{
		{remaining: 3, stars: 0, want: 0},
		{remaining: 3, stars: 1, want: 1},
		{remaining: 3, stars: 3, want: 3},
		{remaining: 2, stars: 1, want: 0},
		{remaining: 2, stars: 3, want: 2},
		{remaining: 1, stars: 3, want: 1},
		{remaining: 1, stars: 1, want: 0},
	}
	for _, tc := range tests {
		got := VictoryPointsEarned(tc.remaining, tc.stars)
		if got != tc.want {
			t.Fatalf("remaining=%d stars=%d got=%d want=%d", tc.remaining, tc.stars, got, tc.want)
		}
	}
}

func TestWithinMatchWindow(t *testing.T) {
	tests := []struct {
		hq, xp int
		want   bool
	}{
		{hq: 5, xp: 0, want: true},
		{hq: 4, xp: 0, want: true},
		{hq: 6, xp: 0, want: true},
		{hq: 7, xp: 0, want: false},
		{hq: 9, xp: 900, want: true},
		{hq: 9, xp: 1100, want: true},
		{hq: 9, xp: 1101, want: false},
		{hq: 2, xp: 899, want: false},
	}
	for _, tc := range tests {
		got := WithinMatchWindow(5, 1000, tc.hq, tc.xp)
		if got != tc.want {
			t.Fatalf("hq=%d xp=%d got=%v want=%v", tc.hq, tc.xp, got, tc.want)
		}
	}
}

func TestWarPhase(t *testing.T) {
	var w War
	WarDurations{PlayerPrep: 10, ServerPrep: 5, Play: 100, Result: 20, Cooldown: 50}.Schedule(&w, 1000)

	if w.PrepGraceStart != 1010 || w.PrepEnd != 1015 || w.ActionGraceStart != 1115 || w.ActionEnd != 1135 || w.CooldownEnd != 1185 {
		t.Fatalf("unexpected schedule: %+v", w)
	}

	tests := []struct {
		now  int64
		want WarPhase
	}{
		{now: 1000, want: PhaseMatched},
		{now: 1010, want: PhasePrepGrace},
		{now: 1015, want: PhaseLive},
		{now: 1114, want: PhaseLive},
		{now: 1115, want: PhaseActionGrace},
		{now: 5000, want: PhaseActionGrace},
	}
	for _, tc := range tests {
		if got := w.Phase(tc.now); got != tc.want {
			t.Fatalf("now=%d got=%s want=%s", tc.now, got, tc.want)
		}
	}
	if w.NeedsSettlement(1134) {
		t.Fatalf("expected no settlement before action end")
	}
	if !w.NeedsSettlement(1135) {
		t.Fatalf("expected settlement at action end")
	}

	w.ProcessedEndTime = 1200
	if w.Phase(1200) != PhaseSettled || w.NeedsSettlement(1200) {
		t.Fatalf("expected settled war")
	}
}

func TestArmTrapsDoesNotTouchOriginal(t *testing.T) {
	m := BaseMap{Buildings: []Building{{UID: "a", Type: TrapBuildingType}, {UID: "b", Type: "wall"}}}
	armed := m.ArmTraps()
	if !armed.Buildings[0].Armed || armed.Buildings[1].Armed {
		t.Fatalf("unexpected armed state: %+v", armed.Buildings)
	}
	if m.Buildings[0].Armed {
		t.Fatalf("original map mutated")
	}
}

func TestIsBotParticipant(t *testing.T) {
	if !IsBotParticipant("BOT_17") || IsBotParticipant("player-1") {
		t.Fatalf("bot detection mismatch")
	}
}
