package game

type WarPhase string

const (
	PhaseMatched     WarPhase = "matched"
	PhasePrepGrace   WarPhase = "prep_grace"
	PhaseLive        WarPhase = "live"
	PhaseActionGrace WarPhase = "action_grace"
	PhaseSettled     WarPhase = "settled"
)

type War struct {
	ID               string   `json:"id"`
	SquadIDA         string   `json:"squad_id_a"`
	SquadIDB         string   `json:"squad_id_b"`
	ParticipantsA    []string `json:"participants_a"`
	ParticipantsB    []string `json:"participants_b"`
	MatchedTime      int64    `json:"matched_time"`
	PrepGraceStart   int64    `json:"prep_grace_start"`
	PrepEnd          int64    `json:"prep_end"`
	ActionGraceStart int64    `json:"action_grace_start"`
	ActionEnd        int64    `json:"action_end"`
	CooldownEnd      int64    `json:"cooldown_end"`
	ProcessedEndTime int64    `json:"processed_end_time"`
	SquadAScore      int      `json:"squad_a_score"`
	SquadBScore      int      `json:"squad_b_score"`
}

func (w War) Clone() War {
	out := w
	out.ParticipantsA = append([]string(nil), w.ParticipantsA...)
	out.ParticipantsB = append([]string(nil), w.ParticipantsB...)
	return out
}

// Phase derives the war's phase from its stored timestamps. A war past its
// action end stays in action grace until settlement runs.
func (w War) Phase(now int64) WarPhase {
	switch {
	case w.ProcessedEndTime != 0:
		return PhaseSettled
	case now < w.PrepGraceStart:
		return PhaseMatched
	case now < w.PrepEnd:
		return PhasePrepGrace
	case now < w.ActionGraceStart:
		return PhaseLive
	default:
		return PhaseActionGrace
	}
}

func (w War) NeedsSettlement(now int64) bool {
	return w.ProcessedEndTime == 0 && now >= w.ActionEnd
}

func (w War) Involves(guildID string) bool {
	return guildID != "" && (w.SquadIDA == guildID || w.SquadIDB == guildID)
}

// OpponentOf returns the other guild of the war and its participant ids.
func (w War) OpponentOf(guildID string) (string, []string) {
	if guildID == w.SquadIDA {
		return w.SquadIDB, w.ParticipantsB
	}
	return w.SquadIDA, w.ParticipantsA
}

type WarDurations struct {
	PlayerPrep int64
	ServerPrep int64
	Play       int64
	Result     int64
	Cooldown   int64
}

// Schedule lays the phase boundaries out as cumulative sums from matched.
func (d WarDurations) Schedule(w *War, matched int64) {
	w.MatchedTime = matched
	w.PrepGraceStart = matched + d.PlayerPrep
	w.PrepEnd = w.PrepGraceStart + d.ServerPrep
	w.ActionGraceStart = w.PrepEnd + d.Play
	w.ActionEnd = w.ActionGraceStart + d.Result
	w.CooldownEnd = w.ActionEnd + d.Cooldown
}
