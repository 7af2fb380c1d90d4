package game

import (
	"errors"
	"strings"
)

const (
	StartingWarTurns         = 3
	StartingVictoryPoints    = 3
	MaxStars                 = 3
	BotParticipantMarker     = "BOT"
	TrapBuildingType         = "trap"
	DefaultActivityWindowSec = int64(130)
)

var (
	ErrNotInGuild          = errors.New("player is not in a guild")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadySignedUp     = errors.New("guild already signed up for war")
	ErrWarPartyActive      = errors.New("guild war party is still active")
	ErrNotSignedUp         = errors.New("guild has no pending war sign-up")
	ErrNoWar               = errors.New("guild is not in a war")
	ErrWarNotActive        = errors.New("war is not in its action phase")
	ErrNotWarParticipant   = errors.New("player is not a participant on the opposing side")
	ErrNotEnoughTurns      = errors.New("not enough turns")
	ErrBaseUnderAttack     = errors.New("base is under attack")
	ErrNoVictoryPoints     = errors.New("not enough victory points")
	ErrNotModified         = errors.New("battle result not applied")
	ErrInvalidStars        = errors.New("stars must be between 0 and 3")
	ErrEmptyWarParty       = errors.New("war party must list at least one participant")
)

type Faction string

const (
	FactionEmpire Faction = "empire"
	FactionRebel  Faction = "rebel"
)

func (f Faction) Opposite() Faction {
	switch f {
	case FactionEmpire:
		return FactionRebel
	case FactionRebel:
		return FactionEmpire
	}
	return f
}

// VictoryPointsEarned returns the points an attacker takes from a defender
// that had remaining points left before the battle and lost stars in it.
func VictoryPointsEarned(remaining, stars int) int {
	delta := (StartingVictoryPoints - remaining) - stars
	if delta < 0 {
		return -delta
	}
	return 0
}

func ValidateStars(stars int) error {
	if stars < 0 || stars > MaxStars {
		return ErrInvalidStars
	}
	return nil
}

// WithinMatchWindow reports whether a candidate with the given hq and xp is
// close enough to the requester's hq0 and xp0 to be offered as an opponent.
func WithinMatchWindow(hq0, xp0, hq, xp int) bool {
	if hq >= hq0-1 && hq <= hq0+1 {
		return true
	}
	lo := float64(xp0) * 0.9
	hi := float64(xp0) * 1.10
	return float64(xp) >= lo && float64(xp) <= hi
}

func IsBotParticipant(playerID string) bool {
	return strings.Contains(playerID, BotParticipantMarker)
}
