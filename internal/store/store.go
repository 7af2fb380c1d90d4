// Package store defines the durable store contract shared by every component.
// All writes that need to be exclusive are expressed as conditional updates
// reporting whether they matched; InTx groups them so they apply together or
// not at all.
package store

import (
	"context"
	"errors"

	"squadwars/internal/game"
)

var (
	ErrNotFound   = errors.New("store: document not found")
	ErrDuplicate  = errors.New("store: unique key conflict")
	ErrStaleWrite = errors.New("store: document changed since it was read")
)

// TransientError marks store communication failures that are safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "store: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PlayerUpdate carries the sub-states a session wants written. Nil fields are
// left untouched.
type PlayerUpdate struct {
	Inventory      *game.Inventory
	Scalars        *game.Scalars
	ProtectedUntil *int64
	KeepAlive      *int64
}

func (u PlayerUpdate) Empty() bool {
	return u.Inventory == nil && u.Scalars == nil && u.ProtectedUntil == nil && u.KeepAlive == nil
}

type Players interface {
	LoadPlayer(ctx context.Context, id string) (game.Player, error)
	// SavePlayer writes the update if the stored version still equals
	// version and returns the new version.
	SavePlayer(ctx context.Context, id string, version int64, upd PlayerUpdate) (int64, error)
	SampleOpponent(ctx context.Context, q OpponentQuery) (game.Player, bool, error)
	// ClearPvpAttack unsets the attacker's lock and returns it as it was.
	ClearPvpAttack(ctx context.Context, attackerID string) (*game.PvpLock, error)
	ClearPvpAttackByBattle(ctx context.Context, attackerID, battleID string) (bool, error)
	ClearPvpDefence(ctx context.Context, defenderID, battleID string) (bool, error)
	// ClaimPvpDefence stamps the defence lock unless an unexpired one exists.
	ClaimPvpDefence(ctx context.Context, defenderID string, lock game.PvpLock, now int64) (bool, error)
	// SetPvpAttack fails with ErrDuplicate when another attacker already
	// targets lock.PlayerID.
	SetPvpAttack(ctx context.Context, attackerID string, lock game.PvpLock) error
	ExtendPvpLocks(ctx context.Context, attackerID, battleID string, expiration int64) (bool, error)
}

type DevBases interface {
	SampleDevBase(ctx context.Context, q DevBaseQuery) (game.DevBase, bool, error)
	InsertDevBase(ctx context.Context, base game.DevBase) (bool, error)
}

type Squads interface {
	LoadSquad(ctx context.Context, id string) (game.Squad, error)
	SquadSummaries(ctx context.Context, ids []string) (map[string]game.SquadSummary, error)
	// ResetWarPartyIfIdle clears member war flags and the war id unless a
	// sign-up is pending.
	ResetWarPartyIfIdle(ctx context.Context, guildID string) (bool, error)
	SetWarParty(ctx context.Context, guildID string, participantIDs []string, signUpTime int64) error
	CancelSquadSignUp(ctx context.Context, guildID string) error
	SetSquadWarID(ctx context.Context, guildID, warID string) error
	ClearWarParty(ctx context.Context, guildID, warID string) (bool, error)
}

type SignUps interface {
	InsertWarSignUp(ctx context.Context, s game.WarSignUp) error
	LoadWarSignUp(ctx context.Context, guildID string) (game.WarSignUp, error)
	DeleteWarSignUp(ctx context.Context, guildID string) (bool, error)
	SampleWarSignUp(ctx context.Context, excludeGuildID string) (game.WarSignUp, bool, error)
	ListWarSignUps(ctx context.Context) ([]game.WarSignUp, error)
}

type Wars interface {
	InsertWar(ctx context.Context, w game.War) error
	LoadWar(ctx context.Context, id string) (game.War, error)
	WarHistory(ctx context.Context, guildID string, limit int) ([]game.War, error)
	InsertWarParticipants(ctx context.Context, ps []game.WarParticipant) error
	LoadWarParticipant(ctx context.Context, warID, playerID string) (game.WarParticipant, error)
	ListWarParticipants(ctx context.Context, warID string) ([]game.WarParticipant, error)
	ParticipantByDefenseBattle(ctx context.Context, battleID string) (game.WarParticipant, error)
	// ClaimWarDefense stamps the defender when it has victory points left
	// and no lock, or a lock that expired before reclaimBefore.
	ClaimWarDefense(ctx context.Context, warID, defenderID, battleID string, expiration, reclaimBefore int64) (bool, error)
	SpendWarTurn(ctx context.Context, warID, attackerID, battleID string, expiration int64) (bool, error)
	CompleteWarDefense(ctx context.Context, warID, battleID string, earned int) (bool, error)
	CompleteWarAttack(ctx context.Context, warID, battleID string, earned int) (bool, error)
	SumWarScores(ctx context.Context, warID string) (map[string]int, error)
	SettleWar(ctx context.Context, warID string, processedAt int64, scoreA, scoreB int) (bool, error)
	UpsertPlayerWarMaps(ctx context.Context, maps []game.PlayerWarMap) error
	LoadPlayerWarMap(ctx context.Context, playerID string) (game.PlayerWarMap, bool, error)
}

type Notifications interface {
	InsertNotification(ctx context.Context, n game.Notification) error
	NotificationsSince(ctx context.Context, guildID string, since int64) ([]game.Notification, error)
	LatestNotificationDate(ctx context.Context, guildID string) (int64, error)
}

type Tournaments interface {
	// ScanTournament streams stats ordered by value descending, then player
	// id descending. Returning false from fn stops the scan.
	ScanTournament(ctx context.Context, tournamentID string, fn func(game.TournamentStat) bool) error
}

// IdempotencyRecord is what a client's idempotency key resolved to. Status
// stays zero while the first request carrying the key is still running.
type IdempotencyRecord struct {
	Action   string
	Status   int
	Response []byte
}

type Idempotency interface {
	// ClaimIdempotency stores key for playerID. When the key exists it
	// returns the stored record and false.
	ClaimIdempotency(ctx context.Context, playerID, key, action string, now int64) (IdempotencyRecord, bool, error)
	RecordIdempotency(ctx context.Context, playerID, key string, status int, response []byte) error
	// ReleaseIdempotency forgets a key whose request failed before it could
	// take effect.
	ReleaseIdempotency(ctx context.Context, playerID, key string) error
}

type Tx interface {
	Players
	DevBases
	Squads
	SignUps
	Wars
	Notifications
	Tournaments
	Idempotency
}

type Store interface {
	Tx
	// InTx commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
