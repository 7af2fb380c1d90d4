// Package memstore is an in-memory store used by tests and local runs.
// Transactions hold the store mutex for their whole duration and run against
// a private copy of the data that is swapped in only on success.
package memstore

import (
	"context"
	"errors"
	"maps"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"

	"squadwars/internal/game"
	"squadwars/internal/store"
)

var errInjected = errors.New("injected connection failure")

type state struct {
	players       map[string]game.Player
	devBases      map[string]game.DevBase
	squads        map[string]game.Squad
	signUps       map[string]game.WarSignUp
	wars          map[string]game.War
	participants  map[string]game.WarParticipant
	warMaps       map[string]game.PlayerWarMap
	notifications []game.Notification
	tournaments   map[string]map[string]game.TournamentStat
	idempotency   map[string]store.IdempotencyRecord
}

func newState() *state {
	return &state{
		players:      map[string]game.Player{},
		devBases:     map[string]game.DevBase{},
		squads:       map[string]game.Squad{},
		signUps:      map[string]game.WarSignUp{},
		wars:         map[string]game.War{},
		participants: map[string]game.WarParticipant{},
		warMaps:      map[string]game.PlayerWarMap{},
		tournaments:  map[string]map[string]game.TournamentStat{},
		idempotency:  map[string]store.IdempotencyRecord{},
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.players {
		out.players[k] = v.Clone()
	}
	for k, v := range s.devBases {
		v.Map = v.Map.Clone()
		out.devBases[k] = v
	}
	for k, v := range s.squads {
		out.squads[k] = v.Clone()
	}
	for k, v := range s.signUps {
		out.signUps[k] = cloneSignUp(v)
	}
	for k, v := range s.wars {
		out.wars[k] = v.Clone()
	}
	for k, v := range s.participants {
		out.participants[k] = cloneParticipant(v)
	}
	for k, v := range s.warMaps {
		v.Map = v.Map.Clone()
		out.warMaps[k] = v
	}
	out.notifications = slices.Clone(s.notifications)
	for k, v := range s.tournaments {
		out.tournaments[k] = maps.Clone(v)
	}
	for k, v := range s.idempotency {
		v.Response = slices.Clone(v.Response)
		out.idempotency[k] = v
	}
	return out
}

func cloneSignUp(v game.WarSignUp) game.WarSignUp {
	v.ParticipantIDs = slices.Clone(v.ParticipantIDs)
	ps := make([]game.SignUpParticipant, len(v.Participants))
	for i, p := range v.Participants {
		p.Map = p.Map.Clone()
		ps[i] = p
	}
	v.Participants = ps
	return v
}

type Store struct {
	handle

	mu     sync.Mutex
	data   *state
	faults int
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	s := &Store{data: newState()}
	s.handle = handle{root: s}
	return s
}

// FailNext makes the next n store calls fail with a transient error.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	s.faults = n
	s.mu.Unlock()
}

func (s *Store) takeFault() error {
	if s.faults > 0 {
		s.faults--
		return &store.TransientError{Err: errInjected}
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.data.clone()
	if err := fn(&handle{st: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// handle runs operations either inside a transaction (st set) or directly
// against the store under its mutex.
type handle struct {
	root *Store
	st   *state
}

func (h *handle) with(fn func(st *state) error) error {
	if h.st != nil {
		return fn(h.st)
	}
	h.root.mu.Lock()
	defer h.root.mu.Unlock()
	if err := h.root.takeFault(); err != nil {
		return err
	}
	return fn(h.root.data)
}

func sample[T any](items []T) (T, bool) {
	var zero T
	if len(items) == 0 {
		return zero, false
	}
	return items[rand.IntN(len(items))], true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Seeding and inspection helpers.

func (s *Store) PutPlayer(p game.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	s.data.players[p.ID] = p.Clone()
}

func (s *Store) PutSquad(sq game.Squad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sq.Version == 0 {
		sq.Version = 1
	}
	s.data.squads[sq.ID] = sq.Clone()
}

func (s *Store) PutWar(w game.War) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.wars[w.ID] = w.Clone()
}

func (s *Store) PutWarParticipant(p game.WarParticipant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.participants[participantKey(p.WarID, p.PlayerID)] = cloneParticipant(p)
}

func (s *Store) PutTournamentStat(st game.TournamentStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.data.tournaments[st.TournamentID]
	if t == nil {
		t = map[string]game.TournamentStat{}
		s.data.tournaments[st.TournamentID] = t
	}
	t[st.PlayerID] = st
}

func (s *Store) Player(id string) (game.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.players[id]
	return p.Clone(), ok
}

func (s *Store) Squad(id string) (game.Squad, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sq, ok := s.data.squads[id]
	return sq.Clone(), ok
}

func (s *Store) War(id string) (game.War, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.data.wars[id]
	return w.Clone(), ok
}

func (s *Store) WarParticipant(warID, playerID string) (game.WarParticipant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.participants[participantKey(warID, playerID)]
	return cloneParticipant(p), ok
}

func (s *Store) SignUp(guildID string) (game.WarSignUp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	su, ok := s.data.signUps[guildID]
	return cloneSignUp(su), ok
}

func (s *Store) WarMap(playerID string) (game.PlayerWarMap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data.warMaps[playerID]
	return m, ok
}

func (s *Store) NotificationCount(guildID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.data.notifications {
		if x.GuildID == guildID {
			n++
		}
	}
	return n
}
