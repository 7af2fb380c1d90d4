// Package session owns the live per-player, per-guild and per-war objects of
// a server process and the per-key locks that serialize work on them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"squadwars/internal/game"
	"squadwars/internal/store"
)

type Manager struct {
	store store.Store
	log   *slog.Logger
	locks *Locks
	now   func() time.Time

	mu      sync.Mutex
	players map[string]*PlayerSession
	guilds  map[string]*GuildSession
	wars    map[string]*WarSession
}

func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		log:     logger,
		locks:   NewLocks(),
		now:     time.Now,
		players: map[string]*PlayerSession{},
		guilds:  map[string]*GuildSession{},
		wars:    map[string]*WarSession{},
	}
}

func (m *Manager) Store() store.Store { return m.store }

func (m *Manager) Player(ctx context.Context, id string) (*PlayerSession, error) {
	m.mu.Lock()
	s, ok := m.players[id]
	if !ok {
		s = newPlayerSession(id, m.store)
		m.players[id] = s
	}
	s.lastUsed.Store(m.now().UnixNano())
	m.mu.Unlock()

	if _, err := s.Profile(ctx); err != nil {
		if !ok {
			m.mu.Lock()
			if m.players[id] == s {
				delete(m.players, id)
			}
			m.mu.Unlock()
		}
		return nil, fmt.Errorf("player session %s: %w", id, err)
	}
	return s, nil
}

func (m *Manager) Guild(ctx context.Context, id string) (*GuildSession, error) {
	if id == "" {
		return nil, game.ErrNotInGuild
	}
	m.mu.Lock()
	g, ok := m.guilds[id]
	if !ok {
		g = newGuildSession(id, m.store)
		m.guilds[id] = g
	}
	g.lastUsed.Store(m.now().UnixNano())
	m.mu.Unlock()

	if _, err := g.Squad(ctx); err != nil {
		m.dropGuild(id, g, ok)
		return nil, fmt.Errorf("guild session %s: %w", id, err)
	}
	return g, nil
}

func (m *Manager) dropGuild(id string, g *GuildSession, existed bool) {
	if existed {
		return
	}
	m.mu.Lock()
	if m.guilds[id] == g {
		delete(m.guilds, id)
	}
	m.mu.Unlock()
}

func (m *Manager) War(ctx context.Context, id string) (*WarSession, error) {
	if id == "" {
		return nil, game.ErrNoWar
	}
	m.mu.Lock()
	w, ok := m.wars[id]
	if !ok {
		w = newWarSession(id, m.store)
		m.wars[id] = w
	}
	w.lastUsed.Store(m.now().UnixNano())
	m.mu.Unlock()

	if _, err := w.War(ctx); err != nil {
		if !ok {
			m.mu.Lock()
			if m.wars[id] == w {
				delete(m.wars, id)
			}
			m.mu.Unlock()
		}
		return nil, fmt.Errorf("war session %s: %w", id, err)
	}
	return w, nil
}

func (m *Manager) WithPlayer(id string, fn func() error) error {
	return m.locks.Do("player:"+id, fn)
}

func (m *Manager) WithGuild(id string, fn func() error) error {
	return m.locks.Do("guild:"+id, fn)
}

// WithGuilds holds every listed guild's lock, acquired in a fixed order.
func (m *Manager) WithGuilds(ids []string, fn func() error) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "guild:" + id
	}
	return m.locks.DoAll(keys, fn)
}

func (m *Manager) WithWar(id string, fn func() error) error {
	return m.locks.Do("war:"+id, fn)
}

// MarkPlayerDirty invalidates a live player session after another writer
// changed the player's document.
func (m *Manager) MarkPlayerDirty(id string) {
	m.mu.Lock()
	s := m.players[id]
	m.mu.Unlock()
	if s != nil {
		s.MarkDirty()
	}
}

func (m *Manager) MarkGuildDirty(id string) {
	m.mu.Lock()
	g := m.guilds[id]
	m.mu.Unlock()
	if g != nil {
		g.MarkDirty()
	}
}

func (m *Manager) MarkWarDirty(id string) {
	m.mu.Lock()
	w := m.wars[id]
	m.mu.Unlock()
	if w != nil {
		w.MarkDirty()
	}
}

// GuildSummaries resolves guild names and icons, answering from live guild
// sessions where possible and loading the rest in one store call.
func (m *Manager) GuildSummaries(ctx context.Context, ids []string) (map[string]game.SquadSummary, error) {
	out := make(map[string]game.SquadSummary, len(ids))
	var missing []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, done := out[id]; done {
			continue
		}
		m.mu.Lock()
		g := m.guilds[id]
		m.mu.Unlock()
		if g != nil && !g.squad.Dirty() {
			if sq, err := g.Squad(ctx); err == nil {
				out[id] = game.SquadSummary{ID: sq.ID, Name: sq.Name, Icon: sq.Icon}
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	loaded, err := m.store.SquadSummaries(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("guild summaries: %w", err)
	}
	for id, s := range loaded {
		out[id] = s
	}
	return out, nil
}

// SavePlayer flushes a player's pending sub-states in their own transaction.
func (m *Manager) SavePlayer(ctx context.Context, s *PlayerSession) error {
	if !s.NeedsSaving() {
		return nil
	}
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		return s.SaveTx(ctx, tx)
	})
	if err != nil {
		s.Abandon()
		return err
	}
	s.DoneSave()
	return nil
}

// KeepAlive records player activity at now.
func (m *Manager) KeepAlive(ctx context.Context, playerID string, now int64) error {
	return m.WithPlayer(playerID, func() error {
		s, err := m.Player(ctx, playerID)
		if err != nil {
			return err
		}
		s.Touch(now)
		return m.SavePlayer(ctx, s)
	})
}

// Evict drops sessions unused for idleFor that hold no pending writes.
func (m *Manager) Evict(idleFor time.Duration) int {
	cutoff := m.now().Add(-idleFor).UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.players {
		if s.lastUsed.Load() < cutoff && !s.NeedsSaving() {
			delete(m.players, id)
			n++
		}
	}
	for id, g := range m.guilds {
		if g.lastUsed.Load() < cutoff {
			delete(m.guilds, id)
			n++
		}
	}
	for id, w := range m.wars {
		if w.lastUsed.Load() < cutoff {
			delete(m.wars, id)
			n++
		}
	}
	if n > 0 {
		m.log.Info("evicted idle sessions", "count", n)
	}
	return n
}

func (m *Manager) counts() (players, guilds, wars int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players), len(m.guilds), len(m.wars)
}
