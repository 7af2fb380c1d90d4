// Package notify delivers guild notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"squadwars/internal/game"
	"squadwars/internal/session"
	"squadwars/internal/store"
)

// Relay forwards committed notifications to an outside channel.
type Relay interface {
	Relay(ctx context.Context, n game.Notification) error
}

// feed tracks the newest notification date handed out for one guild.
type feed struct {
	mu        sync.Mutex
	seeded    bool
	watermark int64
}

type Bus struct {
	sessions *session.Manager
	relay    Relay
	log      *slog.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

func NewBus(sessions *session.Manager, relay Relay, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{sessions: sessions, relay: relay, log: logger, feeds: map[string]*feed{}}
}

func (b *Bus) feed(guildID string) *feed {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.feeds[guildID]
	if !ok {
		f = &feed{}
		b.feeds[guildID] = f
	}
	return f
}

// Publish stamps n for guildID and stores it inside tx. Dates are strictly
// increasing per guild: an unset date becomes now, and a date not after the
// guild's watermark is moved just past it.
func (b *Bus) Publish(ctx context.Context, tx store.Tx, guildID string, n game.Notification, now int64) (game.Notification, error) {
	if guildID == "" {
		return game.Notification{}, game.ErrNotInGuild
	}
	f := b.feed(guildID)
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.seeded {
		latest, err := tx.LatestNotificationDate(ctx, guildID)
		if err != nil {
			return game.Notification{}, fmt.Errorf("seed feed for guild %s: %w", guildID, err)
		}
		f.watermark = max(f.watermark, latest)
		f.seeded = true
	}
	if n.GuildName == "" {
		sq, err := tx.LoadSquad(ctx, guildID)
		if err != nil {
			return game.Notification{}, fmt.Errorf("publish to guild %s: %w", guildID, err)
		}
		n.GuildName = sq.Name
	}

	if n.Date == 0 {
		n.Date = now
	}
	if n.Date <= f.watermark {
		n.Date = f.watermark + 1
	}
	n.ID = uuid.NewString()
	n.GuildID = guildID
	if err := tx.InsertNotification(ctx, n); err != nil {
		return game.Notification{}, fmt.Errorf("publish %s to guild %s: %w", n.Type, guildID, err)
	}
	f.watermark = n.Date
	b.sessions.MarkGuildDirty(guildID)
	return n, nil
}

// PublishWar sends an independent copy of n to both guilds of w.
func (b *Bus) PublishWar(ctx context.Context, tx store.Tx, w game.War, n game.Notification, now int64) ([]game.Notification, error) {
	out := make([]game.Notification, 0, 2)
	for _, guildID := range []string{w.SquadIDA, w.SquadIDB} {
		c := n
		c.GuildName = ""
		sent, err := b.Publish(ctx, tx, guildID, c, now)
		if err != nil {
			return nil, err
		}
		out = append(out, sent)
	}
	return out, nil
}

// Watermark is the newest date this process handed out for the guild.
func (b *Bus) Watermark(guildID string) int64 {
	f := b.feed(guildID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark
}

// FetchSince returns the guild's notifications dated after since, oldest
// first.
func (b *Bus) FetchSince(ctx context.Context, guildID string, since int64) ([]game.Notification, error) {
	if guildID == "" {
		return nil, game.ErrNotInGuild
	}
	ns, err := b.sessions.Store().NotificationsSince(ctx, guildID, since)
	if err != nil {
		return nil, fmt.Errorf("fetch notifications for guild %s: %w", guildID, err)
	}
	return ns, nil
}

// Announce hands committed notifications to the relay. Failures are logged.
func (b *Bus) Announce(ctx context.Context, ns ...game.Notification) {
	if b.relay == nil {
		return
	}
	for _, n := range ns {
		if err := b.relay.Relay(ctx, n); err != nil {
			b.log.Warn("notification relay failed", "guild_id", n.GuildID, "type", n.Type, "error", err)
		}
	}
}
