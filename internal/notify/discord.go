package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"squadwars/internal/game"
)

// DiscordRelay posts war notifications to a Discord webhook.
type DiscordRelay struct {
	session   *discordgo.Session
	webhookID string
	token     string
}

func NewDiscordRelay(webhookID, token string) (*DiscordRelay, error) {
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordRelay{session: s, webhookID: webhookID, token: token}, nil
}

func (d *DiscordRelay) Relay(ctx context.Context, n game.Notification) error {
	msg, ok := formatNotification(n)
	if !ok {
		return nil
	}
	_, err := d.session.WebhookExecute(d.webhookID, d.token, false, &discordgo.WebhookParams{
		Username: "Squad Wars",
		Content:  msg,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

func formatNotification(n game.Notification) (string, bool) {
	who := n.PlayerName
	if who == "" {
		who = "A squadmate"
	}
	switch n.Type {
	case game.NotifyWarMatchmakingBegin:
		return fmt.Sprintf("**%s** is searching for a war opponent.", n.GuildName), true
	case game.NotifyWarMatchmakingCancel:
		return fmt.Sprintf("**%s** stopped searching for a war.", n.GuildName), true
	case game.NotifyWarPrepared:
		return fmt.Sprintf("**%s** has been matched. Prepare your war bases!", n.GuildName), true
	case game.NotifyWarPlayerAttackComplete:
		return fmt.Sprintf("[%s] %s finished a war attack.", n.GuildName, who), true
	case game.NotifyWarEnded:
		return fmt.Sprintf("The war of **%s** is over. %s", n.GuildName, n.Message), true
	}
	return "", false
}
