package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
)

// Notifier fans a terminal item failure out to every configured webhook
type Notifier struct {
	discord    *Discord
	slack      *Slack
	discordURL string
	slackURL   string
}

// NewNotifier returns a Notifier; empty URLs disable that channel
func NewNotifier(discordURL, slackURL string) *Notifier {
	return &Notifier{
		discord:    NewDiscord(),
		slack:      NewSlack(),
		discordURL: discordURL,
		slackURL:   slackURL,
	}
}

// Enabled reports whether at least one webhook is configured
func (n *Notifier) Enabled() bool {
	return n != nil && (n.discordURL != "" || n.slackURL != "")
}

// ItemFailed sends the failure to Discord and Slack, joining any errors
func (n *Notifier) ItemFailed(ctx context.Context, item *db.QueueItem, message string) error {
	if !n.Enabled() {
		return nil
	}
	at := time.Now()

	var errs []error
	if n.discordURL != "" {
		if err := n.discord.SendItemFailure(ctx, n.discordURL, item, message, at); err != nil {
			errs = append(errs, err)
		}
	}
	if n.slackURL != "" {
		if err := n.slack.SendItemFailure(ctx, n.slackURL, item, message, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
