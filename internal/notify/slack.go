// Package notify delivers instance lifecycle events to operators: the
// reconciler publishes events to a Redis channel, and a subscriber posts
// them to Slack. Decoupling publish from delivery means the reconciler
// never blocks on Slack being reachable.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier posts lifecycle messages to a single configured channel.
// If botToken is empty, it is a no-op — logging only — matching the
// teacher's "disabled means log and return" convention so callers never
// need to check IsEnabled() themselves.
type SlackNotifier struct {
	client  *goslack.Client
	channel string
	log     *slog.Logger
}

// NewSlackNotifier builds a notifier. An empty botToken disables delivery.
func NewSlackNotifier(botToken, channel string, log *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{client: client, channel: channel, log: log}
}

// IsEnabled reports whether this notifier will actually deliver to Slack.
func (n *SlackNotifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// Notify posts a lifecycle event as a single-line Slack message.
func (n *SlackNotifier) Notify(ctx context.Context, owner, name, text string) error {
	if !n.IsEnabled() {
		if n.log != nil {
			n.log.Debug("slack notifier disabled, skipping", "owner", owner, "name", name, "text", text)
		}
		return nil
	}

	msg := fmt.Sprintf("*%s/%s*: %s", owner, name, text)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(msg, false))
	if err != nil {
		return fmt.Errorf("posting lifecycle event to slack: %w", err)
	}
	return nil
}
