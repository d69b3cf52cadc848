// Package notify delivers operator-facing messages about terminal pipeline
// failures to Slack. Notifications are advisory; a delivery failure never
// fails the pipeline that triggered it.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier sends a one-line message to the operators.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Noop is the notifier used when Slack is not configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// slackAPI is the slice of the Slack client the notifier uses. Satisfied by
// *slack.Client.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts messages to a fixed channel.
type SlackNotifier struct {
	api     slackAPI
	channel string
	logger  *slog.Logger
}

// NewSlack returns a notifier posting to the given channel with a bot token.
func NewSlack(token, channel string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{api: slack.New(token), channel: channel, logger: logger}
}

// Notify posts the message. The error is returned for callers that want to
// log it; it carries no retry obligation.
func (s *SlackNotifier) Notify(ctx context.Context, message string) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("failed to post slack notification: %w", err)
	}
	if s.logger != nil {
		s.logger.Debug("slack notification sent", "channel", s.channel)
	}
	return nil
}

// New returns a Slack notifier when both token and channel are set, and a
// Noop otherwise.
func New(token, channel string, logger *slog.Logger) Notifier {
	if token == "" || channel == "" {
		return Noop{}
	}
	return NewSlack(token, channel, logger)
}
