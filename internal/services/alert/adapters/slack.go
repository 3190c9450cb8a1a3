package adapters

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	alertdomain "github.com/r3e-labs/integration-gateway/internal/app/domain/alert"
	"github.com/r3e-labs/integration-gateway/internal/services/alert"
)

// SlackConfig holds the bot token used for a "SLACK:SLACK" channel
// registration.
type SlackConfig struct {
	Token string
}

// Slack implements alert.ChannelAdapter over github.com/slack-go/slack,
// the only chat-ops library anywhere in the retrieval pack.
type Slack struct {
	client *slack.Client
}

// NewSlack builds a Slack channel adapter.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{client: slack.New(cfg.Token)}
}

// Provider implements alert.ChannelAdapter.
func (s *Slack) Provider() string { return "SLACK" }

// Verify confirms the bot token authenticates successfully.
func (s *Slack) Verify(ctx context.Context) error {
	_, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	return nil
}

// Send posts the digest as a message to each recipient, where a recipient
// is a Slack channel ID or name.
func (s *Slack) Send(ctx context.Context, digest alertdomain.Digest, recipients []string) (alert.SendOutcome, error) {
	if len(recipients) == 0 {
		return alert.SendOutcome{Accepted: false, Rejected: "no recipients configured"}, nil
	}

	text := renderDigestSlackText(digest)

	var lastTimestamp, lastChannel string
	for _, channelID := range recipients {
		channel, timestamp, err := s.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
		if err != nil {
			return alert.SendOutcome{}, fmt.Errorf("slack: post message to %s: %w", channelID, err)
		}
		lastChannel, lastTimestamp = channel, timestamp
	}

	return alert.SendOutcome{MessageID: fmt.Sprintf("%s:%s", lastChannel, lastTimestamp), Accepted: true}, nil
}

func renderDigestSlackText(digest alertdomain.Digest) string {
	text := fmt.Sprintf(":rotating_light: *%d failures* for integration `%s` (org `%s`) between %s and %s",
		digest.TotalFailures, digest.IntegrationID, digest.OrgID,
		digest.WindowStart.Format("15:04:05"), digest.WindowEnd.Format("15:04:05"))
	for category, count := range digest.ByCategory {
		text += fmt.Sprintf("\n> %s: %d", category, count)
	}
	if digest.DashboardLink != "" {
		text += fmt.Sprintf("\n<%s|View dashboard>", digest.DashboardLink)
	}
	return text
}
