// Package adapters holds the Alert Dispatcher's ChannelAdapter
// implementations (spec.md §4.K): SMTP email and Slack chat-ops.
package adapters

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	alertdomain "github.com/r3e-labs/integration-gateway/internal/app/domain/alert"
	"github.com/r3e-labs/integration-gateway/internal/services/alert"
)

// SMTPConfig holds the connection details for an EMAIL:SMTP channel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP implements alert.ChannelAdapter over stdlib net/smtp. No SMTP client
// library appears anywhere in the retrieval pack (see DESIGN.md), so this
// adapter is a thin, single-purpose wrapper around PlainAuth + SendMail.
type SMTP struct {
	cfg SMTPConfig
}

// NewSMTP builds an SMTP channel adapter.
func NewSMTP(cfg SMTPConfig) *SMTP {
	return &SMTP{cfg: cfg}
}

// Provider implements alert.ChannelAdapter.
func (s *SMTP) Provider() string { return "SMTP" }

// Verify dials the configured server to confirm it's reachable and accepts
// the configured credentials, without sending a message.
func (s *SMTP) Verify(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("smtp: dial %s: %w", addr, err)
	}
	defer client.Close()

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp: auth: %w", err)
		}
	}
	return nil
}

// Send renders the digest as a plain-text email and delivers it to
// recipients.
func (s *SMTP) Send(_ context.Context, digest alertdomain.Digest, recipients []string) (alert.SendOutcome, error) {
	if len(recipients) == 0 {
		return alert.SendOutcome{Accepted: false, Rejected: "no recipients configured"}, nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	msg := renderDigestEmail(s.cfg.From, recipients, digest)
	if err := smtp.SendMail(addr, auth, s.cfg.From, recipients, []byte(msg)); err != nil {
		return alert.SendOutcome{}, fmt.Errorf("smtp: send: %w", err)
	}

	return alert.SendOutcome{MessageID: fmt.Sprintf("smtp-%d", time.Now().UnixNano()), Accepted: true}, nil
}

func renderDigestEmail(from string, to []string, digest alertdomain.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [ALERT] %d failures for integration %s\r\n", digest.TotalFailures, digest.IntegrationID)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "Integration %s (org %s) had %d failed deliveries between %s and %s.\r\n\r\n",
		digest.IntegrationID, digest.OrgID, digest.TotalFailures,
		digest.WindowStart.Format(time.RFC3339), digest.WindowEnd.Format(time.RFC3339))
	for category, count := range digest.ByCategory {
		fmt.Fprintf(&b, "  %s: %d\r\n", category, count)
	}
	if digest.DashboardLink != "" {
		fmt.Fprintf(&b, "\r\nDashboard: %s\r\n", digest.DashboardLink)
	}
	return b.String()
}
