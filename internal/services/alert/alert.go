// Package alert implements the Alert Dispatcher (spec.md §4.K): aggregate
// failed ExecutionLogs in rolling windows per (orgId, integrationId), build
// a digest, and send it through a registered channel adapter.
//
// Grounded on the teacher's small adapter-interface convention
// (oracle.Resolver, automation.JobDispatcher): a narrow interface plus a
// constructor taking a Config struct, applied here to
// ChannelAdapter{Send,Verify}.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	alertdomain "github.com/r3e-labs/integration-gateway/internal/app/domain/alert"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
	"github.com/r3e-labs/integration-gateway/pkg/metrics"
)

// SendOutcome is returned by a ChannelAdapter after attempting delivery.
type SendOutcome struct {
	MessageID string
	Accepted  bool
	Rejected  string // reason, if Accepted is false
}

// ChannelAdapter is the contract every notification provider (SMTP, Slack,
// ...) implements, per spec.md §4.K: "send(payload, config) →
// {messageId, accepted, rejected}; verify(config)".
type ChannelAdapter interface {
	// Provider identifies the adapter for the "channel:provider" key, e.g.
	// "SMTP" for an "EMAIL:SMTP" registration.
	Provider() string
	Send(ctx context.Context, digest alertdomain.Digest, recipients []string) (SendOutcome, error)
	Verify(ctx context.Context) error
}

// Registry maps a "channel:provider" key (e.g. "EMAIL:SMTP", "SLACK:SLACK")
// to the adapter that serves it.
type Registry struct {
	adapters map[string]ChannelAdapter
}

// NewRegistry builds an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]ChannelAdapter)}
}

// Register associates key with adapter, overwriting any prior registration.
func (r *Registry) Register(key string, adapter ChannelAdapter) {
	r.adapters[key] = adapter
}

func (r *Registry) lookup(key string) (ChannelAdapter, bool) {
	a, ok := r.adapters[key]
	return a, ok
}

// Dispatcher aggregates failures and drives the registered channel adapters.
type Dispatcher struct {
	executions storage.ExecutionStore
	alerts     storage.AlertStore
	registry   *Registry
	window     time.Duration
	dashboard  string
	log        logrus.FieldLogger
}

// Config tunes the Dispatcher.
type Config struct {
	Window        time.Duration // default 1h per spec.md §4.K
	DashboardLink string
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	return c
}

// New builds a Dispatcher.
func New(executions storage.ExecutionStore, alerts storage.AlertStore, registry *Registry, cfg Config, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		executions: executions,
		alerts:     alerts,
		registry:   registry,
		window:     cfg.Window,
		dashboard:  cfg.DashboardLink,
		log:        log,
	}
}

const maxSamples = 5

// BuildDigest aggregates failed ExecutionLogs for (orgID, integrationID)
// within the rolling window ending at now, per spec.md §4.K.
func (d *Dispatcher) BuildDigest(ctx context.Context, orgID, integrationID string, now time.Time) (alertdomain.Digest, error) {
	windowStart := now.Add(-d.window)
	failed, err := d.executions.ListFailedLogs(ctx, orgID, integrationID, windowStart)
	if err != nil {
		return alertdomain.Digest{}, fmt.Errorf("alert: list failed logs: %w", err)
	}

	digest := alertdomain.Digest{
		OrgID:         orgID,
		IntegrationID: integrationID,
		WindowStart:   windowStart,
		WindowEnd:     now,
		ByCategory:    make(map[string]int),
		DashboardLink: d.dashboard,
	}
	for _, log := range failed {
		digest.TotalFailures++
		category := classifyLog(log)
		digest.ByCategory[category]++
		if len(digest.Samples) < maxSamples {
			digest.Samples = append(digest.Samples, alertdomain.Sample{
				TraceID:    log.TraceID,
				StatusCode: log.Response.Status,
				ErrorText:  log.Error,
			})
		}
	}
	return digest, nil
}

func classifyLog(log execution.Log) string {
	for i := len(log.Steps) - 1; i >= 0; i-- {
		if log.Steps[i].Status == execution.StepFailed {
			return log.Steps[i].Name
		}
	}
	return "unknown"
}

// Send builds a digest and, if it has any failures, sends it through the
// channel adapter registered for channelKey (e.g. "EMAIL:SMTP"), recording
// the attempt as an AlertCenterLog regardless of outcome.
func (d *Dispatcher) Send(ctx context.Context, channelKey string, orgID, integrationID string, recipients []string, now time.Time) (alertdomain.CenterLog, error) {
	digest, err := d.BuildDigest(ctx, orgID, integrationID, now)
	if err != nil {
		return alertdomain.CenterLog{}, err
	}

	entry := alertdomain.CenterLog{
		OrgID:         orgID,
		IntegrationID: integrationID,
		Channel:       channelKey,
		Recipients:    recipients,
		TotalFailures: digest.TotalFailures,
		WindowStart:   digest.WindowStart,
		WindowEnd:     digest.WindowEnd,
		SentAt:        now,
	}

	if digest.TotalFailures == 0 {
		entry.Status = alertdomain.SendSkipped
		d.record(ctx, entry, "no_failures")
		return entry, nil
	}

	adapter, ok := d.registry.lookup(channelKey)
	if !ok {
		entry.Status = alertdomain.SendFailed
		entry.ProviderResponse = fmt.Sprintf("no adapter registered for %q", channelKey)
		d.record(ctx, entry, "no_adapter")
		return entry, fmt.Errorf("alert: %s", entry.ProviderResponse)
	}

	outcome, err := adapter.Send(ctx, digest, recipients)
	if err != nil {
		entry.Status = alertdomain.SendFailed
		entry.ProviderResponse = err.Error()
		d.record(ctx, entry, "error")
		return entry, err
	}
	if !outcome.Accepted {
		entry.Status = alertdomain.SendFailed
		entry.ProviderResponse = outcome.Rejected
		d.record(ctx, entry, "rejected")
		return entry, fmt.Errorf("alert: provider rejected digest: %s", outcome.Rejected)
	}

	entry.Status = alertdomain.SendSent
	entry.ProviderResponse = outcome.MessageID
	d.record(ctx, entry, "sent")
	return entry, nil
}

func (d *Dispatcher) record(ctx context.Context, entry alertdomain.CenterLog, metricStatus string) {
	metrics.AlertsSentTotal.WithLabelValues(entry.Channel, metricStatus).Inc()
	if d.alerts == nil {
		return
	}
	if err := d.alerts.RecordAlertSend(ctx, entry); err != nil {
		d.log.WithError(err).WithField("channel", entry.Channel).Warn("alert: failed to persist send log")
	}
}
