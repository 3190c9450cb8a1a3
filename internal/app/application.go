// Package app assembles every gateway component into one Application: the
// storage bundle, the pipeline services, and the background
// system.Service-managed loops (poller, audit janitor, retry ticker,
// scheduler, alert sweep). Grounded on the teacher's internal/app
// application.go: a Stores struct with ApplyDefaults, a system.Manager that
// every long-running piece registers with, and Attach/Start/Stop as the
// only entrypoints a cmd/ binary needs.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	core "github.com/r3e-labs/integration-gateway/internal/app/core/service"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/runtime"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/app/system"
	"github.com/r3e-labs/integration-gateway/internal/inbound"
	alertsvc "github.com/r3e-labs/integration-gateway/internal/services/alert"
	"github.com/r3e-labs/integration-gateway/internal/services/alert/adapters"
	"github.com/r3e-labs/integration-gateway/internal/services/audit"
	"github.com/r3e-labs/integration-gateway/internal/services/circuitbreaker"
	"github.com/r3e-labs/integration-gateway/internal/services/dedup"
	"github.com/r3e-labs/integration-gateway/internal/services/delivery"
	"github.com/r3e-labs/integration-gateway/internal/services/execlog"
	"github.com/r3e-labs/integration-gateway/internal/services/matcher"
	"github.com/r3e-labs/integration-gateway/internal/services/orchestrate"
	"github.com/r3e-labs/integration-gateway/internal/services/poller"
	"github.com/r3e-labs/integration-gateway/internal/services/retry"
	"github.com/r3e-labs/integration-gateway/internal/services/scheduler"
	"github.com/r3e-labs/integration-gateway/pkg/config"
	"github.com/r3e-labs/integration-gateway/pkg/logger"
)

// PollerSource is one configured upstream event-queue the Application
// should poll: a MySQL table, Mongo collection, or HTTP endpoint, scoped to
// one (source, org).
type PollerSource struct {
	Source           poller.Source
	SourceIdentifier string
	OrgID            string
}

// AlertWatch names one (org, integration) pair the alert sweep ticker sends
// a failure digest for on every sweep interval, via the named channel.
type AlertWatch struct {
	OrgID         string
	IntegrationID string
	ChannelKey    string
	Recipients    []string
}

// Application bundles every gateway component behind the system.Manager
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Stores       Stores
	Matcher      *matcher.Matcher
	Delivery     *delivery.Engine
	Retry        *retry.Manager
	Circuits     *circuitbreaker.Registry
	Scheduler    *scheduler.Scheduler
	ExecLogs     *execlog.Recorder
	Orchestrator *orchestrate.Dispatcher
	Alerts       *alertsvc.Dispatcher
	Inbound      *inbound.Service

	descriptors []core.Descriptor
}

// Stores is an alias of storage.Stores kept at package level so callers can
// write app.Stores{...} the way the teacher writes app.Stores{...}.
type Stores = storage.Stores

// New builds a fully wired Application. cfg defaults to config.New() (the
// documented spec.md defaults) when nil; log defaults to logger.NewDefault
// equivalent. pollers and watches may both be empty for an in-memory,
// delivery-only deployment (e.g. tests or the INBOUND-proxy-only case).
func New(cfg *config.Config, stores Stores, pollers []PollerSource, watches []AlertWatch, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = logger.New(logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	}

	mem := memory.New()
	stores.ApplyDefaults(mem)

	manager := system.NewManager()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
	}

	dedupe := dedup.New(stores.Events)
	auditStore := audit.New(stores.Events, log)
	if err := manager.Register(auditStore); err != nil {
		return nil, fmt.Errorf("register audit janitor: %w", err)
	}

	m := matcher.New(stores.Integrations)
	logs := execlog.New(stores.Executions, log)

	circuits := circuitbreaker.New(stores.Circuits, rdb, circuitbreaker.Config{
		Threshold:            cfg.Circuit.Threshold,
		Cooldown:             time.Duration(cfg.Circuit.CooldownSeconds) * time.Second,
		AutoDisableThreshold: cfg.Circuit.AutoDisableThreshold,
	}, func(ctx context.Context, integrationID string) {
		log.WithField("integrationId", integrationID).Warn("circuit auto-disabled integration after sustained failures")
	}, log)

	tokens := delivery.NewTokenCache(rdb)
	engine := delivery.NewEngine(nil, tokens, nil, log)

	retryMgr := retry.New(stores.DLQ, stores.Integrations, logs, engine, circuits, retry.Config{
		BaseDelay: time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second,
	}, log)

	sched := scheduler.New(stores.Schedules, instanceID(), scheduler.Config{
		TickInterval:  time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
		Skew:          time.Duration(cfg.Scheduler.SkewSeconds) * time.Second,
		LeaseDuration: time.Duration(cfg.Scheduler.LeaseSeconds) * time.Second,
		OverdueWindow: time.Duration(cfg.Scheduler.OverdueWindowMinutes) * time.Minute,
		ScriptTimeout: time.Duration(cfg.Scheduler.ScriptCPUSeconds) * time.Second,
	}, log)

	dispatcher := orchestrate.New(m, stores.Integrations, retryMgr, logs, sched, log)
	sched.WithDispatcher(dispatcher)
	if err := manager.Register(sched); err != nil {
		return nil, fmt.Errorf("register scheduler: %w", err)
	}

	retryTicker := runtime.NewTicker("retry-ticker", "delivery", time.Duration(cfg.Retry.TickIntervalSeconds)*time.Second, func(ctx context.Context) error {
		_, err := retryMgr.Tick(ctx, cfg.Retry.TickBatchSize)
		return err
	}, log)
	if err := manager.Register(retryTicker); err != nil {
		return nil, fmt.Errorf("register retry ticker: %w", err)
	}

	registry := alertsvc.NewRegistry()
	if cfg.Alert.SMTPHost != "" {
		registry.Register("EMAIL:SMTP", adapters.NewSMTP(adapters.SMTPConfig{
			Host: cfg.Alert.SMTPHost, Port: cfg.Alert.SMTPPort,
			Username: cfg.Alert.SMTPUsername, Password: cfg.Alert.SMTPPassword,
			From: cfg.Alert.SMTPFrom,
		}))
	}
	if cfg.Alert.SlackToken != "" {
		registry.Register("SLACK:SLACK", adapters.NewSlack(adapters.SlackConfig{Token: cfg.Alert.SlackToken}))
	}
	alertDispatcher := alertsvc.New(stores.Executions, stores.Alerts, registry, alertsvc.Config{
		Window:        time.Duration(cfg.Alert.WindowMinutes) * time.Minute,
		DashboardLink: cfg.Alert.DashboardURL,
	}, log)

	if cfg.Alert.SweepIntervalSeconds > 0 && len(watches) > 0 {
		alertTicker := runtime.NewTicker("alert-sweep", "alerting", time.Duration(cfg.Alert.SweepIntervalSeconds)*time.Second, func(ctx context.Context) error {
			now := time.Now().UTC()
			for _, w := range watches {
				if _, err := alertDispatcher.Send(ctx, w.ChannelKey, w.OrgID, w.IntegrationID, w.Recipients, now); err != nil {
					log.WithError(err).WithField("integrationId", w.IntegrationID).Warn("alert sweep: send failed")
				}
			}
			return nil
		}, log)
		if err := manager.Register(alertTicker); err != nil {
			return nil, fmt.Errorf("register alert sweep: %w", err)
		}
	}

	for _, ps := range pollers {
		name := fmt.Sprintf("poller-%s-%s", ps.SourceIdentifier, ps.OrgID)
		errs := make(chan poller.RowError, 16)
		go drainPollerErrors(name, errs, log)
		onEvent := func(ctx context.Context, e event.Event, isNew bool) {
			if !isNew {
				return
			}
			dispatcher.Dispatch(ctx, e)
		}
		p := poller.New(ps.Source, ps.SourceIdentifier, ps.OrgID, stores.Checkpoints, dedupe, auditStore,
			onEvent, errs, poller.Config{
				IntervalSeconds:  cfg.Poller.IntervalSeconds,
				BatchSize:        cfg.Poller.BatchSize,
				DBTimeoutSeconds: cfg.Poller.DBTimeoutSeconds,
				MaxBackoff:       time.Duration(cfg.Poller.MaxBackoffSeconds) * time.Second,
			}, log)
		if err := manager.Register(p); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}

	inboundSvc := inbound.New(stores.Integrations, engine, logs, log)

	return &Application{
		manager:      manager,
		log:          log,
		Stores:       stores,
		Matcher:      m,
		Delivery:     engine,
		Retry:        retryMgr,
		Circuits:     circuits,
		Scheduler:    sched,
		ExecLogs:     logs,
		Orchestrator: dispatcher,
		Alerts:       alertDispatcher,
		Inbound:      inboundSvc,
		descriptors:  manager.Descriptors(),
	}, nil
}

// Attach registers an additional lifecycle-managed service, e.g. the HTTP
// servers built by a cmd/ binary around httpapi.New/inbound.Service.Router.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Manager exposes the underlying system.Manager so a cmd/ binary can build
// the admin descriptors endpoint over the same registry Attach uses.
func (a *Application) Manager() *system.Manager {
	return a.manager
}

// Start launches every registered background service.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop drains every registered background service.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors exposes the layered service map for the admin descriptors
// endpoint.
func (a *Application) Descriptors() []core.Descriptor {
	out := make([]core.Descriptor, len(a.descriptors))
	copy(out, a.descriptors)
	return out
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "gateway-instance"
	}
	return host
}

func drainPollerErrors(name string, errs <-chan poller.RowError, log logrus.FieldLogger) {
	for re := range errs {
		log.WithError(re.Err).WithField("poller", name).WithField("rowId", re.Row.ID).Warn("poller: malformed row skipped")
	}
}
