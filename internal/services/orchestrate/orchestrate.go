// Package orchestrate wires the matching, transformation, condition and
// delivery components into the per-event pipeline described in spec.md §2:
// "D → (F → E → G) per matched integration/action → L". It is the
// component that turns one normalized Event into zero or more delivery
// attempts (or, for DELAYED/RECURRING integrations, a ScheduledEntry handed
// to the Scheduler instead).
//
// Grounded on the teacher's services/automation.checkAndExecuteTriggers /
// dispatchAction pair (automation_triggers.go): match candidates, dispatch
// each action, persist an execution record — generalized here to the
// gateway's matcher/condition/transform/delivery/retry seams instead of a
// single inline webhook call.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/schedule"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
	"github.com/r3e-labs/integration-gateway/internal/services/condition"
	"github.com/r3e-labs/integration-gateway/internal/services/delivery"
	"github.com/r3e-labs/integration-gateway/internal/services/execlog"
	"github.com/r3e-labs/integration-gateway/internal/services/matcher"
	"github.com/r3e-labs/integration-gateway/internal/services/retry"
	"github.com/r3e-labs/integration-gateway/internal/services/scheduler"
	"github.com/r3e-labs/integration-gateway/internal/services/transform"
)

// Dispatcher turns a matched Event into delivery attempts. It is the glue
// object constructed once at boot and invoked from the poller's
// EventHandler callback for every newly-accepted event, and also
// implements scheduler.EntryDispatcher so the Scheduler's due-entry worker
// routes back through the same delivery path.
type Dispatcher struct {
	matcher      *matcher.Matcher
	integrations storage.IntegrationStore
	retry        *retry.Manager
	logs         *execlog.Recorder
	scheduler    *scheduler.Scheduler // nil disables DELAYED/RECURRING handoff
	log          logrus.FieldLogger
}

// New builds a Dispatcher. scheduler may be nil if the deployment has no
// SCHEDULED/DELAYED integrations configured; log may be nil.
func New(m *matcher.Matcher, integrations storage.IntegrationStore, r *retry.Manager, logs *execlog.Recorder, sched *scheduler.Scheduler, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &Dispatcher{matcher: m, integrations: integrations, retry: r, logs: logs, scheduler: sched, log: log}
}

// Dispatch matches e against every OUTBOUND integration and runs each
// (condition → transform → deliver) in turn. Integrations with
// DeliveryMode DELAYED/RECURRING are handed to the Scheduler instead of
// delivered immediately. Errors from individual integrations are logged,
// not returned, matching spec.md §5's "delivery is not ordered across
// integrations" — one integration's failure must never block another's.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event) {
	candidates, err := d.matcher.Match(ctx, e)
	if err != nil {
		d.log.WithError(err).WithField("eventId", e.EventID).Warn("orchestrate: match failed")
		return
	}

	for _, cfg := range candidates {
		d.dispatchOne(ctx, e, cfg)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, e event.Event, cfg integration.Config) {
	if cfg.DeliveryMode == integration.DeliveryDelayed || cfg.DeliveryMode == integration.DeliveryRecurring {
		if d.scheduler == nil {
			d.log.WithField("integrationId", cfg.ID).Warn("orchestrate: scheduled integration matched but no scheduler configured")
			return
		}
		payload, _ := json.Marshal(e.Payload)
		if _, err := d.scheduler.Evaluate(ctx, cfg, e, string(payload)); err != nil {
			d.log.WithError(err).WithField("integrationId", cfg.ID).Warn("orchestrate: scheduling script evaluation failed")
		}
		return
	}

	scriptCtx := transform.ScriptContext{
		OrgID:           e.OrgID,
		OrgUnitID:       e.OrgUnitID,
		EventType:       e.EventType,
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		Now:             time.Now(),
	}

	actions := cfg.Actions
	if len(actions) == 0 {
		// Single-action integration: synthesize one action from the
		// top-level target/method/transformation so the loop below is
		// the only dispatch path.
		actions = []integration.Action{{
			Index:          0,
			TargetURL:      cfg.TargetURL,
			HTTPMethod:     cfg.HTTPMethod,
			Transformation: cfg.Transformation,
			OnError:        integration.OnErrorContinue,
		}}
	}

	for _, action := range actions {
		if !d.runAction(ctx, e, cfg, action, scriptCtx) && action.OnError == integration.OnErrorStop {
			break
		}
	}
}

// runAction evaluates the action's condition, transforms the payload, and
// delivers it. It returns false when the action failed: the condition or
// the transformation errored, or the delivery did not succeed (including a
// failure parked in the DLQ for a later retry). A false condition or an
// open circuit is a skip, not a failure, and returns true. dispatchOne
// halts the remaining actions on false only when the action's onError is
// STOP.
func (d *Dispatcher) runAction(ctx context.Context, e event.Event, cfg integration.Config, action integration.Action, scriptCtx transform.ScriptContext) bool {
	traceID := d.startTrace(ctx, e, cfg, action)

	condCtx := condition.Context(scriptCtx)
	ok, err := condition.Evaluate(ctx, action.Condition, e.Payload, condCtx)
	if err != nil {
		d.logs.Step(ctx, traceID, execution.Step{Name: "condition", Status: execution.StepFailed})
		d.logs.Finish(ctx, traceID, execution.StatusFailed, execution.ResponseSnapshot{}, err.Error())
		return false
	}
	if !ok {
		d.logs.Step(ctx, traceID, execution.Step{Name: "condition", Status: execution.StepSkipped})
		d.logs.Finish(ctx, traceID, execution.StatusSkipped, execution.ResponseSnapshot{}, "condition_false")
		return true
	}
	d.logs.Step(ctx, traceID, execution.Step{Name: "condition", Status: execution.StepOK})

	body, err := transform.Transform(ctx, action.Transformation, e.Payload, scriptCtx)
	if err != nil {
		d.logs.Step(ctx, traceID, execution.Step{Name: execlog.StepTransformation, Status: execution.StepFailed})
		d.logs.Finish(ctx, traceID, execution.StatusFailed, execution.ResponseSnapshot{}, err.Error())
		return false
	}
	d.logs.Step(ctx, traceID, execution.Step{Name: execlog.StepTransformation, Status: execution.StepOK})

	method := action.HTTPMethod
	if method == "" {
		method = cfg.HTTPMethod
	}
	url := action.TargetURL
	if url == "" {
		url = cfg.TargetURL
	}
	headers := action.Headers
	if len(headers) == 0 {
		headers = headersOf(cfg.Auth)
	}

	req := delivery.Request{
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		OrgID:           e.OrgID,
		ActionIndex:     action.Index,
		Method:          method,
		URL:             url,
		Headers:         headers,
		Auth:            cfg.Auth,
		Signing:         cfg.Signing,
		Payload:         body,
		TimeoutMs:       cfg.TimeoutMs,
		Template: delivery.TemplateContext{
			OrgID:           e.OrgID,
			IntegrationID:   cfg.ID,
			IntegrationName: cfg.Name,
		},
	}

	outcome, err := d.retry.Attempt(ctx, retry.AttemptInput{
		TraceID:       traceID,
		IntegrationID: cfg.ID,
		OrgID:         e.OrgID,
		MessageID:     e.EventID,
		Direction:     string(integration.DirectionOutbound),
		ActionIndex:   action.Index,
		Request:       req,
		MaxRetries:    cfg.RetryCount,
	})
	if err != nil {
		d.log.WithError(err).WithField("integrationId", cfg.ID).WithField("actionIndex", action.Index).
			Warn("orchestrate: delivery attempt errored")
		return false
	}
	return outcome.Success || outcome.Skipped
}

func (d *Dispatcher) startTrace(ctx context.Context, e event.Event, cfg integration.Config, action integration.Action) string {
	log := d.logs.Start(ctx, execlog.StartInput{
		Direction:       string(integration.DirectionOutbound),
		TriggerType:     execution.TriggerEvent,
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		OrgID:           e.OrgID,
		EventID:         e.EventID,
		MessageID:       e.EventID,
		ActionIndex:     action.Index,
	})
	return log.TraceID
}

// DispatchEntry implements scheduler.EntryDispatcher: it delivers one due
// ScheduledEntry produced by a DELAYED/RECURRING integration, reusing the
// same retry/DLQ and execution-logging path as an immediate OUTBOUND
// dispatch (spec.md §4.J "the worker hands due entries to a dispatcher for
// delivery").
func (d *Dispatcher) DispatchEntry(ctx context.Context, entry schedule.Entry) error {
	cfg, err := d.integrations.GetIntegration(ctx, entry.IntegrationID)
	if err != nil {
		return fmt.Errorf("orchestrate: load integration %s for scheduled entry: %w", entry.IntegrationID, err)
	}

	var payload map[string]any
	if entry.Payload != "" {
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return fmt.Errorf("orchestrate: decode scheduled entry payload: %w", err)
		}
	}

	scriptCtx := transform.ScriptContext{
		OrgID:           entry.OrgID,
		EventType:       entry.EventType,
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		Now:             time.Now(),
	}
	body, err := transform.Transform(ctx, cfg.Transformation, payload, scriptCtx)
	if err != nil {
		return fmt.Errorf("orchestrate: transform scheduled entry: %w", err)
	}

	trace := d.logs.Start(ctx, execlog.StartInput{
		Direction:       string(cfg.Direction),
		TriggerType:     execution.TriggerScheduled,
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		OrgID:           entry.OrgID,
		EventID:         entry.OriginalEventID,
	})

	method := entry.HTTPMethod
	if method == "" {
		method = cfg.HTTPMethod
	}
	url := entry.TargetURL
	if url == "" {
		url = cfg.TargetURL
	}

	_, err = d.retry.Attempt(ctx, retry.AttemptInput{
		TraceID:       trace.TraceID,
		IntegrationID: cfg.ID,
		OrgID:         entry.OrgID,
		MessageID:     entry.OriginalEventID,
		Direction:     string(cfg.Direction),
		Request: delivery.Request{
			IntegrationID:   cfg.ID,
			IntegrationName: cfg.Name,
			OrgID:           entry.OrgID,
			Method:          method,
			URL:             url,
			Headers:         headersOf(cfg.Auth),
			Auth:            cfg.Auth,
			Signing:         cfg.Signing,
			Payload:         body,
			TimeoutMs:       cfg.TimeoutMs,
			Template:        delivery.TemplateContext{OrgID: entry.OrgID, IntegrationID: cfg.ID, IntegrationName: cfg.Name},
		},
		MaxRetries: cfg.RetryCount,
	})
	return err
}

func headersOf(auth integration.Auth) []integration.KeyValue {
	if auth.Kind != integration.AuthCustomHeaders {
		return nil
	}
	return auth.Headers
}

// Validate catches cross-field config mistakes the matcher can't (missing
// target on an IMMEDIATE single-action integration, etc), used by the admin
// surface before a config is persisted. Kept here (not in the integration
// package) because it needs no import cycle back from domain types.
func Validate(cfg integration.Config) error {
	if cfg.Direction == integration.DirectionOutbound && cfg.DeliveryMode == integration.DeliveryImmediate {
		if len(cfg.Actions) == 0 && cfg.TargetURL == "" {
			return fmt.Errorf("integration %s: targetUrl or actions required for immediate outbound delivery", cfg.ID)
		}
	}
	return nil
}
