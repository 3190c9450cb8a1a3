// Package retry implements the Retry & DLQ Manager (spec.md §4.H):
// exponential backoff with full jitter, DLQ parking on exhaustion or
// non-retryable failure, a ticker that drains due entries, and manual
// operator replay.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/dlq"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/errkind"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
	"github.com/r3e-labs/integration-gateway/internal/services/circuitbreaker"
	"github.com/r3e-labs/integration-gateway/internal/services/delivery"
	"github.com/r3e-labs/integration-gateway/internal/services/execlog"
)

// Manager runs one delivery attempt end-to-end (circuit check, HTTP
// execution, logging) and owns the DLQ lifecycle for failures.
type Manager struct {
	dlq          storage.DLQStore
	integrations storage.IntegrationStore
	logs         *execlog.Recorder
	engine       *delivery.Engine
	circuit      *circuitbreaker.Registry // nil disables circuit gating
	cfg          Config
	log          logrus.FieldLogger
}

// New builds a Manager. circuitRegistry may be nil to skip circuit gating
// entirely (e.g. in tests).
func New(dlqStore storage.DLQStore, integrations storage.IntegrationStore, logs *execlog.Recorder, engine *delivery.Engine, circuitRegistry *circuitbreaker.Registry, cfg Config, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		dlq:          dlqStore,
		integrations: integrations,
		logs:         logs,
		engine:       engine,
		circuit:      circuitRegistry,
		cfg:          cfg,
		log:          log,
	}
}

// AttemptInput is one delivery to attempt now, on behalf of either the
// initial event-triggered dispatch or a scheduled dispatch.
type AttemptInput struct {
	TraceID         string // the already-created ExecutionLog to update
	IntegrationID   string
	OrgID           string
	MessageID       string
	Direction       string
	ActionIndex     int
	Request         delivery.Request
	MaxRetries      int // bounded via BoundMaxAttempts inside Attempt
	PreviousAttempt int // 0 on first try
}

// Outcome summarizes what happened to the caller (poller/scheduler loop),
// which only needs to know whether the overall integration is done.
type Outcome struct {
	Success  bool
	Skipped  bool // circuit open
	DLQEntry *dlq.Entry
	Category execution.ErrorCategory
}

// deliver runs the circuit check, HTTP execution and log bookkeeping shared
// by the first dispatch and every redispatch; it never touches the DLQ.
func (m *Manager) deliver(ctx context.Context, traceID, integrationID string, req delivery.Request, attemptNumber int) (delivery.Result, bool, error) {
	if m.circuit != nil {
		decision, err := m.circuit.Allow(ctx, integrationID)
		if err != nil {
			m.log.WithError(err).Warn("retry: circuit registry unavailable, failing open")
		} else if !decision.Allowed {
			m.logs.Step(ctx, traceID, execution.Step{Name: execlog.StepCircuitCheck, Status: execution.StepSkipped})
			m.logs.Finish(ctx, traceID, execution.StatusSkipped, execution.ResponseSnapshot{}, string(errkind.CircuitOpen))
			return delivery.Result{Category: errkind.CircuitOpen}, false, nil
		}
	}

	req.TraceID = traceID
	req.AttemptNumber = attemptNumber

	result, err := m.engine.Execute(ctx, req)
	if err != nil {
		return delivery.Result{}, false, err
	}
	m.logs.RecordAttempt(ctx, result.Attempt)

	if result.Success {
		if m.circuit != nil {
			_ = m.circuit.RecordSuccess(ctx, integrationID)
		}
		m.logs.Step(ctx, traceID, execution.Step{Name: execlog.StepHTTPResponse, Status: execution.StepOK})
		m.logs.Finish(ctx, traceID, execution.StatusSuccess, result.Response, "")
		return result, true, nil
	}

	if m.circuit != nil && result.Category.Retryable() {
		_ = m.circuit.RecordFailure(ctx, integrationID)
	}
	m.logs.Step(ctx, traceID, execution.Step{Name: execlog.StepHTTPResponse, Status: execution.StepFailed})
	return result, true, nil
}

// Attempt executes the first delivery try for a freshly matched integration
// (or action) and, on failure, parks a new DLQEntry: queued for a retryable
// category, abandoned otherwise.
func (m *Manager) Attempt(ctx context.Context, in AttemptInput) (Outcome, error) {
	attemptNumber := in.PreviousAttempt + 1
	result, ran, err := m.deliver(ctx, in.TraceID, in.IntegrationID, in.Request, attemptNumber)
	if err != nil {
		return Outcome{}, err
	}
	if !ran {
		return Outcome{Skipped: true, Category: result.Category}, nil
	}
	if result.Success {
		return Outcome{Success: true}, nil
	}

	retryable := result.Category.Retryable()
	maxAttempts := BoundMaxAttempts(in.MaxRetries)

	if retryable && attemptNumber < maxAttempts {
		entry, err := m.enqueueRetry(ctx, in, attemptNumber, result)
		if err != nil {
			return Outcome{}, err
		}
		m.logs.Step(ctx, in.TraceID, execution.Step{Name: execlog.StepRetrySchedule, Status: execution.StepOK})
		return Outcome{DLQEntry: &entry, Category: result.Category}, nil
	}

	entry, err := m.abandon(ctx, in, attemptNumber, result, retryable)
	if err != nil {
		return Outcome{}, err
	}
	m.logs.Finish(ctx, in.TraceID, execution.StatusFailed, result.Response, result.Attempt.ErrorMessage)
	return Outcome{DLQEntry: &entry, Category: result.Category}, nil
}

func (m *Manager) enqueueRetry(ctx context.Context, in AttemptInput, attemptNumber int, result delivery.Result) (dlq.Entry, error) {
	delay := BackoffDelay(attemptNumber, m.cfg)
	if result.RetryAfter > 0 {
		delay = result.RetryAfter
	}
	entry := dlq.Entry{
		ID:            uuid.NewString(),
		TraceID:       in.TraceID,
		MessageID:     in.MessageID,
		IntegrationID: in.IntegrationID,
		OrgID:         in.OrgID,
		Direction:     in.Direction,
		ActionIndex:   in.ActionIndex,
		Payload:       marshalPayload(in.Request.Payload),
		Error: dlq.ErrorInfo{
			Message:    result.Attempt.ErrorMessage,
			Code:       string(result.Category),
			StatusCode: result.Response.Status,
		},
		Retryable:     true,
		MaxRetries:    BoundMaxAttempts(in.MaxRetries),
		RetryStrategy: "exponential-full-jitter",
		NextAttemptAt: time.Now().UTC().Add(delay),
		Attempts:      attemptNumber,
		Status:        dlq.StatusQueued,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	return m.dlq.CreateDLQEntry(ctx, entry)
}

func (m *Manager) abandon(ctx context.Context, in AttemptInput, attemptNumber int, result delivery.Result, retryable bool) (dlq.Entry, error) {
	entry := dlq.Entry{
		ID:            uuid.NewString(),
		TraceID:       in.TraceID,
		MessageID:     in.MessageID,
		IntegrationID: in.IntegrationID,
		OrgID:         in.OrgID,
		Direction:     in.Direction,
		ActionIndex:   in.ActionIndex,
		Payload:       marshalPayload(in.Request.Payload),
		Error: dlq.ErrorInfo{
			Message:    result.Attempt.ErrorMessage,
			Code:       string(result.Category),
			StatusCode: result.Response.Status,
		},
		Retryable:     retryable,
		MaxRetries:    BoundMaxAttempts(in.MaxRetries),
		RetryStrategy: "exponential-full-jitter",
		Attempts:      attemptNumber,
		Status:        dlq.StatusAbandoned,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	return m.dlq.CreateDLQEntry(ctx, entry)
}

func marshalPayload(payload any) string {
	if payload == nil {
		return ""
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(b)
}

// Tick scans due DLQ entries and redispatches each through the Delivery
// Engine, per spec.md §4.H: "a ticker scans DLQEntry where status=queued and
// nextAttemptAt<=now in small batches... on success marks replayed."
func (m *Manager) Tick(ctx context.Context, batchSize int) (int, error) {
	due, err := m.dlq.ListDueDLQEntries(ctx, time.Now().UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("retry: list due dlq entries: %w", err)
	}
	for _, entry := range due {
		if err := m.redispatch(ctx, entry, entry.TraceID); err != nil {
			m.log.WithError(err).WithField("dlqId", entry.ID).Warn("retry: redispatch failed")
		}
	}
	return len(due), nil
}

// Replay re-runs dlqID's delivery unconditionally (operator-triggered),
// producing a fresh ExecutionLog linked by parentTraceId, per spec.md §4.H.
func (m *Manager) Replay(ctx context.Context, dlqID string) error {
	entry, err := m.dlq.GetDLQEntry(ctx, dlqID)
	if err != nil {
		return fmt.Errorf("retry: load dlq entry: %w", err)
	}
	return m.redispatch(ctx, entry, entry.TraceID)
}

// ReplayByTrace looks up the DLQ entry parked for traceID and replays it.
func (m *Manager) ReplayByTrace(ctx context.Context, traceID string) error {
	entry, err := m.dlq.GetDLQEntryByTraceID(ctx, traceID)
	if err != nil {
		return fmt.Errorf("retry: load dlq entry by trace: %w", err)
	}
	return m.redispatch(ctx, entry, traceID)
}

func (m *Manager) redispatch(ctx context.Context, entry dlq.Entry, parentTraceID string) error {
	cfg, err := m.integrations.GetIntegration(ctx, entry.IntegrationID)
	if err != nil {
		return fmt.Errorf("retry: load integration %s: %w", entry.IntegrationID, err)
	}

	action, ok := resolveAction(cfg, entry.ActionIndex)
	if !ok {
		return fmt.Errorf("retry: integration %s has no action at index %d", entry.IntegrationID, entry.ActionIndex)
	}

	var payload any
	if entry.Payload != "" {
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return fmt.Errorf("retry: decode stored payload: %w", err)
		}
	}

	log := m.logs.Start(ctx, execlog.StartInput{
		ParentTraceID:   parentTraceID,
		Direction:       entry.Direction,
		TriggerType:     execution.TriggerReplay,
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		OrgID:           entry.OrgID,
		MessageID:       entry.MessageID,
		ActionIndex:     entry.ActionIndex,
	})

	req := delivery.Request{
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		OrgID:           entry.OrgID,
		ActionIndex:     entry.ActionIndex,
		Method:          action.Method,
		URL:             action.URL,
		Headers:         action.Headers,
		Auth:            cfg.Auth,
		Signing:         cfg.Signing,
		Payload:         payload,
		TimeoutMs:       cfg.TimeoutMs,
		Template: delivery.TemplateContext{
			OrgID:           entry.OrgID,
			IntegrationID:   cfg.ID,
			IntegrationName: cfg.Name,
		},
	}

	attemptNumber := entry.Attempts + 1
	result, ran, err := m.deliver(ctx, log.TraceID, cfg.ID, req, attemptNumber)
	if err != nil {
		return err
	}

	entry.UpdatedAt = time.Now().UTC()

	if !ran {
		// Circuit open: leave the entry queued for the next tick, untouched
		// aside from the timestamp bump.
		return m.dlq.UpdateDLQEntry(ctx, entry)
	}
	if result.Success {
		entry.Status = dlq.StatusReplayed
		entry.Attempts = attemptNumber
		return m.dlq.UpdateDLQEntry(ctx, entry)
	}

	entry.Attempts = attemptNumber
	entry.Error = dlq.ErrorInfo{
		Message:    result.Attempt.ErrorMessage,
		Code:       string(result.Category),
		StatusCode: result.Response.Status,
	}

	retryable := result.Category.Retryable()
	maxAttempts := BoundMaxAttempts(entry.MaxRetries)
	if retryable && attemptNumber < maxAttempts {
		delay := BackoffDelay(attemptNumber, m.cfg)
		if result.RetryAfter > 0 {
			delay = result.RetryAfter
		}
		entry.NextAttemptAt = time.Now().UTC().Add(delay)
		entry.Status = dlq.StatusQueued
		m.logs.Step(ctx, log.TraceID, execution.Step{Name: execlog.StepRetrySchedule, Status: execution.StepOK})
	} else {
		entry.Retryable = retryable
		entry.Status = dlq.StatusAbandoned
		m.logs.Finish(ctx, log.TraceID, execution.StatusFailed, result.Response, result.Attempt.ErrorMessage)
	}
	return m.dlq.UpdateDLQEntry(ctx, entry)
}

type resolvedAction struct {
	URL     string
	Method  string
	Headers []integration.KeyValue
}

func resolveAction(cfg integration.Config, actionIndex int) (resolvedAction, bool) {
	if len(cfg.Actions) == 0 {
		return resolvedAction{URL: cfg.TargetURL, Method: cfg.HTTPMethod}, true
	}
	for _, a := range cfg.Actions {
		if a.Index == actionIndex {
			return resolvedAction{URL: a.TargetURL, Method: a.HTTPMethod, Headers: a.Headers}, true
		}
	}
	return resolvedAction{}, false
}
