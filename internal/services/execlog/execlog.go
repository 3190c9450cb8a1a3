// Package execlog implements the Execution Logger (spec.md §4.L): creates a
// trace at the start of a delivery/scheduled execution, appends named steps,
// and persists DeliveryAttempts. Writes are best-effort — a logging failure
// never fails the operation it is describing.
package execlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
)

// Step names per spec.md §4.L.
const (
	StepValidation     = "validation"
	StepTransformation = "transformation"
	StepAuthResolve    = "auth_resolve"
	StepHTTPRequest    = "http_request"
	StepHTTPResponse   = "http_response"
	StepCircuitCheck   = "circuit_check"
	StepRetrySchedule  = "retry_schedule"
)

// Recorder creates and updates ExecutionLogs and DeliveryAttempts.
type Recorder struct {
	store storage.ExecutionStore
	log   logrus.FieldLogger
}

// New builds a Recorder. log defaults to a standard logrus instance so the
// recorder is always usable without a caller-supplied logger.
func New(store storage.ExecutionStore, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.New()
	}
	return &Recorder{store: store, log: log}
}

// StartInput describes the execution a trace is being opened for.
type StartInput struct {
	ParentTraceID   string
	Direction       string
	TriggerType     execution.TriggerType
	IntegrationID   string
	IntegrationName string
	OrgID           string
	EventID         string
	MessageID       string
	ActionIndex     int
	Request         execution.RequestSnapshot
}

// Start creates a pending ExecutionLog and returns it. On a persistence
// error the caller still receives a fully-formed in-memory Log (with a
// generated TraceID) so the delivery can proceed; the error is logged, not
// propagated, per spec.md §4.L's "logging failures never fail the main
// operation" guarantee.
func (r *Recorder) Start(ctx context.Context, in StartInput) execution.Log {
	now := time.Now().UTC()
	log := execution.Log{
		TraceID:         uuid.NewString(),
		ParentTraceID:   in.ParentTraceID,
		Direction:       in.Direction,
		TriggerType:     in.TriggerType,
		IntegrationID:   in.IntegrationID,
		IntegrationName: in.IntegrationName,
		OrgID:           in.OrgID,
		EventID:         in.EventID,
		MessageID:       in.MessageID,
		ActionIndex:     in.ActionIndex,
		Request:         in.Request,
		Status:          execution.StatusPending,
		StartedAt:       now,
	}
	created, err := r.store.CreateLog(ctx, log)
	if err != nil {
		r.log.WithError(err).WithField("traceId", log.TraceID).Warn("execlog: failed to persist trace start")
		return log
	}
	return created
}

// Step appends a named step to the log identified by traceID and persists
// the update. Failures are logged and swallowed.
func (r *Recorder) Step(ctx context.Context, traceID string, step execution.Step) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	current, err := r.store.GetLog(ctx, traceID)
	if err != nil {
		r.log.WithError(err).WithField("traceId", traceID).Warn("execlog: failed to load trace for step append")
		return
	}
	current = current.AppendStep(step)
	if err := r.store.UpdateLog(ctx, current); err != nil {
		r.log.WithError(err).WithField("traceId", traceID).Warn("execlog: failed to persist step")
	}
}

// Finish transitions the log to a terminal status with the delivery
// engine's response/error detail. Refuses to re-transition an already
// terminal log (spec.md §8 "at-most-once terminal state").
func (r *Recorder) Finish(ctx context.Context, traceID string, status execution.Status, response execution.ResponseSnapshot, errMsg string) {
	current, err := r.store.GetLog(ctx, traceID)
	if err != nil {
		r.log.WithError(err).WithField("traceId", traceID).Warn("execlog: failed to load trace for finish")
		return
	}
	if current.IsTerminal() {
		return
	}
	current.Status = status
	current.Response = response
	current.Error = errMsg
	current.FinishedAt = time.Now().UTC()
	current.DurationMs = current.FinishedAt.Sub(current.StartedAt).Milliseconds()
	if err := r.store.UpdateLog(ctx, current); err != nil {
		r.log.WithError(err).WithField("traceId", traceID).Warn("execlog: failed to persist trace finish")
	}
}

// RecordAttempt persists one physical DeliveryAttempt, assigning the next
// monotonic attemptNumber for deliveryLogID if attempt.AttemptNumber is
// unset (spec.md §8 "attempt monotonicity").
func (r *Recorder) RecordAttempt(ctx context.Context, attempt execution.DeliveryAttempt) {
	if attempt.AttemptNumber == 0 {
		next, err := r.store.NextAttemptNumber(ctx, attempt.DeliveryLogID)
		if err != nil {
			r.log.WithError(err).WithField("traceId", attempt.DeliveryLogID).Warn("execlog: failed to assign attempt number")
			return
		}
		attempt.AttemptNumber = next
	}
	if err := r.store.RecordAttempt(ctx, attempt); err != nil {
		r.log.WithError(err).WithField("traceId", attempt.DeliveryLogID).Warn("execlog: failed to persist delivery attempt")
	}
}
