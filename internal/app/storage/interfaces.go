// Package storage defines the persistence seams the gateway's services
// depend on. Each aggregate gets its own narrow interface, composed into a
// Stores bundle with an in-memory fallback for any store left nil — the same
// shape the teacher uses (internal/app/storage/interfaces.go). Method names
// are entity-qualified (CreateIntegration, not Create) because a single
// backend implements every interface and Go does not allow overloading.
package storage

import (
	"context"
	"time"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/alert"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/checkpoint"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/circuit"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/dlq"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/schedule"
)

// InsertResult is returned by EventStore.TryInsert (spec.md §4.B).
type InsertResult struct {
	Inserted bool
	Existing *event.Event
}

// EventStore persists the event audit trail and enforces the dedup
// invariant at the storage layer (unique on source+sourceId, or
// orgId+eventKey+bucket as fallback).
type EventStore interface {
	TryInsertEvent(ctx context.Context, e event.Event, eventKey string) (InsertResult, error)
	UpdateEventStatus(ctx context.Context, eventID string, status event.Status, details string, at time.Time) error
	GetEvent(ctx context.Context, eventID string) (event.Event, error)
	ListStuckCandidates(ctx context.Context, processingSince time.Time, limit int) ([]event.Event, error)
	DeleteExpiredEvents(ctx context.Context, before time.Time, limit int) (int, error)
}

// CheckpointStore persists the poller's resume position per source.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, source, sourceIdentifier, orgID string) (checkpoint.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error
}

// IntegrationStore persists tenant integration configs and resolves matches.
type IntegrationStore interface {
	CreateIntegration(ctx context.Context, cfg integration.Config) (integration.Config, error)
	UpdateIntegration(ctx context.Context, cfg integration.Config) (integration.Config, error)
	GetIntegration(ctx context.Context, id string) (integration.Config, error)
	SetIntegrationActive(ctx context.Context, id string, active bool) error
	ListCandidateIntegrations(ctx context.Context, direction integration.Direction, eventType string, orgID string) ([]integration.Config, error)
	ListIntegrations(ctx context.Context, orgID string) ([]integration.Config, error)
}

// ExecutionStore persists ExecutionLogs and DeliveryAttempts.
type ExecutionStore interface {
	CreateLog(ctx context.Context, log execution.Log) (execution.Log, error)
	UpdateLog(ctx context.Context, log execution.Log) error
	GetLog(ctx context.Context, traceID string) (execution.Log, error)
	ListLogsByEvent(ctx context.Context, eventID string) ([]execution.Log, error)
	// ListFailedLogs returns failed ExecutionLogs for (orgID, integrationID)
	// finished at or after since, feeding the Alert Dispatcher's rolling
	// window aggregation (spec.md §4.K).
	ListFailedLogs(ctx context.Context, orgID, integrationID string, since time.Time) ([]execution.Log, error)

	RecordAttempt(ctx context.Context, attempt execution.DeliveryAttempt) error
	ListAttempts(ctx context.Context, deliveryLogID string) ([]execution.DeliveryAttempt, error)
	NextAttemptNumber(ctx context.Context, deliveryLogID string) (int, error)

	DeleteExpiredLogs(ctx context.Context, before time.Time, limit int) (int, error)
}

// DLQStore persists dead-letter entries and serves the retry ticker's scan.
type DLQStore interface {
	CreateDLQEntry(ctx context.Context, e dlq.Entry) (dlq.Entry, error)
	UpdateDLQEntry(ctx context.Context, e dlq.Entry) error
	GetDLQEntry(ctx context.Context, id string) (dlq.Entry, error)
	GetDLQEntryByTraceID(ctx context.Context, traceID string) (dlq.Entry, error)
	ListDueDLQEntries(ctx context.Context, now time.Time, limit int) ([]dlq.Entry, error)
	ListDLQByIntegration(ctx context.Context, integrationID string, limit int) ([]dlq.Entry, error)
}

// ScheduleStore persists scheduled entries and implements the lease-based
// pickup the scheduler worker uses to avoid double-dispatch.
type ScheduleStore interface {
	CreateScheduleEntry(ctx context.Context, e schedule.Entry) (schedule.Entry, error)
	GetScheduleEntry(ctx context.Context, id string) (schedule.Entry, error)
	AcquireScheduleLease(ctx context.Context, now time.Time, skew time.Duration, leaseOwner string, leaseDuration time.Duration, limit int) ([]schedule.Entry, error)
	UpdateScheduleEntry(ctx context.Context, e schedule.Entry) error
	CancelMatchingScheduleEntries(ctx context.Context, integrationID string, originalEventID string, scheduledFor time.Time) (int, error)
	MarkOverdueScheduleEntries(ctx context.Context, now time.Time, overdueWindow time.Duration, limit int) (int, error)
	ReclaimExpiredLeases(ctx context.Context, now time.Time, limit int) (int, error)
}

// CircuitStore persists breaker state so it survives restarts.
type CircuitStore interface {
	GetCircuit(ctx context.Context, integrationID string) (circuit.Snapshot, error)
	UpsertCircuit(ctx context.Context, snap circuit.Snapshot) error
}

// AlertStore persists the alert digest send audit trail.
type AlertStore interface {
	RecordAlertSend(ctx context.Context, log alert.CenterLog) error
	ListRecentAlertSends(ctx context.Context, orgID, integrationID string, since time.Time) ([]alert.CenterLog, error)
}

// Stores bundles every persistence seam the application wires together.
// Any field left nil at construction time falls back to the shared
// in-memory implementation (see storage/memory), mirroring the teacher's
// Stores.applyDefaults pattern.
type Stores struct {
	Events       EventStore
	Checkpoints  CheckpointStore
	Integrations IntegrationStore
	Executions   ExecutionStore
	DLQ          DLQStore
	Schedules    ScheduleStore
	Circuits     CircuitStore
	Alerts       AlertStore
}

// Backend is anything that can serve as the shared fallback for every store
// seam above, implemented by storage/memory.Store.
type Backend interface {
	EventStore
	CheckpointStore
	IntegrationStore
	ExecutionStore
	DLQStore
	ScheduleStore
	CircuitStore
	AlertStore
}

// ApplyDefaults fills any nil store with backend, matching the teacher's
// Stores.applyDefaults.
func (s *Stores) ApplyDefaults(backend Backend) {
	if s == nil || backend == nil {
		return
	}
	if s.Events == nil {
		s.Events = backend
	}
	if s.Checkpoints == nil {
		s.Checkpoints = backend
	}
	if s.Integrations == nil {
		s.Integrations = backend
	}
	if s.Executions == nil {
		s.Executions = backend
	}
	if s.DLQ == nil {
		s.DLQ = backend
	}
	if s.Schedules == nil {
		s.Schedules = backend
	}
	if s.Circuits == nil {
		s.Circuits = backend
	}
	if s.Alerts == nil {
		s.Alerts = backend
	}
}
