// Package memory is a thread-safe in-memory implementation of every storage
// seam, used as the default backend when no database DSN is configured and
// as the store under test — grounded on the teacher's storage/memory.go
// (mutex-guarded maps, deliberately simple).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/alert"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/checkpoint"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/circuit"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/dlq"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/schedule"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
)

// Store implements storage.Backend entirely in process memory.
type Store struct {
	mu sync.RWMutex

	events     map[string]event.Event
	eventDedup map[string]string // composite dedup key -> eventID

	checkpoints map[string]checkpoint.Checkpoint

	integrations map[string]integration.Config

	logs     map[string]execution.Log
	attempts map[string][]execution.DeliveryAttempt

	dlqByID    map[string]dlq.Entry
	dlqByTrace map[string]string

	schedules map[string]schedule.Entry

	circuits map[string]circuit.Snapshot

	alertLogs []alert.CenterLog
}

var _ storage.Backend = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		events:       make(map[string]event.Event),
		eventDedup:   make(map[string]string),
		checkpoints:  make(map[string]checkpoint.Checkpoint),
		integrations: make(map[string]integration.Config),
		logs:         make(map[string]execution.Log),
		attempts:     make(map[string][]execution.DeliveryAttempt),
		dlqByID:      make(map[string]dlq.Entry),
		dlqByTrace:   make(map[string]string),
		schedules:    make(map[string]schedule.Entry),
		circuits:     make(map[string]circuit.Snapshot),
	}
}

// --- EventStore ----------------------------------------------------------

func dedupKey(e event.Event, eventKey string) string {
	if e.SourceID != "" {
		return "src:" + e.Source + "|" + e.SourceID
	}
	return "fallback:" + e.OrgID + "|" + eventKey + "|" + event.Bucket(e.ReceivedAt).Format(time.RFC3339)
}

func (s *Store) TryInsertEvent(_ context.Context, e event.Event, eventKey string) (storage.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(e, eventKey)
	if existingID, ok := s.eventDedup[key]; ok {
		existing := s.events[existingID]
		return storage.InsertResult{Inserted: false, Existing: &existing}, nil
	}

	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = event.StatusReceived
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.ReceivedAt.Add(90 * 24 * time.Hour)
	}
	s.events[e.EventID] = e
	s.eventDedup[key] = e.EventID
	return storage.InsertResult{Inserted: true}, nil
}

func (s *Store) UpdateEventStatus(_ context.Context, eventID string, status event.Status, details string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("event %s not found", eventID)
	}
	s.events[eventID] = e.AppendTimeline(status, details, at)
	return nil
}

func (s *Store) GetEvent(_ context.Context, eventID string) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[eventID]
	if !ok {
		return event.Event{}, fmt.Errorf("event %s not found", eventID)
	}
	return e, nil
}

func (s *Store) ListStuckCandidates(_ context.Context, processingSince time.Time, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Status != event.StatusProcessing {
			continue
		}
		if len(e.Timeline) == 0 {
			continue
		}
		last := e.Timeline[len(e.Timeline)-1]
		if last.Stage == event.StatusProcessing && last.Timestamp.Before(processingSince) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sortEventsByReceivedAt(out)
	return out, nil
}

func sortEventsByReceivedAt(events []event.Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].ReceivedAt.Before(events[j].ReceivedAt) })
}

func (s *Store) DeleteExpiredEvents(_ context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.events {
		if limit > 0 && removed >= limit {
			break
		}
		if e.ExpiresAt.Before(before) {
			delete(s.events, id)
			removed++
		}
	}
	return removed, nil
}

// --- CheckpointStore -------------------------------------------------------

func checkpointKey(source, sourceIdentifier, orgID string) string {
	return source + "|" + sourceIdentifier + "|" + orgID
}

func (s *Store) GetCheckpoint(_ context.Context, source, sourceIdentifier, orgID string) (checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[checkpointKey(source, sourceIdentifier, orgID)]
	if !ok {
		return checkpoint.Checkpoint{Source: source, SourceIdentifier: sourceIdentifier, OrgID: orgID}, nil
	}
	return cp, nil
}

func (s *Store) AdvanceCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey(cp.Source, cp.SourceIdentifier, cp.OrgID)
	existing := s.checkpoints[key]
	s.checkpoints[key] = existing.Advance(cp.LastProcessedID, cp.LastProcessedAt)
	return nil
}

// --- IntegrationStore ------------------------------------------------------

func (s *Store) CreateIntegration(_ context.Context, cfg integration.Config) (integration.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	s.integrations[cfg.ID] = cfg
	return cfg, nil
}

func (s *Store) UpdateIntegration(_ context.Context, cfg integration.Config) (integration.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.integrations[cfg.ID]; !ok {
		return integration.Config{}, fmt.Errorf("integration %s not found", cfg.ID)
	}
	s.integrations[cfg.ID] = cfg
	return cfg, nil
}

func (s *Store) GetIntegration(_ context.Context, id string) (integration.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.integrations[id]
	if !ok {
		return integration.Config{}, fmt.Errorf("integration %s not found", id)
	}
	return cfg, nil
}

func (s *Store) SetIntegrationActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.integrations[id]
	if !ok {
		return fmt.Errorf("integration %s not found", id)
	}
	cfg.IsActive = active
	cfg.UpdatedAt = time.Now()
	s.integrations[id] = cfg
	return nil
}

func (s *Store) ListCandidateIntegrations(_ context.Context, direction integration.Direction, eventType string, orgID string) ([]integration.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []integration.Config
	for _, cfg := range s.integrations {
		if !cfg.IsActive || cfg.Direction != direction || cfg.OrgID != orgID {
			continue
		}
		if !cfg.MatchesEventType(eventType) {
			continue
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsWildcard() != out[j].IsWildcard() {
			return !out[i].IsWildcard()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListIntegrations(_ context.Context, orgID string) ([]integration.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []integration.Config
	for _, cfg := range s.integrations {
		if orgID == "" || cfg.OrgID == orgID {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- ExecutionStore ----------------------------------------------------------

func (s *Store) CreateLog(_ context.Context, log execution.Log) (execution.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.TraceID == "" {
		log.TraceID = uuid.NewString()
	}
	s.logs[log.TraceID] = log
	return log, nil
}

func (s *Store) UpdateLog(_ context.Context, log execution.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[log.TraceID]; !ok {
		return fmt.Errorf("execution log %s not found", log.TraceID)
	}
	s.logs[log.TraceID] = log
	return nil
}

func (s *Store) GetLog(_ context.Context, traceID string) (execution.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[traceID]
	if !ok {
		return execution.Log{}, fmt.Errorf("execution log %s not found", traceID)
	}
	return log, nil
}

func (s *Store) ListLogsByEvent(_ context.Context, eventID string) ([]execution.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []execution.Log
	for _, log := range s.logs {
		if log.EventID == eventID {
			out = append(out, log)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) ListFailedLogs(_ context.Context, orgID, integrationID string, since time.Time) ([]execution.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []execution.Log
	for _, log := range s.logs {
		if log.Status != execution.StatusFailed {
			continue
		}
		if orgID != "" && log.OrgID != orgID {
			continue
		}
		if integrationID != "" && log.IntegrationID != integrationID {
			continue
		}
		if log.FinishedAt.Before(since) {
			continue
		}
		out = append(out, log)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(out[j].FinishedAt) })
	return out, nil
}

func (s *Store) RecordAttempt(_ context.Context, attempt execution.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.DeliveryLogID] = append(s.attempts[attempt.DeliveryLogID], attempt)
	return nil
}

func (s *Store) ListAttempts(_ context.Context, deliveryLogID string) ([]execution.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]execution.DeliveryAttempt, len(s.attempts[deliveryLogID]))
	copy(out, s.attempts[deliveryLogID])
	return out, nil
}

func (s *Store) NextAttemptNumber(_ context.Context, deliveryLogID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attempts[deliveryLogID]) + 1, nil
}

func (s *Store) DeleteExpiredLogs(_ context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, log := range s.logs {
		if limit > 0 && removed >= limit {
			break
		}
		if log.FinishedAt.Before(before) {
			delete(s.logs, id)
			delete(s.attempts, id)
			removed++
		}
	}
	return removed, nil
}

// --- DLQStore ----------------------------------------------------------

func (s *Store) CreateDLQEntry(_ context.Context, e dlq.Entry) (dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.dlqByID[e.ID] = e
	if e.TraceID != "" {
		s.dlqByTrace[e.TraceID] = e.ID
	}
	return e, nil
}

func (s *Store) UpdateDLQEntry(_ context.Context, e dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dlqByID[e.ID]; !ok {
		return fmt.Errorf("dlq entry %s not found", e.ID)
	}
	s.dlqByID[e.ID] = e
	if e.TraceID != "" {
		s.dlqByTrace[e.TraceID] = e.ID
	}
	return nil
}

func (s *Store) GetDLQEntry(_ context.Context, id string) (dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.dlqByID[id]
	if !ok {
		return dlq.Entry{}, fmt.Errorf("dlq entry %s not found", id)
	}
	return e, nil
}

func (s *Store) GetDLQEntryByTraceID(_ context.Context, traceID string) (dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.dlqByTrace[traceID]
	if !ok {
		return dlq.Entry{}, fmt.Errorf("dlq entry for trace %s not found", traceID)
	}
	return s.dlqByID[id], nil
}

func (s *Store) ListDueDLQEntries(_ context.Context, now time.Time, limit int) ([]dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dlq.Entry
	for _, e := range s.dlqByID {
		if e.Due(now) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return out, nil
}

func (s *Store) ListDLQByIntegration(_ context.Context, integrationID string, limit int) ([]dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dlq.Entry
	for _, e := range s.dlqByID {
		if e.IntegrationID == integrationID {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- ScheduleStore ----------------------------------------------------------

func (s *Store) CreateScheduleEntry(_ context.Context, e schedule.Entry) (schedule.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.schedules[e.ID] = e
	return e, nil
}

func (s *Store) GetScheduleEntry(_ context.Context, id string) (schedule.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.schedules[id]
	if !ok {
		return schedule.Entry{}, fmt.Errorf("schedule entry %s not found", id)
	}
	return e, nil
}

// AcquireScheduleLease implements the lease-based pickup the scheduler
// worker uses to avoid double-dispatch across concurrent ticks, the
// in-memory analogue of a postgres findOneAndUpdate-style update.
func (s *Store) AcquireScheduleLease(_ context.Context, now time.Time, skew time.Duration, leaseOwner string, leaseDuration time.Duration, limit int) ([]schedule.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.schedules {
		if e.IsDue(now, skew) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return s.schedules[ids[i]].ScheduledFor.Before(s.schedules[ids[j]].ScheduledFor) })

	var out []schedule.Entry
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := s.schedules[id]
		e.Status = schedule.StatusProcessing
		e.LeasedBy = leaseOwner
		e.LeasedUntil = now.Add(leaseDuration)
		e.UpdatedAt = now
		s.schedules[id] = e
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) UpdateScheduleEntry(_ context.Context, e schedule.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[e.ID]; !ok {
		return fmt.Errorf("schedule entry %s not found", e.ID)
	}
	s.schedules[e.ID] = e
	return nil
}

func (s *Store) CancelMatchingScheduleEntries(_ context.Context, integrationID string, originalEventID string, scheduledFor time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := 0
	for id, e := range s.schedules {
		if e.IntegrationID != integrationID || e.Status != schedule.StatusPending {
			continue
		}
		if originalEventID != "" && e.OriginalEventID != originalEventID {
			continue
		}
		if !scheduledFor.IsZero() && !e.ScheduledFor.Equal(scheduledFor) {
			continue
		}
		e.Status = schedule.StatusCancelled
		e.Cancellation = &schedule.CancellationInfo{Reason: "superseded", CancelledAt: time.Now(), CausedByID: originalEventID}
		s.schedules[id] = e
		cancelled++
	}
	return cancelled, nil
}

func (s *Store) MarkOverdueScheduleEntries(_ context.Context, now time.Time, overdueWindow time.Duration, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := 0
	for id, e := range s.schedules {
		if limit > 0 && marked >= limit {
			break
		}
		if e.IsOverdue(now, overdueWindow) {
			e.Status = schedule.StatusOverdue
			e.UpdatedAt = now
			s.schedules[id] = e
			marked++
		}
	}
	return marked, nil
}

func (s *Store) ReclaimExpiredLeases(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for id, e := range s.schedules {
		if limit > 0 && reclaimed >= limit {
			break
		}
		if e.LeaseExpired(now) {
			e.Status = schedule.StatusPending
			e.LeasedBy = ""
			e.LeasedUntil = time.Time{}
			e.UpdatedAt = now
			s.schedules[id] = e
			reclaimed++
		}
	}
	return reclaimed, nil
}

// --- CircuitStore ----------------------------------------------------------

func (s *Store) GetCircuit(_ context.Context, integrationID string) (circuit.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.circuits[integrationID]
	if !ok {
		return circuit.Snapshot{IntegrationID: integrationID, State: circuit.StateClosed}, nil
	}
	return snap, nil
}

func (s *Store) UpsertCircuit(_ context.Context, snap circuit.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuits[snap.IntegrationID] = snap
	return nil
}

// --- AlertStore ----------------------------------------------------------

func (s *Store) RecordAlertSend(_ context.Context, log alert.CenterLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	s.alertLogs = append(s.alertLogs, log)
	return nil
}

func (s *Store) ListRecentAlertSends(_ context.Context, orgID, integrationID string, since time.Time) ([]alert.CenterLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alert.CenterLog
	for _, log := range s.alertLogs {
		if log.OrgID != orgID {
			continue
		}
		if integrationID != "" && log.IntegrationID != integrationID {
			continue
		}
		if log.SentAt.Before(since) {
			continue
		}
		out = append(out, log)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}
