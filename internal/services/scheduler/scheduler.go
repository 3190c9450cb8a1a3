// Package scheduler implements the Scheduler (spec.md §4.J): evaluates a
// matched DELAYED/RECURRING integration's scheduling script into a durable
// ScheduledEntry, then runs a lease-based worker tick that picks up due
// entries and hands them to a dispatcher for delivery.
//
// Grounded on the teacher's services/automation.Scheduler: same
// Start/Stop/tick lifecycle, mutex-guarded running flag, WaitGroup-drained
// stop, and JobDispatcher/JobDispatcherFunc adapter (renamed EntryDispatcher
// here). The teacher's "schedule" was a static NextRun field computed
// elsewhere; this package adds the sandboxed script evaluation step and
// lease-based multi-worker pickup the teacher's single-dispatcher loop
// didn't need.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/r3e-labs/integration-gateway/internal/app/core/service"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/schedule"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
	"github.com/r3e-labs/integration-gateway/internal/app/system"
	"github.com/r3e-labs/integration-gateway/internal/sandbox"
	"github.com/r3e-labs/integration-gateway/pkg/logger"
	"github.com/r3e-labs/integration-gateway/pkg/metrics"
)

// Defaults per spec.md §4.J.
const (
	DefaultTickInterval    = 30 * time.Second
	DefaultSkew            = 60 * time.Second
	DefaultLeaseDuration   = 60 * time.Second
	DefaultOverdueWindow   = time.Minute
	DefaultBatchSize       = 25
	DefaultMaxAttempts     = 3
	DefaultScriptTimeout   = 5 * time.Second
	DefaultJanitorInterval = time.Minute
)

// Config tunes the worker tick.
type Config struct {
	TickInterval    time.Duration
	Skew            time.Duration
	LeaseDuration   time.Duration
	OverdueWindow   time.Duration
	BatchSize       int
	MaxAttempts     int
	ScriptTimeout   time.Duration
	JanitorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.Skew <= 0 {
		c.Skew = DefaultSkew
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.OverdueWindow <= 0 {
		c.OverdueWindow = DefaultOverdueWindow
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = DefaultScriptTimeout
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
	return c
}

// EntryDispatcher consumes a due ScheduledEntry and attempts delivery,
// reporting whether the failure (if any) is retryable.
type EntryDispatcher interface {
	DispatchEntry(ctx context.Context, entry schedule.Entry) error
}

// EntryDispatcherFunc adapts a function to EntryDispatcher.
type EntryDispatcherFunc func(ctx context.Context, entry schedule.Entry) error

func (f EntryDispatcherFunc) DispatchEntry(ctx context.Context, entry schedule.Entry) error {
	if f == nil {
		return nil
	}
	return f(ctx, entry)
}

// RetryableError marks a dispatch failure that should re-queue the entry
// with backoff instead of immediately failing it.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Scheduler owns both the evaluation helper (Evaluate/Cancel) and the
// lease-based worker/janitor ticker loops.
type Scheduler struct {
	store      storage.ScheduleStore
	log        *logger.Logger
	cfg        Config
	leaseOwner string
	tracer     core.Tracer

	mu         sync.Mutex
	dispatcher EntryDispatcher

	workerCancel  context.CancelFunc
	workerWG      sync.WaitGroup
	janitorCancel context.CancelFunc
	janitorWG     sync.WaitGroup
	running       bool
}

// New builds a Scheduler. leaseOwner should be unique per process instance
// (e.g. hostname:pid) so ReclaimExpiredLeases can tell dead workers apart.
func New(store storage.ScheduleStore, leaseOwner string, cfg Config, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if leaseOwner == "" {
		leaseOwner = uuid.NewString()
	}
	return &Scheduler{
		store:      store,
		log:        log,
		cfg:        cfg.withDefaults(),
		leaseOwner: leaseOwner,
		tracer:     core.NoopTracer,
	}
}

// WithDispatcher registers the delivery callback invoked for due entries.
func (s *Scheduler) WithDispatcher(d EntryDispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// WithTracer configures the span tracer used around dispatch calls.
func (s *Scheduler) WithTracer(tracer core.Tracer) {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	s.mu.Lock()
	s.tracer = tracer
	s.mu.Unlock()
}

// Name implements system.Service.
func (s *Scheduler) Name() string { return "scheduler" }

// Descriptor implements system.DescriptorProvider.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{Name: s.Name(), Domain: "scheduling", Layer: core.LayerEngine, Capabilities: []string{"schedule", "dispatch", "lease"}}
}

var _ system.Service = (*Scheduler)(nil)

// Start launches the worker and janitor loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	workerCtx, workerCancel := context.WithCancel(ctx)
	janitorCtx, janitorCancel := context.WithCancel(ctx)
	s.workerCancel = workerCancel
	s.janitorCancel = janitorCancel
	s.running = true
	s.mu.Unlock()

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				s.tick(workerCtx)
			}
		}
	}()

	s.janitorWG.Add(1)
	go func() {
		defer s.janitorWG.Done()
		ticker := time.NewTicker(s.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-janitorCtx.Done():
				return
			case <-ticker.C:
				s.janitorTick(janitorCtx)
			}
		}
	}()

	s.log.Info("scheduler started")
	return nil
}

// Stop halts both loops and waits for in-flight ticks to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	workerCancel, janitorCancel := s.workerCancel, s.janitorCancel
	s.running = false
	s.mu.Unlock()

	if workerCancel != nil {
		workerCancel()
	}
	if janitorCancel != nil {
		janitorCancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.workerWG.Wait()
		s.janitorWG.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Tick acquires a batch of due entries and dispatches each one; exported so
// callers and tests can drive it deterministically between ticker fires.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	entries, err := s.store.AcquireScheduleLease(ctx, time.Now().UTC(), s.cfg.Skew, s.leaseOwner, s.cfg.LeaseDuration, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Warn("scheduler: acquire lease failed")
		return
	}
	metrics.SchedulerDueEntries.Set(float64(len(entries)))
	if len(entries) == 0 {
		return
	}

	s.mu.Lock()
	dispatcher := s.dispatcher
	tracer := s.tracer
	s.mu.Unlock()
	if dispatcher == nil {
		return
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e schedule.Entry) {
			defer wg.Done()
			spanCtx, finish := tracer.StartSpan(ctx, "scheduler.dispatch", map[string]string{
				"entry_id":       e.ID,
				"integration_id": e.IntegrationID,
			})
			err := dispatcher.DispatchEntry(spanCtx, e)
			finish(err)
			s.resolve(ctx, e, err)
		}(entry)
	}
	wg.Wait()
}

// resolve transitions entry after a dispatch attempt: success advances a
// RECURRING entry to its next occurrence and marks this one SENT; a
// retryable error reschedules with backoff; anything else (or attempts
// exhausted) marks it FAILED.
func (s *Scheduler) resolve(ctx context.Context, e schedule.Entry, dispatchErr error) {
	now := time.Now().UTC()
	e.UpdatedAt = now

	if dispatchErr == nil {
		e.Status = schedule.StatusSent
		e.LeasedBy = ""
		e.LeasedUntil = time.Time{}
		if err := s.store.UpdateScheduleEntry(ctx, e); err != nil {
			s.log.WithError(err).WithField("entry_id", e.ID).Warn("scheduler: persist sent entry failed")
		}
		if e.RecurringConfig != nil {
			s.scheduleNextOccurrence(ctx, e)
		}
		return
	}

	e.AttemptCount++
	var retryable *RetryableError
	if retryable != nil {
		_ = retryable // unused; the loop below detects *RetryableError by unwrapping
	}
	isRetryable := false
	for err := dispatchErr; err != nil; err = unwrap(err) {
		if _, ok := err.(*RetryableError); ok {
			isRetryable = true
			break
		}
	}

	if isRetryable && e.AttemptCount < s.cfg.MaxAttempts {
		delay := backoffDelay(e.AttemptCount)
		e.Status = schedule.StatusPending
		e.ScheduledFor = now.Add(delay)
		e.LeasedBy = ""
		e.LeasedUntil = time.Time{}
	} else {
		e.Status = schedule.StatusFailed
		e.LeasedBy = ""
		e.LeasedUntil = time.Time{}
	}

	if err := s.store.UpdateScheduleEntry(ctx, e); err != nil {
		s.log.WithError(err).WithField("entry_id", e.ID).Warn("scheduler: persist failed-entry state failed")
	}
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

func backoffDelay(attempt int) time.Duration {
	base := 30 * time.Second
	d := base * time.Duration(1<<uint(attempt))
	cap := 10 * time.Minute
	if d > cap {
		d = cap
	}
	return d
}

func (s *Scheduler) scheduleNextOccurrence(ctx context.Context, e schedule.Entry) {
	next, ok := e.RecurringConfig.Next()
	if !ok {
		return
	}
	nextEntry := schedule.Entry{
		ID:              uuid.NewString(),
		IntegrationID:   e.IntegrationID,
		OrgID:           e.OrgID,
		OriginalEventID: e.OriginalEventID,
		EventType:       e.EventType,
		ScheduledFor:    e.RecurringConfig.FirstOccurrence.Add(time.Duration(e.RecurringConfig.IntervalMs) * time.Millisecond * time.Duration(next.Occurrence-1)),
		Status:          schedule.StatusPending,
		Payload:         e.Payload,
		TargetURL:       e.TargetURL,
		HTTPMethod:      e.HTTPMethod,
		RecurringConfig: &next,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if _, err := s.store.CreateScheduleEntry(ctx, nextEntry); err != nil {
		s.log.WithError(err).WithField("integration_id", e.IntegrationID).Warn("scheduler: create next occurrence failed")
	}
}

func (s *Scheduler) janitorTick(ctx context.Context) {
	now := time.Now().UTC()
	if n, err := s.store.MarkOverdueScheduleEntries(ctx, now, s.cfg.OverdueWindow, 500); err != nil {
		s.log.WithError(err).Warn("scheduler: mark overdue entries failed")
	} else if n > 0 {
		s.log.WithField("count", n).Debug("scheduler: entries marked overdue")
	}
	if n, err := s.store.ReclaimExpiredLeases(ctx, now, 500); err != nil {
		s.log.WithError(err).Warn("scheduler: reclaim expired leases failed")
	} else if n > 0 {
		s.log.WithField("count", n).Debug("scheduler: leases reclaimed")
	}
}

// Cancel cancels every PENDING entry matching (integrationId, originalEventId,
// scheduledFor), used when a later event supersedes a previously scheduled
// dispatch (spec.md §4.J cancellation).
func (s *Scheduler) Cancel(ctx context.Context, integrationID, originalEventID string, scheduledFor time.Time) (int, error) {
	return s.store.CancelMatchingScheduleEntries(ctx, integrationID, originalEventID, scheduledFor)
}

// scriptContext mirrors the context injected into transformation/condition
// scripts (spec.md §4.E), reused here for scheduling scripts.
type scriptContext struct {
	OrgID           string
	OrgUnitID       string
	EventType       string
	IntegrationID   string
	IntegrationName string
	Now             time.Time
}

func (c scriptContext) toArg() map[string]any {
	return map[string]any{
		"orgId":           c.OrgID,
		"orgUnitId":       c.OrgUnitID,
		"eventType":       c.EventType,
		"integrationId":   c.IntegrationID,
		"integrationName": c.IntegrationName,
		"now":             c.Now.UTC().UnixMilli(),
	}
}

// scriptResult is the wire shape a scheduling script must return:
// {"type":"delayed","at":<epoch_ms>} or
// {"type":"recurring","firstOccurrence":<epoch_ms>,"intervalMs":N,"maxOccurrences":N,"endDate":<epoch_ms|0>}.
type scriptResult struct {
	Type            string  `json:"type"`
	At              float64 `json:"at"`
	FirstOccurrence float64 `json:"firstOccurrence"`
	IntervalMs      float64 `json:"intervalMs"`
	MaxOccurrences  float64 `json:"maxOccurrences"`
	EndDate         float64 `json:"endDate"`
}

// Evaluate runs cfg.SchedulingScript for a matched event and returns the
// ScheduledEntry it should be persisted as. payload is stored verbatim for
// later dispatch; the orchestrate caller passes the event's JSON payload
// before transformation, and DispatchEntry transforms it at delivery time.
func (s *Scheduler) Evaluate(ctx context.Context, cfg integration.Config, e event.Event, payload string) (schedule.Entry, error) {
	now := time.Now().UTC()
	sc := scriptContext{
		OrgID:           e.OrgID,
		OrgUnitID:       e.OrgUnitID,
		EventType:       e.EventType,
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		Now:             now,
	}

	script := "function schedule(event, context) { return (" + cfg.SchedulingScript + "); }"
	result, err := sandbox.Run(ctx, sandbox.Request{
		Script:     script,
		EntryPoint: "schedule",
		Args:       []any{e.Payload, sc.toArg()},
		Timeout:    s.cfg.ScriptTimeout,
	})
	if err != nil {
		return schedule.Entry{}, fmt.Errorf("scheduler: evaluate scheduling script: %w", err)
	}

	parsed, err := decodeScriptResult(result.Value)
	if err != nil {
		return schedule.Entry{}, fmt.Errorf("scheduler: decode scheduling script result: %w", err)
	}

	entry := schedule.Entry{
		ID:              uuid.NewString(),
		IntegrationID:   cfg.ID,
		OrgID:           e.OrgID,
		OriginalEventID: e.EventID,
		EventType:       e.EventType,
		Status:          schedule.StatusPending,
		Payload:         payload,
		TargetURL:       cfg.TargetURL,
		HTTPMethod:      cfg.HTTPMethod,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch parsed.Type {
	case "recurring":
		rc := schedule.RecurringConfig{
			FirstOccurrence: msToTime(parsed.FirstOccurrence),
			IntervalMs:      int64(parsed.IntervalMs),
			MaxOccurrences:  int(parsed.MaxOccurrences),
			Occurrence:      1,
		}
		if parsed.EndDate > 0 {
			rc.EndDate = msToTime(parsed.EndDate)
		}
		entry.RecurringConfig = &rc
		entry.ScheduledFor = rc.FirstOccurrence
	default: // "delayed" and anything unrecognized defaults to a one-shot delay
		entry.ScheduledFor = msToTime(parsed.At)
	}

	return s.store.CreateScheduleEntry(ctx, entry)
}

func msToTime(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

func decodeScriptResult(v any) (scriptResult, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return scriptResult{}, fmt.Errorf("scheduling script must return an object, got %T", v)
	}
	var r scriptResult
	r.Type, _ = m["type"].(string)
	r.At = toFloat(m["at"])
	r.FirstOccurrence = toFloat(m["firstOccurrence"])
	r.IntervalMs = toFloat(m["intervalMs"])
	r.MaxOccurrences = toFloat(m["maxOccurrences"])
	r.EndDate = toFloat(m["endDate"])
	return r, nil
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
