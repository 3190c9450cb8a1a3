// Package audit wraps the Event Audit Store (spec.md §4.B) with the
// lifecycle transition helpers and the janitor that reassigns long-running
// PROCESSING events to STUCK and expires rows past their TTL.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-labs/integration-gateway/internal/app/core/service"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
	"github.com/r3e-labs/integration-gateway/pkg/logger"
)

// DefaultStuckThreshold is spec.md §4.B's T_stuck default.
const DefaultStuckThreshold = 10 * time.Minute

// DefaultTTL is spec.md §3's 90 day retention window.
const DefaultTTL = 90 * 24 * time.Hour

// Store is the lifecycle-aware facade over storage.EventStore.
type Store struct {
	backend        storage.EventStore
	log            *logger.Logger
	stuckThreshold time.Duration
	ttl            time.Duration

	janitorInterval time.Duration
	stop            chan struct{}
	done            chan struct{}
}

// Option customises a Store.
type Option func(*Store)

// WithStuckThreshold overrides T_stuck.
func WithStuckThreshold(d time.Duration) Option {
	return func(s *Store) { s.stuckThreshold = d }
}

// WithTTL overrides the expiry window.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithJanitorInterval overrides how often the background janitor runs.
func WithJanitorInterval(d time.Duration) Option {
	return func(s *Store) { s.janitorInterval = d }
}

// New constructs a Store.
func New(backend storage.EventStore, log *logger.Logger, opts ...Option) *Store {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	s := &Store{
		backend:         backend,
		log:             log,
		stuckThreshold:  DefaultStuckThreshold,
		ttl:             DefaultTTL,
		janitorInterval: time.Minute,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryInsert durably accepts a new event, enforcing the dedup invariant at
// the storage layer.
func (s *Store) TryInsert(ctx context.Context, e event.Event, eventKey string) (storage.InsertResult, error) {
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.ReceivedAt.Add(s.ttl)
	}
	return s.backend.TryInsertEvent(ctx, e, eventKey)
}

// Transition appends a timeline entry and advances status, refusing to
// transition an event already in a terminal state (spec.md §8 at-most-once
// terminal state — this invariant is specific to ExecutionLog, but the
// Event lifecycle observes the same discipline for its own terminal set).
func (s *Store) Transition(ctx context.Context, eventID string, status event.Status, details string) error {
	current, err := s.backend.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("audit: load event %s: %w", eventID, err)
	}
	if current.IsTerminal() {
		return fmt.Errorf("audit: event %s already in terminal state %s", eventID, current.Status)
	}
	return s.backend.UpdateEventStatus(ctx, eventID, status, details, time.Now())
}

// Name implements system.Service.
func (s *Store) Name() string { return "event-audit-janitor" }

// Descriptor implements system.DescriptorProvider.
func (s *Store) Descriptor() service.Descriptor {
	return service.Descriptor{Name: s.Name(), Domain: "ingestion", Layer: service.LayerData}
}

// Start launches the background janitor loop.
func (s *Store) Start(ctx context.Context) error {
	go s.run(ctx)
	return nil
}

// Stop halts the janitor loop, waiting for the in-flight tick to finish.
func (s *Store) Stop(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Store) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Store) tick(ctx context.Context) {
	now := time.Now()
	stuck, err := s.backend.ListStuckCandidates(ctx, now.Add(-s.stuckThreshold), 100)
	if err != nil {
		s.log.WithError(err).Warn("list stuck candidates")
	} else {
		for _, e := range stuck {
			if err := s.backend.UpdateEventStatus(ctx, e.EventID, event.StatusStuck, "janitor: processing exceeded stuck threshold", now); err != nil {
				s.log.WithError(err).WithField("event_id", e.EventID).Warn("mark event stuck")
			}
		}
	}

	if deleted, err := s.backend.DeleteExpiredEvents(ctx, now, 500); err != nil {
		s.log.WithError(err).Warn("delete expired events")
	} else if deleted > 0 {
		s.log.WithField("count", deleted).Debug("expired events purged")
	}
}
