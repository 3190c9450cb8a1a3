// Package circuitbreaker implements the per-integration breaker of
// spec.md §4.I: CLOSED -> OPEN on consecutive failures, a single HALF_OPEN
// probe after cooldown, and an optional auto-disable escalation.
//
// The state machine is purpose-built and persisted through
// storage.CircuitStore (mirrored to Redis when configured) rather than kept
// in process memory, since spec.md §9 requires circuit state to survive
// restarts ("global mutable state ... rebuild lazily on start").
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/circuit"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
)

// Defaults per spec.md §4.I.
const (
	DefaultThreshold            = 10
	DefaultCooldown             = 5 * time.Minute
	DefaultAutoDisableThreshold = 50
)

// Config tunes one Registry's thresholds.
type Config struct {
	Threshold            int
	Cooldown             time.Duration
	AutoDisableThreshold int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.AutoDisableThreshold <= 0 {
		c.AutoDisableThreshold = DefaultAutoDisableThreshold
	}
	return c
}

// AutoDisableFunc is invoked when an integration crosses autoDisableThreshold;
// the caller is expected to flip IntegrationConfig.isActive=false and emit
// the AUTO_DISABLED alert (spec.md §4.I, wired to the Alert Dispatcher).
type AutoDisableFunc func(ctx context.Context, integrationID string)

// Registry tracks one breaker Snapshot per integration, persisted via
// storage.CircuitStore and mirrored to Redis so every process instance
// observes the same OPEN/CLOSED view without all of them hitting Postgres.
type Registry struct {
	cfg   Config
	store storage.CircuitStore
	redis *redis.Client
	log   logrus.FieldLogger

	onAutoDisable AutoDisableFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Registry. rdb and onAutoDisable may both be nil.
func New(store storage.CircuitStore, rdb *redis.Client, cfg Config, onAutoDisable AutoDisableFunc, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		cfg:           cfg.withDefaults(),
		store:         store,
		redis:         rdb,
		log:           log,
		onAutoDisable: onAutoDisable,
		locks:         make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockFor(integrationID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[integrationID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[integrationID] = l
	}
	return l
}

// Decision is returned by Allow and tells the caller whether to proceed.
type Decision struct {
	Allowed bool
	IsProbe bool // true when this call is the single HALF_OPEN probe
}

// Allow reports whether a new delivery attempt for integrationID may
// proceed, transitioning OPEN -> HALF_OPEN exactly once per cooldown.
func (r *Registry) Allow(ctx context.Context, integrationID string) (Decision, error) {
	lock := r.lockFor(integrationID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := r.load(ctx, integrationID)
	if err != nil {
		return Decision{}, err
	}

	now := time.Now().UTC()
	switch snap.State {
	case circuit.StateClosed:
		return Decision{Allowed: true}, nil
	case circuit.StateHalfOpen:
		// Another goroutine already claimed the probe; short-circuit.
		return Decision{Allowed: false}, nil
	case circuit.StateOpen:
		if now.Before(snap.NextProbeAt) {
			return Decision{Allowed: false}, nil
		}
		snap.State = circuit.StateHalfOpen
		snap.UpdatedAt = now
		if err := r.persist(ctx, snap); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, IsProbe: true}, nil
	default:
		return Decision{Allowed: true}, nil
	}
}

// RecordSuccess closes the circuit and resets the consecutive failure count.
func (r *Registry) RecordSuccess(ctx context.Context, integrationID string) error {
	lock := r.lockFor(integrationID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := r.load(ctx, integrationID)
	if err != nil {
		return err
	}
	snap.State = circuit.StateClosed
	snap.ConsecutiveFailures = 0
	snap.OpenedAt = time.Time{}
	snap.NextProbeAt = time.Time{}
	snap.UpdatedAt = time.Now().UTC()
	return r.persist(ctx, snap)
}

// RecordFailure increments the consecutive failure counter, opening the
// circuit at Threshold and invoking the auto-disable hook at
// AutoDisableThreshold.
func (r *Registry) RecordFailure(ctx context.Context, integrationID string) error {
	lock := r.lockFor(integrationID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := r.load(ctx, integrationID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	snap.ConsecutiveFailures++
	snap.UpdatedAt = now

	if snap.State == circuit.StateHalfOpen || snap.ConsecutiveFailures >= r.cfg.Threshold {
		snap.State = circuit.StateOpen
		snap.OpenedAt = now
		snap.NextProbeAt = now.Add(r.cfg.Cooldown)
	}

	if !snap.AutoDisabled && snap.ConsecutiveFailures >= r.cfg.AutoDisableThreshold {
		snap.AutoDisabled = true
		if r.onAutoDisable != nil {
			r.onAutoDisable(ctx, integrationID)
		}
	}

	return r.persist(ctx, snap)
}

// Snapshot returns the current breaker state for integrationID.
func (r *Registry) Snapshot(ctx context.Context, integrationID string) (circuit.Snapshot, error) {
	lock := r.lockFor(integrationID)
	lock.Lock()
	defer lock.Unlock()
	return r.load(ctx, integrationID)
}

// Reset forces integrationID back to CLOSED, used by the admin manual
// override endpoint (SPEC_FULL.md supplemented feature #3).
func (r *Registry) Reset(ctx context.Context, integrationID string) error {
	return r.RecordSuccess(ctx, integrationID)
}

func (r *Registry) load(ctx context.Context, integrationID string) (circuit.Snapshot, error) {
	snap, err := r.store.GetCircuit(ctx, integrationID)
	if err != nil {
		return circuit.Snapshot{}, err
	}
	if snap.IntegrationID == "" {
		snap.IntegrationID = integrationID
		snap.State = circuit.StateClosed
	}
	return snap, nil
}

func (r *Registry) persist(ctx context.Context, snap circuit.Snapshot) error {
	if err := r.store.UpsertCircuit(ctx, snap); err != nil {
		r.log.WithError(err).WithField("integrationId", snap.IntegrationID).Warn("circuitbreaker: failed to persist snapshot")
		return err
	}
	if r.redis != nil {
		_ = r.redis.Set(ctx, "gateway:circuit:"+snap.IntegrationID, string(snap.State), 0).Err()
	}
	return nil
}
