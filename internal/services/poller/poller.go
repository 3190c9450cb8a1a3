// Package poller implements the Source Poller (spec.md §4.A): a
// per-(source, org) ticker that reads new rows from a pluggable upstream
// (MySQL event-queue table, Mongo collection, or HTTP pull source),
// normalizes them into Events, and hands them to the Deduplicator/Event
// Audit Store for durable, exactly-once acceptance before advancing its
// checkpoint.
//
// Grounded on the teacher's services/automation.Scheduler ticker shape
// (Start/Stop/tick, mutex-guarded running flag, WaitGroup drain on Stop)
// applied to a read-then-checkpoint loop instead of a dispatch loop.
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	core "github.com/r3e-labs/integration-gateway/internal/app/core/service"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
	"github.com/r3e-labs/integration-gateway/internal/app/system"
	"github.com/r3e-labs/integration-gateway/internal/services/audit"
	"github.com/r3e-labs/integration-gateway/internal/services/dedup"
	"github.com/r3e-labs/integration-gateway/pkg/logger"
	"github.com/r3e-labs/integration-gateway/pkg/metrics"
)

// retentionTTL matches the Event Audit Store's 90 day default (spec.md §3);
// the poller stamps ExpiresAt itself since it, not the audit janitor, is the
// only writer that ever inserts a brand new row.
var retentionTTL = audit.DefaultTTL

// Row is one normalized upstream record, independent of which Source
// produced it (MySQL, Mongo, HTTP).
type Row struct {
	ID        int64
	OrgID     string
	OrgUnitID string
	EventType string
	Payload   map[string]any
	Timestamp time.Time
	// ParseError is set by a Source that could not decode the row's raw
	// payload (e.g. invalid JSON); normalize treats any such row as
	// malformed rather than silently substituting an empty payload.
	ParseError error
}

// Source abstracts the upstream event-queue: a MySQL table by default,
// Mongo or HTTP when configured per spec.md §1 "pluggable Mongo/HTTP".
type Source interface {
	// Name identifies the source kind for logging/metrics, e.g. "mysql".
	Name() string
	// FetchRows returns up to limit rows with ID > afterID, ascending by ID.
	FetchRows(ctx context.Context, afterID int64, limit int) ([]Row, error)
}

// Defaults per spec.md §4.A.
const (
	DefaultIntervalSeconds = 5
	MinIntervalSeconds     = 1
	MaxIntervalSeconds     = 300

	DefaultBatchSize = 10
	MinBatchSize     = 1
	MaxBatchSize     = 100

	DefaultDBTimeoutSeconds = 30
	MinDBTimeoutSeconds     = 1
	MaxDBTimeoutSeconds     = 120

	DefaultMaxBackoff = 60 * time.Second
)

// Config tunes one Poller instance.
type Config struct {
	IntervalSeconds  int
	BatchSize        int
	DBTimeoutSeconds int
	MaxBackoff       time.Duration
}

func (c Config) withDefaults() Config {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = DefaultIntervalSeconds
	}
	if c.IntervalSeconds < MinIntervalSeconds {
		c.IntervalSeconds = MinIntervalSeconds
	}
	if c.IntervalSeconds > MaxIntervalSeconds {
		c.IntervalSeconds = MaxIntervalSeconds
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > MaxBatchSize {
		c.BatchSize = MaxBatchSize
	}
	if c.DBTimeoutSeconds <= 0 {
		c.DBTimeoutSeconds = DefaultDBTimeoutSeconds
	}
	if c.DBTimeoutSeconds > MaxDBTimeoutSeconds {
		c.DBTimeoutSeconds = MaxDBTimeoutSeconds
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// RowError is emitted on the error channel for a row that could not be
// normalized into an Event (spec.md §4.A "poison-pill skip").
type RowError struct {
	Row Row
	Err error
}

// EventHandler receives every event the poller durably accepted, to drive
// the rest of the pipeline (matcher/transformer/delivery). Errors returned
// here do not block checkpoint advancement: per spec.md §4.A the
// checkpoint moves once the Event Audit Store has accepted the row, not
// after downstream delivery.
type EventHandler func(ctx context.Context, e event.Event, isNew bool)

// Poller owns the ticker loop for one (source, orgId) stream.
type Poller struct {
	source           Source
	sourceIdentifier string
	orgID            string

	checkpoints storage.CheckpointStore
	dedup       *dedup.Deduplicator
	audit       *audit.Store
	onEvent     EventHandler
	errs        chan<- RowError

	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	backoff time.Duration
}

// New builds a Poller for one (source, sourceIdentifier, orgId) stream.
// errs may be nil to discard malformed-row notifications.
func New(source Source, sourceIdentifier, orgID string, checkpoints storage.CheckpointStore, dedupe *dedup.Deduplicator, auditStore *audit.Store, onEvent EventHandler, errs chan<- RowError, cfg Config, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewDefault("poller")
	}
	return &Poller{
		source:           source,
		sourceIdentifier: sourceIdentifier,
		orgID:            orgID,
		checkpoints:      checkpoints,
		dedup:            dedupe,
		audit:            auditStore,
		onEvent:          onEvent,
		errs:             errs,
		cfg:              cfg.withDefaults(),
		log:              log,
	}
}

// Name implements system.Service.
func (p *Poller) Name() string {
	return fmt.Sprintf("poller-%s-%s-%s", p.source.Name(), p.sourceIdentifier, p.orgID)
}

// Descriptor implements system.DescriptorProvider.
func (p *Poller) Descriptor() core.Descriptor {
	return core.Descriptor{Name: p.Name(), Domain: "ingestion", Layer: core.LayerIngress, Capabilities: []string{"poll", "checkpoint"}}
}

var _ system.Service = (*Poller)(nil)

// Start begins the ticker loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(runCtx)
	return nil
}

// Stop halts the ticker loop and waits for the in-flight tick to finish.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Duration(p.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick fetches one batch and processes each row in ascending id order,
// advancing the checkpoint once the whole batch is durably handled (either
// accepted into the Event Audit Store or skipped as malformed). Exported so
// callers (and tests) can drive the loop deterministically alongside the
// internal ticker.
func (p *Poller) Tick(ctx context.Context) {
	cp, err := p.checkpoints.GetCheckpoint(ctx, p.source.Name(), p.sourceIdentifier, p.orgID)
	if err != nil {
		p.log.WithError(err).Warn("poller: load checkpoint failed")
		p.pauseOnTransientError()
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.DBTimeoutSeconds)*time.Second)
	rows, err := p.source.FetchRows(fetchCtx, cp.LastProcessedID, p.cfg.BatchSize)
	cancel()
	if err != nil {
		p.log.WithError(err).Warn("poller: fetch rows failed")
		p.pauseOnTransientError()
		return
	}
	p.resetBackoff()

	metrics.PollerBatchSize.WithLabelValues(p.source.Name()).Observe(float64(len(rows)))
	if len(rows) == 0 {
		return
	}

	maxID := cp.LastProcessedID
	now := time.Now().UTC()
	var lastRowTime time.Time
	for _, row := range rows {
		if row.ID > maxID {
			maxID = row.ID
		}
		if row.Timestamp.After(lastRowTime) {
			lastRowTime = row.Timestamp
		}
		p.processRow(ctx, row, now)
	}

	cp = cp.Advance(maxID, now)
	if err := p.checkpoints.AdvanceCheckpoint(ctx, cp); err != nil {
		p.log.WithError(err).Warn("poller: advance checkpoint failed")
	}
	if !lastRowTime.IsZero() {
		metrics.PollerLagSeconds.WithLabelValues(p.source.Name(), p.orgID).Set(now.Sub(lastRowTime).Seconds())
	}
}

func (p *Poller) processRow(ctx context.Context, row Row, receivedAt time.Time) {
	e, err := normalize(p.source.Name(), row, receivedAt)
	if err != nil {
		p.log.WithError(err).WithField("rowId", row.ID).Warn("poller: malformed row skipped")
		if p.errs != nil {
			select {
			case p.errs <- RowError{Row: row, Err: err}:
			default:
			}
		}
		return
	}

	eventKey := eventKeyFor(e)
	result, err := p.dedup.TryAccept(ctx, e, eventKey)
	if err != nil {
		p.log.WithError(err).WithField("rowId", row.ID).Warn("poller: dedup/insert failed")
		return
	}
	if !result.Inserted {
		return
	}
	if p.onEvent != nil {
		p.onEvent(ctx, e, true)
	}
}

func (p *Poller) pauseOnTransientError() {
	p.mu.Lock()
	if p.backoff == 0 {
		p.backoff = time.Second
	} else {
		p.backoff *= 2
	}
	if p.backoff > p.cfg.MaxBackoff {
		p.backoff = p.cfg.MaxBackoff
	}
	wait := p.backoff
	p.mu.Unlock()
	time.Sleep(wait)
}

func (p *Poller) resetBackoff() {
	p.mu.Lock()
	p.backoff = 0
	p.mu.Unlock()
}

// normalize converts a raw upstream Row into an Event, returning an error
// for rows that are missing required fields (poison-pill detection).
func normalize(source string, row Row, receivedAt time.Time) (event.Event, error) {
	if row.ParseError != nil {
		return event.Event{}, fmt.Errorf("row %d: parse payload: %w", row.ID, row.ParseError)
	}
	if row.OrgID == "" {
		return event.Event{}, fmt.Errorf("row %d: missing orgId", row.ID)
	}
	if row.EventType == "" {
		return event.Event{}, fmt.Errorf("row %d: missing eventType", row.ID)
	}
	payload := row.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	hash, err := payloadHash(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("row %d: hash payload: %w", row.ID, err)
	}
	return event.Event{
		Source:      source,
		SourceID:    fmt.Sprintf("%d", row.ID),
		OrgID:       row.OrgID,
		OrgUnitID:   row.OrgUnitID,
		EventType:   row.EventType,
		Payload:     payload,
		ReceivedAt:  receivedAt,
		ExpiresAt:   receivedAt.Add(retentionTTL),
		PayloadHash: hash,
		Status:      event.StatusReceived,
	}, nil
}

func payloadHash(payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// eventKeyFor computes the fallback dedup discriminator handed to the store
// alongside the event. normalize gives every polled row a SourceID (its ID),
// whatever the source, so the Deduplicator keys polled events on
// (source, sourceId) rather than on this value.
func eventKeyFor(e event.Event) string {
	idLike := ""
	for _, key := range []string{"id", "Id", "ID", "uuid", "eventId"} {
		if v, ok := e.Payload[key]; ok {
			idLike = fmt.Sprintf("%v", v)
			break
		}
	}
	return dedup.EventKey(e.EventType, idLike, e.OrgID)
}
