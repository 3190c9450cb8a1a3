package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
)

// --- EventStore --------------------------------------------------------

func (s *Store) TryInsertEvent(ctx context.Context, e event.Event, eventKey string) (storage.InsertResult, error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = event.StatusReceived
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.ReceivedAt.Add(90 * 24 * time.Hour)
	}

	payloadJSON, err := marshalJSON(e.Payload)
	if err != nil {
		return storage.InsertResult{}, err
	}
	timelineJSON, err := marshalJSON(e.Timeline)
	if err != nil {
		return storage.InsertResult{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_events (event_id, source, source_id, org_id, org_unit_id, event_type, payload, received_at, payload_hash, status, timeline, expires_at, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (dedup_key) DO NOTHING
	`, e.EventID, e.Source, toNullString(e.SourceID), e.OrgID, e.OrgUnitID, e.EventType, payloadJSON, e.ReceivedAt, e.PayloadHash, e.Status, timelineJSON, e.ExpiresAt, eventDedupKey(e, eventKey))
	if err != nil {
		return storage.InsertResult{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, source, source_id, org_id, org_unit_id, event_type, payload, received_at, payload_hash, status, timeline, expires_at
		FROM gw_events WHERE dedup_key = $1
	`, eventDedupKey(e, eventKey))
	stored, err := scanEvent(row)
	if err != nil {
		return storage.InsertResult{}, err
	}
	if stored.EventID != e.EventID {
		return storage.InsertResult{Inserted: false, Existing: &stored}, nil
	}
	return storage.InsertResult{Inserted: true}, nil
}

func eventDedupKey(e event.Event, eventKey string) string {
	if e.SourceID != "" {
		return "src:" + e.Source + "|" + e.SourceID
	}
	return "fallback:" + e.OrgID + "|" + eventKey + "|" + event.Bucket(e.ReceivedAt).Format(time.RFC3339)
}

func (s *Store) UpdateEventStatus(ctx context.Context, eventID string, status event.Status, details string, at time.Time) error {
	e, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	e = e.AppendTimeline(status, details, at)
	timelineJSON, err := marshalJSON(e.Timeline)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_events SET status = $2, timeline = $3 WHERE event_id = $1
	`, eventID, e.Status, timelineJSON)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, source, source_id, org_id, org_unit_id, event_type, payload, received_at, payload_hash, status, timeline, expires_at
		FROM gw_events WHERE event_id = $1
	`, eventID)
	return scanEvent(row)
}

func (s *Store) ListStuckCandidates(ctx context.Context, processingSince time.Time, limit int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, source, source_id, org_id, org_unit_id, event_type, payload, received_at, payload_hash, status, timeline, expires_at
		FROM gw_events
		WHERE status = $1 AND received_at < $2
		ORDER BY received_at
		LIMIT $3
	`, event.StatusProcessing, processingSince, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredEvents(ctx context.Context, before time.Time, limit int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM gw_events WHERE event_id IN (
			SELECT event_id FROM gw_events WHERE expires_at < $1 LIMIT $2
		)
	`, before, nullLimit(limit))
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func nullLimit(limit int) int64 {
	if limit <= 0 {
		return 1 << 31
	}
	return int64(limit)
}

func scanEvent(scanner rowScanner) (event.Event, error) {
	var (
		e            event.Event
		sourceID     sql.NullString
		payloadRaw   []byte
		timelineRaw  []byte
	)
	if err := scanner.Scan(&e.EventID, &e.Source, &sourceID, &e.OrgID, &e.OrgUnitID, &e.EventType, &payloadRaw, &e.ReceivedAt, &e.PayloadHash, &e.Status, &timelineRaw, &e.ExpiresAt); err != nil {
		return event.Event{}, err
	}
	if sourceID.Valid {
		e.SourceID = sourceID.String
	}
	unmarshalJSON(payloadRaw, &e.Payload)
	unmarshalJSON(timelineRaw, &e.Timeline)
	return e, nil
}
