package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/schedule"
)

// --- ScheduleStore ----------------------------------------------------------

func (s *Store) CreateScheduleEntry(ctx context.Context, e schedule.Entry) (schedule.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	recurringJSON, err := marshalJSON(e.RecurringConfig)
	if err != nil {
		return schedule.Entry{}, err
	}
	cancellationJSON, err := marshalJSON(e.Cancellation)
	if err != nil {
		return schedule.Entry{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_schedule_entries (id, integration_id, org_id, original_event_id, event_type, scheduled_for, status, payload, target_url, http_method, attempt_count, recurring_config, cancellation, leased_by, leased_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, e.ID, e.IntegrationID, e.OrgID, e.OriginalEventID, e.EventType, e.ScheduledFor, e.Status, e.Payload, e.TargetURL, e.HTTPMethod, e.AttemptCount, recurringJSON, cancellationJSON, toNullString(e.LeasedBy), toNullTime(e.LeasedUntil), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return schedule.Entry{}, err
	}
	return e, nil
}

func (s *Store) GetScheduleEntry(ctx context.Context, id string) (schedule.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, integration_id, org_id, original_event_id, event_type, scheduled_for, status, payload, target_url, http_method, attempt_count, recurring_config, cancellation, leased_by, leased_until, created_at, updated_at
		FROM gw_schedule_entries WHERE id = $1
	`, id)
	return scanScheduleEntry(row)
}

// AcquireScheduleLease atomically selects up to limit due entries and
// stamps them PROCESSING under row locks, the postgres equivalent of a
// findOneAndUpdate-style claim: FOR UPDATE SKIP LOCKED prevents two
// scheduler workers from leasing the same row.
func (s *Store) AcquireScheduleLease(ctx context.Context, now time.Time, skew time.Duration, leaseOwner string, leaseDuration time.Duration, limit int) ([]schedule.Entry, error) {
	var leased []schedule.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM gw_schedule_entries
			WHERE status = $1 AND scheduled_for <= $2
			ORDER BY scheduled_for
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, schedule.StatusPending, now.Add(skew), nullLimit(limit))
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		leasedUntil := now.Add(leaseDuration)
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE gw_schedule_entries
				SET status = $2, leased_by = $3, leased_until = $4, updated_at = $5
				WHERE id = $1
			`, id, schedule.StatusProcessing, leaseOwner, leasedUntil, now)
			if err != nil {
				return err
			}
			row := tx.QueryRowContext(ctx, `
				SELECT id, integration_id, org_id, original_event_id, event_type, scheduled_for, status, payload, target_url, http_method, attempt_count, recurring_config, cancellation, leased_by, leased_until, created_at, updated_at
				FROM gw_schedule_entries WHERE id = $1
			`, id)
			e, err := scanScheduleEntry(row)
			if err != nil {
				return err
			}
			leased = append(leased, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *Store) UpdateScheduleEntry(ctx context.Context, e schedule.Entry) error {
	e.UpdatedAt = time.Now().UTC()
	recurringJSON, err := marshalJSON(e.RecurringConfig)
	if err != nil {
		return err
	}
	cancellationJSON, err := marshalJSON(e.Cancellation)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_schedule_entries
		SET status = $2, attempt_count = $3, recurring_config = $4, cancellation = $5, leased_by = $6, leased_until = $7, updated_at = $8
		WHERE id = $1
	`, e.ID, e.Status, e.AttemptCount, recurringJSON, cancellationJSON, toNullString(e.LeasedBy), toNullTime(e.LeasedUntil), e.UpdatedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) CancelMatchingScheduleEntries(ctx context.Context, integrationID string, originalEventID string, scheduledFor time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_schedule_entries
		SET status = $1, cancellation = $2, updated_at = $3
		WHERE integration_id = $4 AND status = $5
		  AND ($6 = '' OR original_event_id = $6)
		  AND ($7::timestamptz IS NULL OR scheduled_for = $7)
	`, schedule.StatusCancelled, mustJSON(schedule.CancellationInfo{Reason: "superseded", CancelledAt: time.Now().UTC(), CausedByID: originalEventID}), time.Now().UTC(), integrationID, schedule.StatusPending, originalEventID, nullableTime(scheduledFor))
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *Store) MarkOverdueScheduleEntries(ctx context.Context, now time.Time, overdueWindow time.Duration, limit int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_schedule_entries
		SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM gw_schedule_entries
			WHERE status = $3 AND scheduled_for < $4
			LIMIT $5
		)
	`, schedule.StatusOverdue, now, schedule.StatusPending, now.Add(-overdueWindow), nullLimit(limit))
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time, limit int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_schedule_entries
		SET status = $1, leased_by = NULL, leased_until = NULL, updated_at = $2
		WHERE id IN (
			SELECT id FROM gw_schedule_entries
			WHERE status = $3 AND leased_until < $2
			LIMIT $4
		)
	`, schedule.StatusPending, now, schedule.StatusProcessing, nullLimit(limit))
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func mustJSON(v any) []byte {
	raw, err := marshalJSON(v)
	if err != nil {
		return []byte("null")
	}
	return raw
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func scanScheduleEntry(scanner rowScanner) (schedule.Entry, error) {
	var (
		e             schedule.Entry
		recurringRaw  []byte
		cancelRaw     []byte
		leasedBy      sql.NullString
		leasedUntil   sql.NullTime
	)
	if err := scanner.Scan(&e.ID, &e.IntegrationID, &e.OrgID, &e.OriginalEventID, &e.EventType, &e.ScheduledFor, &e.Status, &e.Payload, &e.TargetURL, &e.HTTPMethod, &e.AttemptCount, &recurringRaw, &cancelRaw, &leasedBy, &leasedUntil, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return schedule.Entry{}, err
	}
	if leasedBy.Valid {
		e.LeasedBy = leasedBy.String
	}
	if leasedUntil.Valid {
		e.LeasedUntil = leasedUntil.Time.UTC()
	}
	if len(recurringRaw) > 0 && string(recurringRaw) != "null" {
		var rc schedule.RecurringConfig
		unmarshalJSON(recurringRaw, &rc)
		e.RecurringConfig = &rc
	}
	if len(cancelRaw) > 0 && string(cancelRaw) != "null" {
		var ci schedule.CancellationInfo
		unmarshalJSON(cancelRaw, &ci)
		e.Cancellation = &ci
	}
	return e, nil
}
