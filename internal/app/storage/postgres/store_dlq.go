package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/dlq"
)

// --- DLQStore ----------------------------------------------------------

func (s *Store) CreateDLQEntry(ctx context.Context, e dlq.Entry) (dlq.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	errorJSON, err := marshalJSON(e.Error)
	if err != nil {
		return dlq.Entry{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_dlq_entries (id, trace_id, message_id, integration_id, org_id, direction, action_index, payload, error, retryable, max_retries, retry_strategy, next_attempt_at, attempts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, e.ID, toNullString(e.TraceID), e.MessageID, e.IntegrationID, e.OrgID, e.Direction, e.ActionIndex, e.Payload, errorJSON, e.Retryable, e.MaxRetries, e.RetryStrategy, e.NextAttemptAt, e.Attempts, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return dlq.Entry{}, err
	}
	return e, nil
}

func (s *Store) UpdateDLQEntry(ctx context.Context, e dlq.Entry) error {
	e.UpdatedAt = time.Now().UTC()
	errorJSON, err := marshalJSON(e.Error)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_dlq_entries
		SET error = $2, retryable = $3, next_attempt_at = $4, attempts = $5, status = $6, updated_at = $7
		WHERE id = $1
	`, e.ID, errorJSON, e.Retryable, e.NextAttemptAt, e.Attempts, e.Status, e.UpdatedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetDLQEntry(ctx context.Context, id string) (dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, message_id, integration_id, org_id, direction, action_index, payload, error, retryable, max_retries, retry_strategy, next_attempt_at, attempts, status, created_at, updated_at
		FROM gw_dlq_entries WHERE id = $1
	`, id)
	return scanDLQEntry(row)
}

func (s *Store) GetDLQEntryByTraceID(ctx context.Context, traceID string) (dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, message_id, integration_id, org_id, direction, action_index, payload, error, retryable, max_retries, retry_strategy, next_attempt_at, attempts, status, created_at, updated_at
		FROM gw_dlq_entries WHERE trace_id = $1
	`, traceID)
	return scanDLQEntry(row)
}

func (s *Store) ListDueDLQEntries(ctx context.Context, now time.Time, limit int) ([]dlq.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, message_id, integration_id, org_id, direction, action_index, payload, error, retryable, max_retries, retry_strategy, next_attempt_at, attempts, status, created_at, updated_at
		FROM gw_dlq_entries
		WHERE status = $1 AND retryable AND next_attempt_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3
	`, dlq.StatusQueued, now, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDLQEntries(rows)
}

func (s *Store) ListDLQByIntegration(ctx context.Context, integrationID string, limit int) ([]dlq.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, message_id, integration_id, org_id, direction, action_index, payload, error, retryable, max_retries, retry_strategy, next_attempt_at, attempts, status, created_at, updated_at
		FROM gw_dlq_entries
		WHERE integration_id = $1
		ORDER BY created_at
		LIMIT $2
	`, integrationID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDLQEntries(rows)
}

func scanDLQEntries(rows *sql.Rows) ([]dlq.Entry, error) {
	var out []dlq.Entry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanDLQEntry(scanner rowScanner) (dlq.Entry, error) {
	var (
		e        dlq.Entry
		traceID  sql.NullString
		errorRaw []byte
	)
	if err := scanner.Scan(&e.ID, &traceID, &e.MessageID, &e.IntegrationID, &e.OrgID, &e.Direction, &e.ActionIndex, &e.Payload, &errorRaw, &e.Retryable, &e.MaxRetries, &e.RetryStrategy, &e.NextAttemptAt, &e.Attempts, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return dlq.Entry{}, err
	}
	if traceID.Valid {
		e.TraceID = traceID.String
	}
	unmarshalJSON(errorRaw, &e.Error)
	return e, nil
}
