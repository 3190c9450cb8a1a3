package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
)

// --- ExecutionStore ----------------------------------------------------------

func (s *Store) CreateLog(ctx context.Context, log execution.Log) (execution.Log, error) {
	if log.TraceID == "" {
		log.TraceID = uuid.NewString()
	}

	requestJSON, err := marshalJSON(log.Request)
	if err != nil {
		return execution.Log{}, err
	}
	stepsJSON, err := marshalJSON(log.Steps)
	if err != nil {
		return execution.Log{}, err
	}
	responseJSON, err := marshalJSON(log.Response)
	if err != nil {
		return execution.Log{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_execution_logs (trace_id, parent_trace_id, direction, trigger_type, integration_id, integration_name, org_id, event_id, message_id, action_index, request, steps, response, error, status, started_at, finished_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, log.TraceID, toNullString(log.ParentTraceID), log.Direction, log.TriggerType, log.IntegrationID, log.IntegrationName, log.OrgID, log.EventID, log.MessageID, log.ActionIndex, requestJSON, stepsJSON, responseJSON, log.Error, log.Status, log.StartedAt, toNullTime(log.FinishedAt), log.DurationMs)
	if err != nil {
		return execution.Log{}, err
	}
	return log, nil
}

func (s *Store) UpdateLog(ctx context.Context, log execution.Log) error {
	stepsJSON, err := marshalJSON(log.Steps)
	if err != nil {
		return err
	}
	responseJSON, err := marshalJSON(log.Response)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_execution_logs
		SET steps = $2, response = $3, error = $4, status = $5, finished_at = $6, duration_ms = $7
		WHERE trace_id = $1
	`, log.TraceID, stepsJSON, responseJSON, log.Error, log.Status, toNullTime(log.FinishedAt), log.DurationMs)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetLog(ctx context.Context, traceID string) (execution.Log, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, parent_trace_id, direction, trigger_type, integration_id, integration_name, org_id, event_id, message_id, action_index, request, steps, response, error, status, started_at, finished_at, duration_ms
		FROM gw_execution_logs WHERE trace_id = $1
	`, traceID)
	return scanExecutionLog(row)
}

func (s *Store) ListLogsByEvent(ctx context.Context, eventID string) ([]execution.Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, parent_trace_id, direction, trigger_type, integration_id, integration_name, org_id, event_id, message_id, action_index, request, steps, response, error, status, started_at, finished_at, duration_ms
		FROM gw_execution_logs WHERE event_id = $1 ORDER BY started_at
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []execution.Log
	for rows.Next() {
		log, err := scanExecutionLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func (s *Store) ListFailedLogs(ctx context.Context, orgID, integrationID string, since time.Time) ([]execution.Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, parent_trace_id, direction, trigger_type, integration_id, integration_name, org_id, event_id, message_id, action_index, request, steps, response, error, status, started_at, finished_at, duration_ms
		FROM gw_execution_logs
		WHERE status = 'failed' AND finished_at >= $1
		  AND ($2 = '' OR org_id = $2)
		  AND ($3 = '' OR integration_id = $3)
		ORDER BY finished_at
	`, since, orgID, integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []execution.Log
	for rows.Next() {
		log, err := scanExecutionLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func (s *Store) RecordAttempt(ctx context.Context, attempt execution.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gw_delivery_attempts (delivery_log_id, attempt_number, status, response_status, response_time_ms, error_message, error_category, request_payload, attempted_at, retry_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, attempt.DeliveryLogID, attempt.AttemptNumber, attempt.Status, attempt.ResponseStatus, attempt.ResponseTimeMs, attempt.ErrorMessage, attempt.ErrorCategory, attempt.RequestPayload, attempt.AttemptedAt, attempt.RetryReason)
	return err
}

func (s *Store) ListAttempts(ctx context.Context, deliveryLogID string) ([]execution.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT delivery_log_id, attempt_number, status, response_status, response_time_ms, error_message, error_category, request_payload, attempted_at, retry_reason
		FROM gw_delivery_attempts WHERE delivery_log_id = $1 ORDER BY attempt_number
	`, deliveryLogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []execution.DeliveryAttempt
	for rows.Next() {
		var a execution.DeliveryAttempt
		if err := rows.Scan(&a.DeliveryLogID, &a.AttemptNumber, &a.Status, &a.ResponseStatus, &a.ResponseTimeMs, &a.ErrorMessage, &a.ErrorCategory, &a.RequestPayload, &a.AttemptedAt, &a.RetryReason); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) NextAttemptNumber(ctx context.Context, deliveryLogID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM gw_delivery_attempts WHERE delivery_log_id = $1
	`, deliveryLogID)
	var next int
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) DeleteExpiredLogs(ctx context.Context, before time.Time, limit int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM gw_execution_logs WHERE trace_id IN (
			SELECT trace_id FROM gw_execution_logs WHERE finished_at < $1 LIMIT $2
		)
	`, before, nullLimit(limit))
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func scanExecutionLog(scanner rowScanner) (execution.Log, error) {
	var (
		log             execution.Log
		parentTrace     sql.NullString
		requestRaw      []byte
		stepsRaw        []byte
		responseRaw     []byte
		finishedAt      sql.NullTime
	)
	if err := scanner.Scan(&log.TraceID, &parentTrace, &log.Direction, &log.TriggerType, &log.IntegrationID, &log.IntegrationName, &log.OrgID, &log.EventID, &log.MessageID, &log.ActionIndex, &requestRaw, &stepsRaw, &responseRaw, &log.Error, &log.Status, &log.StartedAt, &finishedAt, &log.DurationMs); err != nil {
		return execution.Log{}, err
	}
	if parentTrace.Valid {
		log.ParentTraceID = parentTrace.String
	}
	if finishedAt.Valid {
		log.FinishedAt = finishedAt.Time.UTC()
	}
	unmarshalJSON(requestRaw, &log.Request)
	unmarshalJSON(stepsRaw, &log.Steps)
	unmarshalJSON(responseRaw, &log.Response)
	return log, nil
}
