package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/alert"
)

// --- AlertStore ----------------------------------------------------------

func (s *Store) RecordAlertSend(ctx context.Context, log alert.CenterLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.SentAt.IsZero() {
		log.SentAt = time.Now().UTC()
	}

	recipientsJSON, err := marshalJSON(log.Recipients)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_alert_center_logs (id, org_id, integration_id, channel, status, recipients, total_failures, window_start, window_end, provider_response, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, log.ID, log.OrgID, log.IntegrationID, log.Channel, log.Status, recipientsJSON, log.TotalFailures, log.WindowStart, log.WindowEnd, log.ProviderResponse, log.SentAt)
	return err
}

func (s *Store) ListRecentAlertSends(ctx context.Context, orgID, integrationID string, since time.Time) ([]alert.CenterLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, integration_id, channel, status, recipients, total_failures, window_start, window_end, provider_response, sent_at
		FROM gw_alert_center_logs
		WHERE org_id = $1 AND ($2 = '' OR integration_id = $2) AND sent_at >= $3
		ORDER BY sent_at
	`, orgID, integrationID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alert.CenterLog
	for rows.Next() {
		var (
			log           alert.CenterLog
			recipientsRaw []byte
		)
		if err := rows.Scan(&log.ID, &log.OrgID, &log.IntegrationID, &log.Channel, &log.Status, &recipientsRaw, &log.TotalFailures, &log.WindowStart, &log.WindowEnd, &log.ProviderResponse, &log.SentAt); err != nil {
			return nil, err
		}
		unmarshalJSON(recipientsRaw, &log.Recipients)
		out = append(out, log)
	}
	return out, rows.Err()
}
