package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
)

// --- IntegrationStore ------------------------------------------------------

func (s *Store) CreateIntegration(ctx context.Context, cfg integration.Config) (integration.Config, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.UpdatedAt = time.Now().UTC()

	configJSON, err := marshalJSON(cfg)
	if err != nil {
		return integration.Config{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gw_integrations (id, org_id, org_unit_id, name, direction, event_type, is_active, config, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, cfg.ID, cfg.OrgID, cfg.OrgUnitID, cfg.Name, cfg.Direction, cfg.EventType, cfg.IsActive, configJSON, cfg.UpdatedAt)
	if err != nil {
		return integration.Config{}, err
	}
	return cfg, nil
}

func (s *Store) UpdateIntegration(ctx context.Context, cfg integration.Config) (integration.Config, error) {
	cfg.UpdatedAt = time.Now().UTC()
	configJSON, err := marshalJSON(cfg)
	if err != nil {
		return integration.Config{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_integrations
		SET org_id = $2, org_unit_id = $3, name = $4, direction = $5, event_type = $6, is_active = $7, config = $8, updated_at = $9
		WHERE id = $1
	`, cfg.ID, cfg.OrgID, cfg.OrgUnitID, cfg.Name, cfg.Direction, cfg.EventType, cfg.IsActive, configJSON, cfg.UpdatedAt)
	if err != nil {
		return integration.Config{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return integration.Config{}, sql.ErrNoRows
	}
	return cfg, nil
}

func (s *Store) GetIntegration(ctx context.Context, id string) (integration.Config, error) {
	row := s.db.QueryRowContext(ctx, `SELECT config FROM gw_integrations WHERE id = $1`, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return integration.Config{}, err
	}
	var cfg integration.Config
	unmarshalJSON(raw, &cfg)
	return cfg, nil
}

func (s *Store) SetIntegrationActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE gw_integrations SET is_active = $2, updated_at = $3 WHERE id = $1
	`, id, active, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) ListCandidateIntegrations(ctx context.Context, direction integration.Direction, eventType string, orgID string) ([]integration.Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT config FROM gw_integrations
		WHERE is_active AND direction = $1 AND org_id = $2 AND (event_type = '*' OR event_type = $3)
		ORDER BY (event_type = '*'), id
	`, direction, orgID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntegrationConfigs(rows)
}

func (s *Store) ListIntegrations(ctx context.Context, orgID string) ([]integration.Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT config FROM gw_integrations
		WHERE $1 = '' OR org_id = $1
		ORDER BY id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntegrationConfigs(rows)
}

func scanIntegrationConfigs(rows *sql.Rows) ([]integration.Config, error) {
	var out []integration.Config
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var cfg integration.Config
		unmarshalJSON(raw, &cfg)
		out = append(out, cfg)
	}
	return out, rows.Err()
}
