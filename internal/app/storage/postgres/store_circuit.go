package postgres

import (
	"context"
	"database/sql"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/circuit"
)

// --- CircuitStore ----------------------------------------------------------

func (s *Store) GetCircuit(ctx context.Context, integrationID string) (circuit.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT integration_id, consecutive_failures, state, opened_at, next_probe_at, auto_disabled, updated_at
		FROM gw_circuit_snapshots WHERE integration_id = $1
	`, integrationID)

	var (
		snap       circuit.Snapshot
		openedAt   sql.NullTime
		nextProbe  sql.NullTime
	)
	err := row.Scan(&snap.IntegrationID, &snap.ConsecutiveFailures, &snap.State, &openedAt, &nextProbe, &snap.AutoDisabled, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return circuit.Snapshot{IntegrationID: integrationID, State: circuit.StateClosed}, nil
	}
	if err != nil {
		return circuit.Snapshot{}, err
	}
	if openedAt.Valid {
		snap.OpenedAt = openedAt.Time.UTC()
	}
	if nextProbe.Valid {
		snap.NextProbeAt = nextProbe.Time.UTC()
	}
	return snap, nil
}

func (s *Store) UpsertCircuit(ctx context.Context, snap circuit.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gw_circuit_snapshots (integration_id, consecutive_failures, state, opened_at, next_probe_at, auto_disabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (integration_id) DO UPDATE
		SET consecutive_failures = EXCLUDED.consecutive_failures,
		    state = EXCLUDED.state,
		    opened_at = EXCLUDED.opened_at,
		    next_probe_at = EXCLUDED.next_probe_at,
		    auto_disabled = EXCLUDED.auto_disabled,
		    updated_at = EXCLUDED.updated_at
	`, snap.IntegrationID, snap.ConsecutiveFailures, snap.State, toNullTime(snap.OpenedAt), toNullTime(snap.NextProbeAt), snap.AutoDisabled, snap.UpdatedAt)
	return err
}
