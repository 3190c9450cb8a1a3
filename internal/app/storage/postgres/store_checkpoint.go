package postgres

import (
	"context"
	"database/sql"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/checkpoint"
)

// --- CheckpointStore -------------------------------------------------------

func (s *Store) GetCheckpoint(ctx context.Context, source, sourceIdentifier, orgID string) (checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source, source_identifier, org_id, last_processed_id, last_processed_at
		FROM gw_checkpoints
		WHERE source = $1 AND source_identifier = $2 AND org_id = $3
	`, source, sourceIdentifier, orgID)

	var cp checkpoint.Checkpoint
	if err := row.Scan(&cp.Source, &cp.SourceIdentifier, &cp.OrgID, &cp.LastProcessedID, &cp.LastProcessedAt); err != nil {
		if err == sql.ErrNoRows {
			return checkpoint.Checkpoint{Source: source, SourceIdentifier: sourceIdentifier, OrgID: orgID}, nil
		}
		return checkpoint.Checkpoint{}, err
	}
	return cp, nil
}

// AdvanceCheckpoint upserts the cursor, only raising last_processed_id when
// the incoming value is greater, matching checkpoint.Checkpoint.Advance.
func (s *Store) AdvanceCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gw_checkpoints (source, source_identifier, org_id, last_processed_id, last_processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source, source_identifier, org_id) DO UPDATE
		SET last_processed_id = GREATEST(gw_checkpoints.last_processed_id, EXCLUDED.last_processed_id),
		    last_processed_at = CASE WHEN EXCLUDED.last_processed_id > gw_checkpoints.last_processed_id
		                              THEN EXCLUDED.last_processed_at ELSE gw_checkpoints.last_processed_at END
	`, cp.Source, cp.SourceIdentifier, cp.OrgID, cp.LastProcessedID, cp.LastProcessedAt)
	return err
}
