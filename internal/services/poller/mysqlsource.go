package poller

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLSource reads new rows from a tenant's MySQL event-queue table, the
// primary source spec.md §1 names ("a primary source (a MySQL event-queue
// table)"). The table is expected to carry the ColumnMapping's columns;
// anything else in the row is ignored.
type MySQLSource struct {
	db      *sql.DB
	table   string
	columns ColumnMapping
}

// ColumnMapping names the physical columns MySQLSource reads, letting each
// tenant's queue table use its own column names without code changes.
type ColumnMapping struct {
	ID        string
	OrgID     string
	OrgUnitID string
	EventType string
	Payload   string
	CreatedAt string
}

// DefaultColumnMapping matches the conventional queue-table layout.
func DefaultColumnMapping() ColumnMapping {
	return ColumnMapping{
		ID:        "id",
		OrgID:     "org_id",
		OrgUnitID: "org_unit_id",
		EventType: "event_type",
		Payload:   "payload",
		CreatedAt: "created_at",
	}
}

// OpenMySQL opens a connection pool against dsn. Callers are responsible for
// closing the returned *sql.DB (via the Poller's owning Application on
// shutdown).
func OpenMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("poller: open mysql: %w", err)
	}
	return db, nil
}

// NewMySQLSource builds a Source reading table through cols.
func NewMySQLSource(db *sql.DB, table string, cols ColumnMapping) *MySQLSource {
	return &MySQLSource{db: db, table: table, columns: cols}
}

func (m *MySQLSource) Name() string { return "mysql" }

func (m *MySQLSource) FetchRows(ctx context.Context, afterID int64, limit int) ([]Row, error) {
	c := m.columns
	query := fmt.Sprintf(
		"SELECT %s, %s, %s, %s, %s, %s FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT ?",
		c.ID, c.OrgID, c.OrgUnitID, c.EventType, c.Payload, c.CreatedAt, m.table, c.ID, c.ID,
	)
	rows, err := m.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("poller: fetch mysql rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			id         int64
			orgID      string
			orgUnitID  sql.NullString
			eventType  string
			payloadRaw []byte
			createdAt  sql.NullTime
		)
		if err := rows.Scan(&id, &orgID, &orgUnitID, &eventType, &payloadRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("poller: scan mysql row: %w", err)
		}
		var payload map[string]any
		var parseErr error
		if len(payloadRaw) > 0 {
			// Malformed JSON in a single row must not abort the whole
			// batch; surface it as a Row the caller's normalize step
			// rejects, rather than failing FetchRows entirely.
			parseErr = json.Unmarshal(payloadRaw, &payload)
		}
		out = append(out, Row{
			ID:         id,
			OrgID:      orgID,
			OrgUnitID:  orgUnitID.String,
			EventType:  eventType,
			Payload:    payload,
			Timestamp:  createdAt.Time,
			ParseError: parseErr,
		})
	}
	return out, rows.Err()
}

var _ Source = (*MySQLSource)(nil)
