// Command gatewayctl is the gateway's operator CLI: one-off maintenance
// subcommands run directly against the Postgres schema rather than the HTTP
// API, the same division the teacher draws between its appserver (the
// always-on service) and slctl (an operator binary). gatewayctl covers the
// three subcommands spec.md's operational surface names: migrating legacy
// tenantId data, rebuilding canonical indexes, and seeding per-org default
// source configs.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/postgres"
	"github.com/r3e-labs/integration-gateway/internal/platform/database"
	"github.com/r3e-labs/integration-gateway/internal/platform/migrations"
)

const (
	exitOK       = 0
	exitError    = 1
	exitDryDrift = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitError
	}

	root := flag.NewFlagSet("gatewayctl", flag.ContinueOnError)
	dsn := root.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (default env DATABASE_URL)")
	dryRun := root.Bool("dry-run", false, "report what would change without writing")
	org := root.String("org", "", "org ID, required by seed-event-source-configs")
	if err := root.Parse(args); err != nil {
		return exitError
	}
	if root.NArg() == 0 {
		printUsage()
		return exitError
	}
	command := root.Arg(0)

	if strings.TrimSpace(*dsn) == "" {
		fmt.Fprintln(os.Stderr, "gatewayctl: -dsn or DATABASE_URL is required")
		return exitError
	}

	db, err := database.Open(ctx, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: connect: %v\n", err)
		return exitError
	}
	defer db.Close()

	var drift int
	switch command {
	case "migrate":
		drift, err = migrateOrgIDFromTenantID(ctx, db, *dryRun)
	case "rebuild-indexes":
		drift, err = rebuildIndexes(ctx, db, *dryRun)
	case "seed-event-source-configs":
		drift, err = seedEventSourceConfigs(ctx, db, *org, *dryRun)
	default:
		fmt.Fprintf(os.Stderr, "gatewayctl: unknown command %q\n", command)
		printUsage()
		return exitError
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		return exitError
	}
	if *dryRun && drift > 0 {
		fmt.Printf("dry-run: %d row(s) would change\n", drift)
		return exitDryDrift
	}
	fmt.Printf("ok: %d row(s) affected\n", drift)
	return exitOK
}

func printUsage() {
	fmt.Println(`Usage:
  gatewayctl [-dsn DSN] [-dry-run] migrate orgId-from-tenantId
  gatewayctl [-dsn DSN] [-dry-run] rebuild-indexes
  gatewayctl [-dsn DSN] [-dry-run] -org <id> seed-event-source-configs

Exit codes: 0 success, 1 error, 2 dry-run with drift.`)
}

// legacyTenantTables lists every canonical table that may still carry a
// pre-rename tenant_id column on an upgraded deployment.
var legacyTenantTables = []string{
	"gw_events", "gw_checkpoints", "gw_integrations", "gw_execution_logs",
	"gw_dlq_entries", "gw_schedule_entries", "gw_circuit_snapshots", "gw_alert_center_logs",
}

// migrateOrgIDFromTenantID backfills org_id from a legacy tenant_id column
// wherever org_id is still empty, per spec.md §6 "migrate orgId-from-tenantId".
func migrateOrgIDFromTenantID(ctx context.Context, db *sql.DB, dryRun bool) (int, error) {
	total := 0
	for _, table := range legacyTenantTables {
		hasTenant, err := hasColumn(ctx, db, table, "tenant_id")
		if err != nil {
			return total, err
		}
		if !hasTenant {
			continue
		}

		var count int
		countQuery := fmt.Sprintf(`SELECT count(*) FROM %s WHERE (org_id IS NULL OR org_id = '') AND tenant_id IS NOT NULL`, table)
		if err := db.QueryRowContext(ctx, countQuery).Scan(&count); err != nil {
			return total, fmt.Errorf("count drift in %s: %w", table, err)
		}
		total += count
		if count == 0 || dryRun {
			continue
		}
		updateQuery := fmt.Sprintf(`UPDATE %s SET org_id = tenant_id WHERE (org_id IS NULL OR org_id = '') AND tenant_id IS NOT NULL`, table)
		if _, err := db.ExecContext(ctx, updateQuery); err != nil {
			return total, fmt.Errorf("backfill org_id in %s: %w", table, err)
		}
	}
	return total, nil
}

// rebuildIndexes drops any index built over a legacy tenant_id column and
// re-applies the embedded migrations, whose CREATE INDEX IF NOT EXISTS
// statements are the canonical org_id-keyed index set.
func rebuildIndexes(ctx context.Context, db *sql.DB, dryRun bool) (int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT indexname, tablename FROM pg_indexes
		WHERE schemaname = 'public' AND indexdef ILIKE '%tenant_id%'`)
	if err != nil {
		return 0, fmt.Errorf("list legacy indexes: %w", err)
	}
	defer rows.Close()

	type legacyIndex struct{ name, table string }
	var legacy []legacyIndex
	for rows.Next() {
		var li legacyIndex
		if err := rows.Scan(&li.name, &li.table); err != nil {
			return 0, err
		}
		legacy = append(legacy, li)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if dryRun {
		return len(legacy), nil
	}
	for _, li := range legacy {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s`, li.name)); err != nil {
			return len(legacy), fmt.Errorf("drop legacy index %s: %w", li.name, err)
		}
	}
	if err := migrations.Apply(ctx, db); err != nil {
		return len(legacy), fmt.Errorf("reapply canonical indexes: %w", err)
	}
	return len(legacy), nil
}

// seedEventSourceConfigs creates one disabled placeholder INBOUND integration
// per org lacking any integration at all, giving an operator a starting
// point to configure the org's default event source (spec.md §6
// "seed-event-source-configs"). When org is non-empty, only that org is
// considered; otherwise every org with events but no integrations is seeded.
func seedEventSourceConfigs(ctx context.Context, db *sql.DB, org string, dryRun bool) (int, error) {
	orgs, err := orgsMissingIntegrations(ctx, db, org)
	if err != nil {
		return 0, err
	}
	if dryRun {
		return len(orgs), nil
	}

	store := postgres.New(db)
	for _, orgID := range orgs {
		_, err := store.CreateIntegration(ctx, integration.Config{
			ID:        "default-source-" + orgID,
			OrgID:     orgID,
			OrgUnitID: orgID,
			Name:      "Default event source (seeded, disabled)",
			Direction: integration.DirectionInbound,
			IsActive:  false,
		})
		if err != nil {
			return len(orgs), fmt.Errorf("seed default source for org %s: %w", orgID, err)
		}
	}
	return len(orgs), nil
}

func orgsMissingIntegrations(ctx context.Context, db *sql.DB, onlyOrg string) ([]string, error) {
	query := `
		SELECT DISTINCT e.org_id FROM gw_events e
		WHERE NOT EXISTS (SELECT 1 FROM gw_integrations i WHERE i.org_id = e.org_id)`
	args := []any{}
	if strings.TrimSpace(onlyOrg) != "" {
		query += ` AND e.org_id = $1`
		args = append(args, onlyOrg)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find orgs missing a source config: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, err
		}
		out = append(out, orgID)
	}
	return out, rows.Err()
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2
		)`, table, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	return exists, nil
}
