package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/upb/tenant-auth/repositories"
)

// MinSchemaVersion is the oldest migration level the repositories run against.
const MinSchemaVersion = 2

const undefinedTable = pq.ErrorCode("42P01")

// requiredColumns lists every column the repositories read or write.
var requiredColumns = map[string][]string{
	"tenants":    {"id", "status", "created_at", "updated_at"},
	"principals": {"id", "issuer", "subject", "tenant_id", "roles", "email", "display_name", "created_at", "updated_at", "last_seen_at"},
	"audit_logs": {"id", "tenant_id", "principal_id", "action", "details", "request_id", "timestamp"},
}

// VerifySchema fails with repositories.ErrSchemaMismatch when a required
// column is missing or the migration level is below MinSchemaVersion.
func (db *DB) VerifySchema(ctx context.Context) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	tables := make([]string, 0, len(requiredColumns))
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	rows, err := db.QueryContext(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ANY($1)
	`, pq.Array(tables))
	if err != nil {
		return fmt.Errorf("failed to read information_schema: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("failed to scan column: %w", err)
		}
		present[table+"."+column] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating columns: %w", err)
	}

	var missing []string
	for _, table := range tables {
		for _, column := range requiredColumns[table] {
			if !present[table+"."+column] {
				missing = append(missing, table+"."+column)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing columns %s", repositories.ErrSchemaMismatch, strings.Join(missing, ", "))
	}

	var version int
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == undefinedTable {
			return fmt.Errorf("%w: schema_migrations table missing", repositories.ErrSchemaMismatch)
		}
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version < MinSchemaVersion {
		return fmt.Errorf("%w: schema version %d, need at least %d", repositories.ErrSchemaMismatch, version, MinSchemaVersion)
	}

	return nil
}
