package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order, each in its own transaction. The DDL is
// restricted to types both SQLite and Postgres accept. Times are unix
// milliseconds, booleans are 0/1 integers and ids are uuid text.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS config_entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'general',
		value_type TEXT NOT NULL DEFAULT 'string',
		encrypted INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS thresholds (
		metric TEXT PRIMARY KEY,
		warning_value DOUBLE PRECISION NOT NULL,
		critical_value DOUBLE PRECISION NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		last_modified_by TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		CHECK (warning_value < critical_value)
	)`,

	`CREATE TABLE IF NOT EXISTS recipients (
		id TEXT PRIMARY KEY,
		severity TEXT NOT NULL,
		channel TEXT NOT NULL,
		address TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_recipients_severity ON recipients(severity, active)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		severity TEXT NOT NULL,
		metric TEXT NOT NULL,
		observed_value DOUBLE PRECISION NOT NULL,
		threshold_value DOUBLE PRECISION NOT NULL,
		message TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolution_notes TEXT NOT NULL DEFAULT '',
		resolved_at BIGINT,
		delivery_attempts INTEGER NOT NULL DEFAULT 0,
		last_delivery_error TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(metric, severity, resolved, created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_key TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		at BIGINT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_security_events_type_at ON security_events(event_type, at)`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_version (version) VALUES (?)`), i+1)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
