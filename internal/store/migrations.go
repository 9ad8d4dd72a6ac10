package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one ordered schema step. Statements run in a single transaction.
type migration struct {
	version    int
	name       string
	statements []string
}

// migrations must only ever be appended to; applied versions are recorded in schema_migrations.
var migrations = []migration{
	{
		version: 1,
		name:    "locations",
		statements: []string{
			`CREATE TABLE locations (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				latitude TEXT NOT NULL DEFAULT '',
				longitude TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX idx_locations_created ON locations(created_at)`,
			`CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "forecasts",
		statements: []string{
			`CREATE TABLE forecasts (
				location_id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				fetched_at TEXT NOT NULL,
				source TEXT NOT NULL,
				version INTEGER NOT NULL
			)`,
			`CREATE TABLE forecast_history (
				location_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				payload TEXT NOT NULL,
				fetched_at TEXT NOT NULL,
				source TEXT NOT NULL,
				superseded_at TEXT NOT NULL,
				PRIMARY KEY (location_id, version)
			)`,
		},
	},
	{
		version: 3,
		name:    "forecast_versions",
		statements: []string{
			`CREATE TABLE forecast_versions (
				location_id TEXT PRIMARY KEY,
				version INTEGER NOT NULL
			)`,
			`INSERT INTO forecast_versions (location_id, version)
			 SELECT location_id, MAX(version) FROM (
				SELECT location_id, version FROM forecasts
				UNION ALL
				SELECT location_id, version FROM forecast_history
			 ) GROUP BY location_id`,
		},
	},
}

// migrate applies every migration newer than the recorded schema version.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", m.version, err)
	}
	return nil
}
