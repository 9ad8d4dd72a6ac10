package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kjstillabower/forecast-sync/internal/models"
)

const defaultLocationKey = "default_location"

// SQLiteStore persists records and locations in an embedded SQLite database.
// Writes for one location are serialized in-process and run inside a transaction.
type SQLiteStore struct {
	db           *sql.DB
	path         string
	historyLimit int
	locks        keyLocks
}

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
// historyLimit bounds superseded versions kept per location (0 keeps none).
func OpenSQLite(ctx context.Context, path string, historyLimit int) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := "file:" + filepath.ToSlash(path) +
		"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path, historyLimit: historyLimit}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	_, _ = s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks the database is usable. Used for health checks.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

type recordRow struct {
	payload   string
	fetchedAt string
	source    string
	version   int64
}

func (r recordRow) decode(locationID string) (models.ForecastRecord, error) {
	var p models.ForecastPayload
	if err := json.Unmarshal([]byte(r.payload), &p); err != nil {
		return models.ForecastRecord{}, fmt.Errorf("decode payload: %w", err)
	}
	fetchedAt, err := parseTime(r.fetchedAt)
	if err != nil {
		return models.ForecastRecord{}, fmt.Errorf("decode fetched_at: %w", err)
	}
	return models.ForecastRecord{
		LocationID: locationID,
		Payload:    p,
		FetchedAt:  fetchedAt,
		Source:     models.Source(r.source),
		Version:    r.version,
	}, nil
}

// Get returns the current record or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, locationID string) (models.ForecastRecord, error) {
	var row recordRow
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, fetched_at, source, version FROM forecasts WHERE location_id = ?`,
		locationID,
	).Scan(&row.payload, &row.fetchedAt, &row.source, &row.version)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ForecastRecord{}, ErrNotFound
	}
	if err != nil {
		return models.ForecastRecord{}, storageErr("get", locationID, err)
	}
	rec, err := row.decode(locationID)
	if err != nil {
		return models.ForecastRecord{}, storageErr("get", locationID, err)
	}
	return rec, nil
}

// Put replaces the current record in one transaction, moving the previous version to history.
func (s *SQLiteStore) Put(ctx context.Context, locationID string, rec models.ForecastRecord) (models.ForecastRecord, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return models.ForecastRecord{}, storageErr("put", locationID, fmt.Errorf("encode payload: %w", err))
	}

	unlock := s.locks.lock(locationID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ForecastRecord{}, storageErr("put", locationID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var high int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM forecast_versions WHERE location_id = ?`, locationID,
	).Scan(&high)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.ForecastRecord{}, storageErr("put", locationID, err)
	}

	var prev recordRow
	err = tx.QueryRowContext(ctx,
		`SELECT payload, fetched_at, source, version FROM forecasts WHERE location_id = ?`,
		locationID,
	).Scan(&prev.payload, &prev.fetchedAt, &prev.source, &prev.version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prev.version = 0
	case err != nil:
		return models.ForecastRecord{}, storageErr("put", locationID, err)
	case s.historyLimit > 0:
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO forecast_history (location_id, version, payload, fetched_at, source, superseded_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			locationID, prev.version, prev.payload, prev.fetchedAt, prev.source, formatTime(time.Now()),
		); err != nil {
			return models.ForecastRecord{}, storageErr("put", locationID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM forecast_history WHERE location_id = ? AND version NOT IN (
				SELECT version FROM forecast_history WHERE location_id = ? ORDER BY version DESC LIMIT ?
			)`,
			locationID, locationID, s.historyLimit,
		); err != nil {
			return models.ForecastRecord{}, storageErr("put", locationID, err)
		}
	}

	// Versions keep rising across Delete; forecast_versions holds the high-water mark.
	next := max(high, prev.version) + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO forecast_versions (location_id, version) VALUES (?, ?)
		 ON CONFLICT(location_id) DO UPDATE SET version = excluded.version`,
		locationID, next,
	); err != nil {
		return models.ForecastRecord{}, storageErr("put", locationID, err)
	}

	rec.LocationID = locationID
	rec.Version = next
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO forecasts (location_id, payload, fetched_at, source, version) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(location_id) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			source = excluded.source,
			version = excluded.version`,
		locationID, string(payload), formatTime(rec.FetchedAt), string(rec.Source), rec.Version,
	); err != nil {
		return models.ForecastRecord{}, storageErr("put", locationID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.ForecastRecord{}, storageErr("put", locationID, err)
	}
	return rec, nil
}

// Delete removes the current record. History rows and the version high-water mark are kept.
func (s *SQLiteStore) Delete(ctx context.Context, locationID string) error {
	unlock := s.locks.lock(locationID)
	defer unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM forecasts WHERE location_id = ?`, locationID); err != nil {
		return storageErr("delete", locationID, err)
	}
	return nil
}

// History returns superseded versions, newest first. limit <= 0 returns all kept.
func (s *SQLiteStore) History(ctx context.Context, locationID string, limit int) ([]models.ForecastRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload, fetched_at, source, version FROM forecast_history
		 WHERE location_id = ? ORDER BY version DESC LIMIT ?`,
		locationID, limit,
	)
	if err != nil {
		return nil, storageErr("history", locationID, err)
	}
	defer rows.Close()

	var out []models.ForecastRecord
	for rows.Next() {
		var row recordRow
		if err := rows.Scan(&row.payload, &row.fetchedAt, &row.source, &row.version); err != nil {
			return nil, storageErr("history", locationID, err)
		}
		rec, err := row.decode(locationID)
		if err != nil {
			return nil, storageErr("history", locationID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("history", locationID, err)
	}
	return out, nil
}

func (s *SQLiteStore) AddLocation(ctx context.Context, loc models.Location) error {
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (id, name, latitude, longitude, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		loc.ID, loc.Name, loc.Latitude, loc.Longitude, formatTime(loc.CreatedAt),
	)
	if err != nil {
		return storageErr("add location", loc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("add location", loc.ID, err)
	}
	if n == 0 {
		return ErrLocationExists
	}
	return nil
}

func scanLocation(scan func(dest ...any) error) (models.Location, error) {
	var loc models.Location
	var created string
	if err := scan(&loc.ID, &loc.Name, &loc.Latitude, &loc.Longitude, &created); err != nil {
		return models.Location{}, err
	}
	t, err := parseTime(created)
	if err != nil {
		return models.Location{}, fmt.Errorf("decode created_at: %w", err)
	}
	loc.CreatedAt = t
	return loc, nil
}

func (s *SQLiteStore) GetLocation(ctx context.Context, id string) (models.Location, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, latitude, longitude, created_at FROM locations WHERE id = ?`, id)
	loc, err := scanLocation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Location{}, ErrNotFound
	}
	if err != nil {
		return models.Location{}, storageErr("get location", id, err)
	}
	return loc, nil
}

// ListLocations returns saved locations ordered by creation time, then id.
func (s *SQLiteStore) ListLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, latitude, longitude, created_at FROM locations ORDER BY created_at, id`)
	if err != nil {
		return nil, storageErr("list locations", "", err)
	}
	defer rows.Close()
	var out []models.Location
	for rows.Next() {
		loc, err := scanLocation(rows.Scan)
		if err != nil {
			return nil, storageErr("list locations", "", err)
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list locations", "", err)
	}
	return out, nil
}

// DeleteLocation removes a location with its cached forecast and history. Idempotent.
func (s *SQLiteStore) DeleteLocation(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete location", id, err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{
		`DELETE FROM locations WHERE id = ?`,
		`DELETE FROM forecasts WHERE location_id = ?`,
		`DELETE FROM forecast_history WHERE location_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return storageErr("delete location", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM settings WHERE key = ? AND value = ?`, defaultLocationKey, id); err != nil {
		return storageErr("delete location", id, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete location", id, err)
	}
	return nil
}

func (s *SQLiteStore) SetDefaultLocation(ctx context.Context, id string) error {
	if _, err := s.GetLocation(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		defaultLocationKey, id,
	); err != nil {
		return storageErr("set default location", id, err)
	}
	return nil
}

// DefaultLocation returns the configured default, else the first saved location.
func (s *SQLiteStore) DefaultLocation(ctx context.Context) (models.Location, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, defaultLocationKey).Scan(&id)
	switch {
	case err == nil:
		loc, err := s.GetLocation(ctx, id)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return loc, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return models.Location{}, storageErr("default location", "", err)
	}
	locs, err := s.ListLocations(ctx)
	if err != nil {
		return models.Location{}, err
	}
	if len(locs) == 0 {
		return models.Location{}, ErrNotFound
	}
	return locs[0], nil
}
