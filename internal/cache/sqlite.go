package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kjstillabower/forecast-viewer/internal/models"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS forecasts (
	location_key TEXT PRIMARY KEY,
	payload      TEXT NOT NULL,
	fetched_at   TEXT NOT NULL
);`

// SQLiteStore persists the mapping in a SQLite database, one row per location key.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	// WAL is unavailable for in-memory databases; the default journal works there.
	_, _ = db.Exec("PRAGMA journal_mode=WAL;")

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.Load.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT location_key, payload, fetched_at FROM forecasts`)
	if err != nil {
		return nil, fmt.Errorf("query forecasts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.CacheEntry)
	for rows.Next() {
		var key, payload, ts string
		if err := rows.Scan(&key, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan forecast row: %w", err)
		}
		fetchedAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("forecast %q: parse fetched_at: %w", key, err)
		}
		out[key] = models.CacheEntry{
			LocationKey: key,
			Payload:     []byte(payload),
			FetchedAt:   fetchedAt,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read forecasts: %w", err)
	}
	return out, nil
}

// Save implements Store.Save. The table is replaced in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, entries map[string]models.CacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM forecasts`); err != nil {
		return fmt.Errorf("clear forecasts: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO forecasts(location_key, payload, fetched_at) VALUES(?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for key, e := range entries {
		if _, err := stmt.ExecContext(ctx, key, string(e.Payload), e.FetchedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert forecast %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close implements Store.Close.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
