// Package postgres implements a bundle archive in Postgres, storing each
// bundle as a JSONB row.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"entitycore/internal/snapshot/core"
	"entitycore/pkg/entity"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/entitycore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const schema = `CREATE TABLE IF NOT EXISTS snapshots (
	name TEXT PRIMARY KEY,
	bundle_id TEXT NOT NULL,
	entities INTEGER NOT NULL,
	etag TEXT NOT NULL,
	payload JSONB NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL
)`

// Store archives bundles in the snapshots table.
type Store struct {
	db *sql.DB
}

// NewStore opens the database at dsn (falling back to a local default),
// verifies connectivity and ensures the snapshots table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure snapshots table: %w", err)
	}
	return &Store{db: db}, nil
}

// OverrideSQLOpen swaps the sql.Open implementation, returning a restore
// function. Tests use it to inject a stub driver.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// Driver returns the archive driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverPostgres }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save upserts b under name.
func (s *Store) Save(ctx context.Context, name string, b *entity.Bundle) (core.Info, error) {
	name, err := core.CheckName(name)
	if err != nil {
		return core.Info{}, err
	}
	data, err := core.Encode(b)
	if err != nil {
		return core.Info{}, err
	}
	info := core.Describe(name, b, data, time.Now())
	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots (name, bundle_id, entities, etag, payload, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET bundle_id = EXCLUDED.bundle_id, entities = EXCLUDED.entities,
		etag = EXCLUDED.etag, payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at`,
		info.Name, info.BundleID, info.Entities, info.ETag, string(data), info.SavedAt)
	if err != nil {
		return core.Info{}, fmt.Errorf("upsert snapshot %s: %w", name, err)
	}
	return info, nil
}

// Load decodes the bundle stored under name.
func (s *Store) Load(ctx context.Context, name string) (*entity.Bundle, error) {
	name, err := core.CheckName(name)
	if err != nil {
		return nil, err
	}
	var payload []byte
	err = s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE name = $1`, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot %s: %w", name, err)
	}
	return core.Decode(payload)
}

// Delete removes the row for name, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	name, err := core.CheckName(name)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete snapshot %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the bundles whose names start with prefix, sorted by name.
// Sizes report the stored JSON text length.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, bundle_id, entities, etag, octet_length(payload::text), saved_at FROM snapshots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("select snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var infos []core.Info
	for rows.Next() {
		var info core.Info
		if err := rows.Scan(&info.Name, &info.BundleID, &info.Entities, &info.ETag, &info.Size, &info.SavedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		info.SavedAt = info.SavedAt.UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
