// Package sqlite implements a bundle archive in a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"entitycore/internal/snapshot/core"
	"entitycore/pkg/entity"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const schema = `CREATE TABLE IF NOT EXISTS snapshots (
	name TEXT PRIMARY KEY,
	bundle_id TEXT NOT NULL,
	entities INTEGER NOT NULL,
	etag TEXT NOT NULL,
	payload BLOB NOT NULL,
	saved_at TEXT NOT NULL
)`

// Store archives bundles as rows of the snapshots table.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "entitycore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Driver returns the archive driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverSQLite }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

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
	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots(name,bundle_id,entities,etag,payload,saved_at) VALUES(?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET bundle_id=excluded.bundle_id, entities=excluded.entities,
		etag=excluded.etag, payload=excluded.payload, saved_at=excluded.saved_at`,
		info.Name, info.BundleID, info.Entities, info.ETag, data, info.SavedAt.Format(time.RFC3339Nano))
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
	err = s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE name = ?`, name).Scan(&payload)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name)
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
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, bundle_id, entities, etag, length(payload), saved_at FROM snapshots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("select snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var infos []core.Info
	for rows.Next() {
		var (
			info    core.Info
			savedAt string
		)
		if err := rows.Scan(&info.Name, &info.BundleID, &info.Entities, &info.ETag, &info.Size, &savedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		if info.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
			return nil, fmt.Errorf("parse saved_at for %s: %w", info.Name, err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
