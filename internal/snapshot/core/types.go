// Package core defines the bundle archive abstraction shared by the snapshot
// facade and its storage drivers.
package core

import (
	"context"
	"errors"
	"time"

	"entitycore/pkg/entity"
)

// Driver identifies a concrete archive backend.
type Driver string

const (
	// DriverFilesystem stores bundles as JSON files under a root directory.
	DriverFilesystem Driver = "fs" // default, dev
	// DriverMemory keeps bundles in process memory.
	DriverMemory Driver = "memory" // tests
	// DriverSQLite stores bundles in a single SQLite table.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres stores bundles as JSONB rows.
	DriverPostgres Driver = "postgres"
	// DriverS3 stores one object per bundle in an S3 / MinIO bucket.
	DriverS3 Driver = "s3"
)

// Info describes a stored bundle.
type Info struct {
	Name     string    `json:"name"`
	BundleID string    `json:"bundle_id"`
	Entities int       `json:"entities"`
	Size     int64     `json:"size_bytes"`
	ETag     string    `json:"etag,omitempty"`
	SavedAt  time.Time `json:"saved_at"`
}

// Archive stores exported bundles under caller-chosen names. Save replaces
// any bundle already stored under the same name.
type Archive interface {
	Save(ctx context.Context, name string, b *entity.Bundle) (Info, error)
	Load(ctx context.Context, name string) (*entity.Bundle, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Delete(ctx context.Context, name string) (bool, error)
	Driver() Driver
}

// ErrNotFound is returned by Load for unknown names.
var ErrNotFound = errors.New("snapshot: bundle not found")
