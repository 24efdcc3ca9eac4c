// Package snapshot archives exported entity bundles. It re-exports the core
// archive abstractions and wraps the infra-backed drivers; callers depend on
// Archive rather than importing a driver package.
package snapshot

import (
	"entitycore/internal/snapshot/core"
)

type (
	// Driver identifies an archive backend.
	Driver = core.Driver
	// Info describes a stored bundle.
	Info = core.Info
	// Archive is the interface implemented by every backend.
	Archive = core.Archive
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
	// DriverSQLite is the SQLite driver.
	DriverSQLite = core.DriverSQLite
	// DriverPostgres is the Postgres driver.
	DriverPostgres = core.DriverPostgres
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
)

// ErrNotFound is returned when a named bundle does not exist.
var ErrNotFound = core.ErrNotFound
