package snapshot

import (
	"context"

	fsstore "entitycore/internal/infra/snapshot/fs"
	memorystore "entitycore/internal/infra/snapshot/memory"
	"entitycore/internal/infra/snapshot/postgres"
	infraS3 "entitycore/internal/infra/snapshot/s3"
	"entitycore/internal/infra/snapshot/sqlite"
)

// S3Config re-exports the S3 driver configuration.
type S3Config = infraS3.Config

// NewMemory returns an in-memory Archive suitable for tests.
func NewMemory() Archive { return memorystore.New() }

// NewFilesystem returns an Archive rooted at the provided directory.
func NewFilesystem(root string) (Archive, error) {
	return fsstore.New(root)
}

// NewSQLite returns an Archive stored in the SQLite database at path.
func NewSQLite(path string) (Archive, error) {
	return sqlite.NewStore(path)
}

// NewPostgres returns an Archive stored in the Postgres database at dsn.
func NewPostgres(ctx context.Context, dsn string) (Archive, error) {
	return postgres.NewStore(ctx, dsn)
}

// NewS3 returns an Archive on an S3-compatible bucket.
func NewS3(ctx context.Context, cfg S3Config) (Archive, error) {
	return infraS3.New(ctx, cfg)
}

// NewMockS3ForTests exposes the fake-transport S3 archive for cross-package tests.
func NewMockS3ForTests() Archive { return infraS3.NewMockForTests() }
