package snapshot

import (
	"context"
	"fmt"
	"os"

	infraS3 "entitycore/internal/infra/snapshot/s3"
)

// Open selects an Archive implementation using environment variables.
//
//	ENTITYCORE_SNAPSHOT_DRIVER: memory|fs|sqlite|postgres|s3 (default fs)
//	ENTITYCORE_SNAPSHOT_FS_ROOT: directory root when driver=fs (default ./snapshots)
//	ENTITYCORE_SQLITE_PATH: database file when driver=sqlite (default ./entitycore.db)
//	ENTITYCORE_POSTGRES_DSN: connection string when driver=postgres
//	(S3 specific variables documented in the s3 driver)
func Open(ctx context.Context) (Archive, error) {
	driver := os.Getenv("ENTITYCORE_SNAPSHOT_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("ENTITYCORE_SNAPSHOT_FS_ROOT"))
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		path := os.Getenv("ENTITYCORE_SQLITE_PATH")
		if path == "" {
			path = "./entitycore.db"
		}
		return NewSQLite(path)
	case DriverPostgres:
		return NewPostgres(ctx, os.Getenv("ENTITYCORE_POSTGRES_DSN"))
	case DriverS3:
		return infraS3.OpenFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown snapshot driver %s", driver)
	}
}
