package snapshot

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlySnapshotPackageImportsInfra ensures that only the snapshot facade
// wraps the infra-backed drivers, and that the public pkg/ tree never reaches
// into internal/.
func TestOnlySnapshotPackageImportsInfra(t *testing.T) {
	infraPrefix := "entitycore/internal/infra/snapshot"
	allowedPrefix := "entitycore/internal/snapshot"
	publicPrefix := "entitycore/pkg"
	internalPrefix := "entitycore/internal"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "entitycore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		pos := filepath.Join(pkg.PkgPath, "...")
		for importPath := range pkg.Imports {
			if strings.HasPrefix(pkg.PkgPath, publicPrefix) && hasPathPrefix(importPath, internalPrefix) {
				seen[pos+": "+importPath] = struct{}{}
				continue
			}
			if strings.HasPrefix(pkg.PkgPath, allowedPrefix) || strings.HasPrefix(pkg.PkgPath, infraPrefix) {
				continue
			}
			if hasPathPrefix(importPath, infraPrefix) {
				seen[pos+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import: %s", v)
		}
		t.Fatalf("found %d forbidden imports", len(violations))
	}
}

func hasPathPrefix(importPath, prefix string) bool {
	return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
}
