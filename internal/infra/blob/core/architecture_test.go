package core

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestDriversStayBehindInterfaces ensures concrete storage drivers are wired
// only at the composition root. Everything else depends on domain.Store or
// the blob core.Store interface, so a driver swap never ripples past cmd.
func TestDriversStayBehindInterfaces(t *testing.T) {
	driverPrefixes := []string{
		"procurecore/internal/infra/persistence/sqlite",
		"procurecore/internal/infra/persistence/postgres",
		"procurecore/internal/infra/blob/fs",
		"procurecore/internal/infra/blob/s3",
		"procurecore/internal/infra/blob/memory",
	}
	allowedPrefixes := []string{
		"procurecore/cmd/",
		"procurecore/internal/infra/",
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "procurecore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		if hasAnyPrefix(pkg.PkgPath, allowedPrefixes) {
			continue
		}
		for importPath := range pkg.Imports {
			for _, prefix := range driverPrefixes {
				if importPath == prefix || strings.HasPrefix(importPath, prefix+"/") {
					seen[pkg.PkgPath+": "+importPath] = struct{}{}
				}
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
			t.Errorf("forbidden import of a concrete storage driver: %s", v)
		}
		t.Fatalf("found %d forbidden driver imports", len(violations))
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
