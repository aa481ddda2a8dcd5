// Package fixture loads the HR catalog used across package tests.
package fixture

import (
	"path/filepath"
	"runtime"
	"testing"

	"metaquery/internal/catalog"

	"github.com/stretchr/testify/require"
)

// HRScope is the only scope defined by the HR catalog.
var HRScope = catalog.Scope{TenantCode: "acme", AppCode: "hr", ConnectionID: "main"}

// HRPath returns the path of the HR catalog YAML.
func HRPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "catalog", "testdata", "hr.yaml")
}

// HR loads the HR catalog into memory.
func HR(t testing.TB) *catalog.Memory {
	t.Helper()
	mem, err := catalog.LoadFile(HRPath())
	require.NoError(t, err)
	return mem
}

// HRSnapshot returns the snapshot of HRScope.
func HRSnapshot(t testing.TB) *catalog.Snapshot {
	t.Helper()
	snap, err := HR(t).LoadSnapshot(t.Context(), HRScope)
	require.NoError(t, err)
	return snap
}
