package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDir creates a temporary directory for testing
func TempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "pgbulkload-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

// ClusterDir lays out a minimal fake cluster directory: global/ and
// pg_bulkload/, the two places recovery and the LSF care about.
func ClusterDir(t *testing.T) string {
	dir := TempDir(t)
	if err := os.MkdirAll(filepath.Join(dir, "global"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "pg_bulkload"), 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}
