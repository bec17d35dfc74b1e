// Package testutil provides shared test fixtures: temp-file caches,
// minimal configs, and a few toy rules used across package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/allaspectsdev/taskgraph/cache"
	"github.com/allaspectsdev/taskgraph/config"
)

// NewTestCache creates a file-backed SQLite cache for testing. SQLite's
// WAL mode requires a real file (not ":memory:") for the writer/reader
// connection split to behave as it does in production. The cache is
// automatically closed when the test completes.
func NewTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	c, err := cache.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// NewTestConfig returns a minimal valid config for testing, rooted in a
// fresh temp directory.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "taskgraph.db")
	return cfg
}

// TempDir creates a temporary directory for test data.
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// WriteFile writes content to a file in the given directory, creating
// parent directories as needed.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}
