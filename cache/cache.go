// Package cache is the durable, transactional store behind a session: a
// SQLite file holding results (one row per fingerprint, written once),
// claims (the mutual-exclusion layer for at-most-one-in-flight execution),
// and deps (a write-only hint table for external incremental-demand
// tooling), using a writer/reader connection split.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver
)

// Cache is a SQLite-backed persistent store. It uses a two-connection
// pattern: a single writer connection (MaxOpenConns=1) serialising all
// writes, and a separate reader pool for concurrent reads.
type Cache struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	closeOnce sync.Once
}

// Open creates (or reopens) a Cache backed by the SQLite database at path,
// creating parent directories, enabling WAL mode, and running pending
// migrations.
func Open(path string) (*Cache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create directory %s: %w", dir, err)
	}

	writerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("cache: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("cache: ping writer: %w", err)
	}

	readerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=query_only(ON)"
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("cache: open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)
	reader.SetConnMaxLifetime(0)

	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("cache: ping reader: %w", err)
	}

	c := &Cache{writer: writer, reader: reader, path: path}

	if err := c.Migrate(); err != nil {
		c.Close()
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return c, nil
}

// Close closes both connections. Safe to call more than once.
func (c *Cache) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		if c.writer != nil {
			if err := c.writer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if c.reader != nil {
			if err := c.reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Path returns the filesystem path of the database file.
func (c *Cache) Path() string { return c.path }

// Ping verifies both connections are alive.
func (c *Cache) Ping() error {
	if err := c.writer.Ping(); err != nil {
		return fmt.Errorf("cache: writer ping: %w", err)
	}
	if err := c.reader.Ping(); err != nil {
		return fmt.Errorf("cache: reader ping: %w", err)
	}
	return nil
}
