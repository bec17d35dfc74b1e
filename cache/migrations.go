package cache

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is a single schema migration step.
type migration struct {
	Version int
	SQL     string
}

// migrations is the ordered list of all migrations; version 1 creates the
// full initial schema (results, claims, deps).
var migrations = []migration{
	{Version: 1, SQL: ""}, // handled specially: applies allSchemas
}

// Migrate brings the database up to the latest schema version, each step
// wrapped in its own transaction.
func (c *Cache) Migrate() error {
	if _, err := c.writer.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("cache: create migrations table: %w", err)
	}

	current, err := c.currentVersion()
	if err != nil {
		return fmt.Errorf("cache: read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := c.applyMigration(m); err != nil {
			return fmt.Errorf("cache: migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func (c *Cache) currentVersion() (int, error) {
	var version int
	err := c.writer.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (c *Cache) applyMigration(m migration) error {
	tx, err := c.writer.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if m.Version == 1 {
		if err := applyInitialSchema(tx); err != nil {
			return err
		}
	} else if m.SQL != "" {
		if _, err := tx.Exec(m.SQL); err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		"INSERT INTO migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func applyInitialSchema(tx *sql.Tx) error {
	for _, ddl := range allSchemas {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}
