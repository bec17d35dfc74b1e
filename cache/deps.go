package cache

import (
	"fmt"

	"github.com/allaspectsdev/taskgraph/fingerprint"
)

// WriteDep records a parent/child dependency edge. deps is a write-only
// hint table: the core never reads it back to schedule a run, only to
// give external incremental-demand tooling a durable record of the
// dependency structure discovered during execution (see DESIGN.md's
// decision on the deps-table Open Question).
func (c *Cache) WriteDep(parent, child fingerprint.Hash) error {
	_, err := c.writer.Exec(
		`INSERT OR IGNORE INTO deps (parent, child) VALUES (?, ?)`,
		parent.String(), child.String(),
	)
	if err != nil {
		return fmt.Errorf("cache: write dep %s -> %s: %w", parent, child, err)
	}
	return nil
}
