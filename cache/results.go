package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/allaspectsdev/taskgraph/fingerprint"
)

// ErrNotFound is returned by GetResult when no result is stored for a
// fingerprint.
var ErrNotFound = errors.New("cache: result not found")

// ErrConflict is returned by PutResult when a result already exists for
// the fingerprint under a divergent rule or input hash — surfaced by the
// session as the cache-conflict error kind.
var ErrConflict = errors.New("cache: conflicting result already stored")

// GetResult returns the serialised value stored for fp, or ErrNotFound.
func (c *Cache) GetResult(fp fingerprint.Hash) ([]byte, error) {
	var value []byte
	err := c.reader.QueryRow(
		`SELECT value FROM results WHERE fingerprint = ?`, fp.String(),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: get result %s: %w", fp, err)
	}
	return value, nil
}

// HasResult reports whether a result is already stored for fp, without
// fetching the value.
func (c *Cache) HasResult(fp fingerprint.Hash) (bool, error) {
	var exists int
	err := c.reader.QueryRow(`SELECT 1 FROM results WHERE fingerprint = ?`, fp.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: has result %s: %w", fp, err)
	}
	return true, nil
}

// PutResult writes the result for fp inside the same transaction that
// removes fp's claim, satisfying the claim protocol's consistency
// requirement (result write and claim removal are atomic). If a result
// already exists for fp with a different rule or input hash, it returns
// ErrConflict rather than silently overwriting — results are write-once.
func (c *Cache) PutResult(fp fingerprint.Hash, rule string, inputHash fingerprint.Hash, value []byte, worker string) error {
	tx, err := c.writer.Begin()
	if err != nil {
		return fmt.Errorf("cache: put result: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingRule, existingInput string
	err = tx.QueryRow(`SELECT rule, input_hash FROM results WHERE fingerprint = ?`, fp.String()).
		Scan(&existingRule, &existingInput)
	switch {
	case err == nil:
		if existingRule != rule || existingInput != inputHash.String() {
			return ErrConflict
		}
		// Identical entry already present (e.g. a reclaim race where the
		// original holder finished just before being declared stale):
		// nothing further to do, just clear any leftover claim.
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.Exec(
			`INSERT INTO results (fingerprint, rule, input_hash, value, created_at) VALUES (?, ?, ?, ?, ?)`,
			fp.String(), rule, inputHash.String(), value, time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("cache: put result: insert: %w", err)
		}
	default:
		return fmt.Errorf("cache: put result: checking existing: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM claims WHERE fingerprint = ? AND worker = ?`, fp.String(), worker); err != nil {
		return fmt.Errorf("cache: put result: clearing claim: %w", err)
	}

	return tx.Commit()
}
