package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/allaspectsdev/taskgraph/fingerprint"
)

// ErrClaimed is returned by TryClaim when another worker already holds (or
// has already published a result for) fp.
var ErrClaimed = errors.New("cache: fingerprint already claimed or resolved")

// TryClaim attempts to claim fp for worker, failing if fp already has an
// entry in results or claims. The insert and the results/claims existence
// check happen inside one transaction, giving the at-most-one-in-flight
// guarantee the claim protocol requires.
func (c *Cache) TryClaim(fp fingerprint.Hash, worker string) error {
	tx, err := c.writer.Begin()
	if err != nil {
		return fmt.Errorf("cache: try claim: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM results WHERE fingerprint = ?`, fp.String()).Scan(&exists)
	if err == nil {
		return ErrClaimed
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cache: try claim: checking results: %w", err)
	}

	err = tx.QueryRow(`SELECT 1 FROM claims WHERE fingerprint = ?`, fp.String()).Scan(&exists)
	if err == nil {
		return ErrClaimed
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cache: try claim: checking claims: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO claims (fingerprint, worker, heartbeat) VALUES (?, ?, ?)`,
		fp.String(), worker, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("cache: try claim: insert: %w", err)
	}
	return tx.Commit()
}

// Heartbeat refreshes the heartbeat timestamp on fp's claim, provided
// worker is still the holder. The session calls it periodically, from a
// ticker, for as long as the claimed task is running.
func (c *Cache) Heartbeat(fp fingerprint.Hash, worker string) error {
	res, err := c.writer.Exec(
		`UPDATE claims SET heartbeat = ? WHERE fingerprint = ? AND worker = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), fp.String(), worker,
	)
	if err != nil {
		return fmt.Errorf("cache: heartbeat %s: %w", fp, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cache: heartbeat %s: rows affected: %w", fp, err)
	}
	if n == 0 {
		return fmt.Errorf("cache: heartbeat %s: claim not held by worker %s", fp, worker)
	}
	return nil
}

// AbandonClaim removes fp's claim without writing a result — the rule
// body failed; by default the error is not persisted.
func (c *Cache) AbandonClaim(fp fingerprint.Hash, worker string) error {
	_, err := c.writer.Exec(`DELETE FROM claims WHERE fingerprint = ? AND worker = ?`, fp.String(), worker)
	if err != nil {
		return fmt.Errorf("cache: abandon claim %s: %w", fp, err)
	}
	return nil
}

// ReclaimStale deletes every claim whose heartbeat is older than
// staleAfter, making those fingerprints available for a fresh TryClaim. It
// returns the number of claims reclaimed.
func (c *Cache) ReclaimStale(staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).Format(time.RFC3339Nano)
	res, err := c.writer.Exec(`DELETE FROM claims WHERE heartbeat < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache: reclaim stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache: reclaim stale: rows affected: %w", err)
	}
	return n, nil
}

// claimStillLive reports whether fp still has a claims row (i.e. some
// worker, possibly a different one, still appears to hold it).
func (c *Cache) claimStillLive(fp fingerprint.Hash) (bool, error) {
	var exists int
	err := c.reader.QueryRow(`SELECT 1 FROM claims WHERE fingerprint = ?`, fp.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: checking claim liveness: %w", err)
	}
	return true, nil
}

// AwaitResult polls for fp's result with bounded exponential backoff,
// reclaiming the claim once it goes stale so some worker can retry. It
// returns the published result once available. This is the suspension
// point a task blocks on during cache-claim contention; it is not a retry
// of the user computation.
func (c *Cache) AwaitResult(ctx context.Context, fp fingerprint.Hash, staleAfter, base, max time.Duration) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max

	operation := func() ([]byte, error) {
		value, err := c.GetResult(fp)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, backoff.Permanent(err)
		}

		if _, err := c.ReclaimStale(staleAfter); err != nil {
			return nil, backoff.Permanent(err)
		}
		live, err := c.claimStillLive(fp)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !live {
			// The claim is gone without a result landing (holder abandoned
			// it, or it was just reclaimed as stale); the caller's own
			// driver loop re-attempts TryClaim once AwaitResult gives up.
			return nil, backoff.Permanent(ErrNotFound)
		}
		return nil, fmt.Errorf("cache: result for %s not yet published", fp)
	}

	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo))
}
