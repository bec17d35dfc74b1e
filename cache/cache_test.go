package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/allaspectsdev/taskgraph/fingerprint"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskgraph.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpen_RunsMigrations(t *testing.T) {
	c := openTemp(t)
	v, err := c.currentVersion()
	if err != nil {
		t.Fatalf("currentVersion() error = %v", err)
	}
	if v != 1 {
		t.Fatalf("currentVersion() = %d, want 1", v)
	}
}

func TestTryClaim_SecondAttemptFails(t *testing.T) {
	c := openTemp(t)
	fp := fingerprint.Hash{1}

	if err := c.TryClaim(fp, "worker-a"); err != nil {
		t.Fatalf("first TryClaim() error = %v", err)
	}
	if err := c.TryClaim(fp, "worker-b"); !errors.Is(err, ErrClaimed) {
		t.Fatalf("second TryClaim() error = %v, want ErrClaimed", err)
	}
}

func TestPutResult_ClearsClaimAndIsVisible(t *testing.T) {
	c := openTemp(t)
	fp := fingerprint.Hash{1}
	input := fingerprint.Hash{2}

	if err := c.TryClaim(fp, "worker-a"); err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}
	if err := c.PutResult(fp, "fib@v1", input, []byte("result"), "worker-a"); err != nil {
		t.Fatalf("PutResult() error = %v", err)
	}

	value, err := c.GetResult(fp)
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if string(value) != "result" {
		t.Fatalf("GetResult() = %q, want %q", value, "result")
	}

	live, err := c.claimStillLive(fp)
	if err != nil {
		t.Fatalf("claimStillLive() error = %v", err)
	}
	if live {
		t.Fatalf("claim still live after PutResult")
	}

	// Claim should now be free for a fresh fingerprint demand elsewhere,
	// but this fingerprint already has a result so TryClaim must reject it.
	if err := c.TryClaim(fp, "worker-b"); !errors.Is(err, ErrClaimed) {
		t.Fatalf("TryClaim() on resolved fingerprint error = %v, want ErrClaimed", err)
	}
}

func TestPutResult_ConflictingEntryErrors(t *testing.T) {
	c := openTemp(t)
	fp := fingerprint.Hash{1}

	if err := c.PutResult(fp, "fib@v1", fingerprint.Hash{2}, []byte("a"), "w"); err != nil {
		t.Fatalf("PutResult() error = %v", err)
	}
	err := c.PutResult(fp, "fib@v2", fingerprint.Hash{3}, []byte("b"), "w")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("PutResult() error = %v, want ErrConflict", err)
	}
}

func TestGetResult_MissingReturnsNotFound(t *testing.T) {
	c := openTemp(t)
	if _, err := c.GetResult(fingerprint.Hash{9}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetResult() error = %v, want ErrNotFound", err)
	}
}

func TestAbandonClaim_FreesFingerprintForRetry(t *testing.T) {
	c := openTemp(t)
	fp := fingerprint.Hash{1}

	if err := c.TryClaim(fp, "worker-a"); err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}
	if err := c.AbandonClaim(fp, "worker-a"); err != nil {
		t.Fatalf("AbandonClaim() error = %v", err)
	}
	if err := c.TryClaim(fp, "worker-b"); err != nil {
		t.Fatalf("TryClaim() after abandon error = %v", err)
	}
}

func TestReclaimStale_RemovesOldClaimsOnly(t *testing.T) {
	c := openTemp(t)
	staleFp := fingerprint.Hash{1}
	freshFp := fingerprint.Hash{2}

	if err := c.TryClaim(staleFp, "worker-a"); err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}
	// Backdate the stale claim's heartbeat directly; normal code paths only
	// ever move it forward via Heartbeat.
	if _, err := c.writer.Exec(
		`UPDATE claims SET heartbeat = ? WHERE fingerprint = ?`,
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano), staleFp.String(),
	); err != nil {
		t.Fatalf("backdating heartbeat: %v", err)
	}
	if err := c.TryClaim(freshFp, "worker-b"); err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}

	n, err := c.ReclaimStale(time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ReclaimStale() reclaimed %d, want 1", n)
	}

	if err := c.TryClaim(staleFp, "worker-c"); err != nil {
		t.Fatalf("TryClaim() on reclaimed fingerprint error = %v", err)
	}
	live, err := c.claimStillLive(freshFp)
	if err != nil {
		t.Fatalf("claimStillLive() error = %v", err)
	}
	if !live {
		t.Fatalf("fresh claim was incorrectly reclaimed")
	}
}

func TestAwaitResult_ReturnsOncePublished(t *testing.T) {
	c := openTemp(t)
	fp := fingerprint.Hash{1}

	if err := c.TryClaim(fp, "worker-a"); err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.PutResult(fp, "fib@v1", fingerprint.Hash{2}, []byte("42"), "worker-a")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	value, err := c.AwaitResult(ctx, fp, time.Minute, time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}
	if string(value) != "42" {
		t.Fatalf("AwaitResult() = %q, want 42", value)
	}
}

func TestWriteDep_IsIdempotent(t *testing.T) {
	c := openTemp(t)
	parent := fingerprint.Hash{1}
	child := fingerprint.Hash{2}

	if err := c.WriteDep(parent, child); err != nil {
		t.Fatalf("WriteDep() error = %v", err)
	}
	if err := c.WriteDep(parent, child); err != nil {
		t.Fatalf("second WriteDep() error = %v", err)
	}

	var count int
	if err := c.reader.QueryRow(`SELECT COUNT(*) FROM deps`).Scan(&count); err != nil {
		t.Fatalf("counting deps: %v", err)
	}
	if count != 1 {
		t.Fatalf("deps row count = %d, want 1", count)
	}
}
