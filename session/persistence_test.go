package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/allaspectsdev/taskgraph/config"
	"github.com/allaspectsdev/taskgraph/testutil"
)

// TestPersistence_ResultSurvivesAcrossSessions opens a session against a
// store path, runs a task to completion, closes the session, then opens a
// brand new session against the same store path and demands the identical
// task again: the result must come back without the rule body running a
// second time: HasResult finds the row the first session wrote, and the
// second session's tasks_run counter stays at zero.
func TestPersistence_ResultSurvivesAcrossSessions(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "shared.db")

	cfg1 := config.DefaultConfig()
	cfg1.StorePath = storePath
	s1, err := Open(cfg1)
	if err != nil {
		t.Fatalf("Open first session: %v", err)
	}

	add := testutil.AddRule()
	f1, err := s1.Call(add, testutil.SamplePair(7, 8))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	results, err := s1.Run(ctx, f1)
	cancel()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := results[0].AsInt(); got != 15 {
		t.Fatalf("got %d, want 15", got)
	}
	fp := f1.Fingerprint()

	if err := s1.Close(); err != nil {
		t.Fatalf("Close first session: %v", err)
	}

	cfg2 := config.DefaultConfig()
	cfg2.StorePath = storePath
	s2, err := Open(cfg2)
	if err != nil {
		t.Fatalf("Open second session: %v", err)
	}
	defer s2.Close()

	has, err := s2.cache.HasResult(fp)
	if err != nil {
		t.Fatalf("HasResult: %v", err)
	}
	if !has {
		t.Fatal("expected the first session's result to persist in the shared store")
	}

	f2, err := s2.Call(add, testutil.SamplePair(7, 8))
	if err != nil {
		t.Fatalf("Call on second session: %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	results2, err := s2.Run(ctx2, f2)
	if err != nil {
		t.Fatalf("Run on second session: %v", err)
	}
	if got := results2[0].AsInt(); got != 15 {
		t.Errorf("got %d, want 15 (served from the persistent cache)", got)
	}
	if got := s2.Metrics().Stats().TasksRun; got != 0 {
		t.Errorf("tasks_run on second session = %d, want 0 (rule body must not run again)", got)
	}
}
