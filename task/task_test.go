package task

import (
	"testing"

	"github.com/allaspectsdev/taskgraph/fingerprint"
	"github.com/allaspectsdev/taskgraph/rule"
	"github.com/allaspectsdev/taskgraph/value"
)

func TestNew_ZeroChildrenIsReady(t *testing.T) {
	r := rule.New("t.noop@v1", nil)
	tk := New(fingerprint.Hash{1}, r, value.Sequence())
	if tk.State().String() != "ready" {
		t.Fatalf("State() = %v, want ready", tk.State())
	}
}

func TestAddSideTask_BlocksCompletionUntilResolved(t *testing.T) {
	r := rule.New("t.parent@v1", nil)
	parent := New(fingerprint.Hash{1}, r, value.Sequence())

	side := New(fingerprint.Hash{2}, r, value.Sequence())
	parent.AddSideTask(side)

	if len(parent.SideTasks()) != 1 {
		t.Fatalf("expected 1 side task, got %d", len(parent.SideTasks()))
	}

	// side is already Ready (zero children) but not yet Done; adding it as
	// a child must have moved parent back to Pending.
	if parent.State().String() != "pending" {
		t.Fatalf("parent State() = %v, want pending after adding unresolved side task", parent.State())
	}

	side.SetResult(value.Int(1))
	if parent.State().String() != "ready" {
		t.Fatalf("parent State() = %v, want ready after side task resolved", parent.State())
	}
}

func TestHasRun(t *testing.T) {
	r := rule.New("t.noop@v1", nil)
	tk := New(fingerprint.Hash{1}, r, value.Sequence())
	if tk.HasRun() {
		t.Fatalf("new task reports HasRun")
	}
	tk.MarkRun()
	if !tk.HasRun() {
		t.Fatalf("MarkRun did not stick")
	}
}
