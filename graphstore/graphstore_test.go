package graphstore

import (
	"testing"

	"github.com/allaspectsdev/taskgraph/fingerprint"
	"github.com/allaspectsdev/taskgraph/rule"
	"github.com/allaspectsdev/taskgraph/task"
	"github.com/allaspectsdev/taskgraph/value"
)

func newTask(n byte) *task.Task {
	r := rule.New("t.noop@v1", nil)
	return task.New(fingerprint.Hash{n}, r, value.Sequence())
}

func TestGetOrInsert_ReturnsExistingOnSecondCall(t *testing.T) {
	g := New()
	fp := fingerprint.Hash{1}

	created := 0
	factory := func() *task.Task {
		created++
		return newTask(1)
	}

	t1, existed := g.GetOrInsert(fp, factory)
	if existed {
		t.Fatalf("first GetOrInsert reported existed=true")
	}
	t2, existed := g.GetOrInsert(fp, factory)
	if !existed {
		t.Fatalf("second GetOrInsert reported existed=false")
	}
	if t1 != t2 {
		t.Fatalf("GetOrInsert returned different tasks for same fingerprint")
	}
	if created != 1 {
		t.Fatalf("factory called %d times, want 1", created)
	}
}

func TestGet_MissingReturnsFalse(t *testing.T) {
	g := New()
	if _, ok := g.Get(fingerprint.Hash{9}); ok {
		t.Fatalf("Get on empty graph reported ok=true")
	}
}

func TestReadyQueue_FIFO(t *testing.T) {
	g := New()
	t1 := newTask(1)
	t2 := newTask(2)
	t3 := newTask(3)

	g.MarkReady(t1)
	g.MarkReady(t2)
	g.MarkReady(t3)

	if g.ReadyLen() != 3 {
		t.Fatalf("ReadyLen() = %d, want 3", g.ReadyLen())
	}

	got := []*task.Task{g.PopReady(), g.PopReady(), g.PopReady()}
	want := []*task.Task{t1, t2, t3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PopReady()[%d] = %v, want %v (FIFO order violated)", i, got[i], want[i])
		}
	}
	if g.PopReady() != nil {
		t.Fatalf("PopReady() on empty queue returned non-nil")
	}
}

func TestRunningSet_MarkRunningAndMarkDone(t *testing.T) {
	g := New()
	tk := newTask(1)

	g.MarkRunning(tk)
	if g.RunningCount() != 1 {
		t.Fatalf("RunningCount() = %d, want 1", g.RunningCount())
	}
	g.MarkDone(tk)
	if g.RunningCount() != 0 {
		t.Fatalf("RunningCount() = %d, want 0 after MarkDone", g.RunningCount())
	}
}

func TestLen_CountsRegisteredTasks(t *testing.T) {
	g := New()
	g.GetOrInsert(fingerprint.Hash{1}, func() *task.Task { return newTask(1) })
	g.GetOrInsert(fingerprint.Hash{2}, func() *task.Task { return newTask(2) })
	g.GetOrInsert(fingerprint.Hash{1}, func() *task.Task { return newTask(1) }) // dup, no-op

	if g.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", g.Len())
	}
}

func TestMirror_SurvivesEviction(t *testing.T) {
	g := New(WithMirrorSize(1))
	fpA := fingerprint.Hash{1}
	fpB := fingerprint.Hash{2}

	g.GetOrInsert(fpA, func() *task.Task { return newTask(1) })
	g.GetOrInsert(fpB, func() *task.Task { return newTask(2) })

	// fpA may have been evicted from the small LRU mirror, but the
	// authoritative map must still serve it.
	if _, ok := g.Get(fpA); !ok {
		t.Fatalf("Get(fpA) = false after mirror eviction, want true (map fallback)")
	}
}
