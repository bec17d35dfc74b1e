// Package task specialises a future with a rule invocation: the rule
// identity, the canonicalised input composite, and the side tasks the
// rule's body creates while it runs.
package task

import (
	"sync"

	"github.com/allaspectsdev/taskgraph/fingerprint"
	"github.com/allaspectsdev/taskgraph/future"
	"github.com/allaspectsdev/taskgraph/rule"
	"github.com/allaspectsdev/taskgraph/value"
)

// Task is a rule invocation: a future.Future[value.Value] carrying
// additionally the rule identity, the input composite, the set of side
// tasks created during execution, and whether the body has already run.
type Task struct {
	*future.Future[value.Value]

	Rule  *rule.Rule
	Input value.Value

	mu        sync.Mutex
	sideTasks []*Task
	hasRun    bool
}

// New returns a Task identified by fp, bound to r(input), with no
// dependency children registered yet. The caller registers each of input's
// embedded future dependencies via AddChild (inherited from
// *future.Future) immediately after construction.
func New(fp fingerprint.Hash, r *rule.Rule, input value.Value) *Task {
	return &Task{
		Future: future.New[value.Value](fp),
		Rule:   r,
		Input:  input,
	}
}

// AddSideTask records st as a side task created during this task's body
// execution and makes st's future an additional child of this task: this
// task cannot be Done until st (and any further side tasks it creates
// transitively) resolves.
func (t *Task) AddSideTask(st *Task) {
	t.mu.Lock()
	t.sideTasks = append(t.sideTasks, st)
	t.mu.Unlock()
	t.Future.AddChild(st.Future)
}

// SideTasks returns the tasks created as a side effect of running this
// task's body, in creation order.
func (t *Task) SideTasks() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Task, len(t.sideTasks))
	copy(out, t.sideTasks)
	return out
}

// MarkRun records that the body has started executing (or was skipped in
// favour of a cached result) — see HasRun.
func (t *Task) MarkRun() {
	t.mu.Lock()
	t.hasRun = true
	t.mu.Unlock()
}

// HasRun reports whether the scheduler has already dispatched this task's
// body (or cache lookup), i.e. whether MarkRun has been called. It is a
// record only; the scheduler does not consult it before dispatching.
func (t *Task) HasRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasRun
}
