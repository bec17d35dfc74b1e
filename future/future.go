// Package future implements the unit of deferred value the session
// schedules: a fingerprinted node with a state, dependency edges, and
// registered continuations. A Task (see package task) specialises a Future
// with a rule invocation; the state machine itself is generic over the
// result type so it can be reused for both task results and plain
// dependency handles.
package future

import (
	"sync"

	"github.com/allaspectsdev/taskgraph/fingerprint"
)

// State is one of the future's lifecycle stages. Transitions are
// monotonic: Pending -> Ready -> Done, or any non-terminal state -> Errored.
type State int

const (
	// Pending means not all children are Done yet.
	Pending State = iota
	// Ready means every child has reached a terminal state (Done or
	// Errored), but this future has not yet produced a value of its own.
	Ready
	// Done means a result has been stored; the result is now immutable.
	Done
	// Errored is terminal: the future failed and will never produce a
	// result.
	Errored
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Done:
		return "done"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Hook is invoked once on the future's next transition into Ready, Done or
// Errored.
type Hook[T any] func(f *Future[T])

// Future is a handle to a value that will become available. It carries
// state, the set of parents to notify on completion, a count of
// not-yet-Done children, and a registry of one-shot hooks.
//
// A Future is safe for concurrent use; all field access goes through its
// mutex.
type Future[T any] struct {
	mu sync.Mutex

	fp    fingerprint.Hash
	state State

	unresolvedChildren int
	parents            []*Future[T]

	result T
	err    error

	hooks []Hook[T]

	// waiters is closed when the future reaches a terminal state (Done or
	// Errored), waking every goroutine blocked in Await.
	waiters chan struct{}
}

// New returns a Future identified by fp with no children yet. It is
// created Ready, per the data model's boundary behaviour ("a future with
// zero children is created Ready"); callers add dependencies afterward via
// AddChild, which moves a Ready future back to Pending for each
// not-yet-terminal child it registers.
func New[T any](fp fingerprint.Hash) *Future[T] {
	return &Future[T]{
		fp:      fp,
		state:   Ready,
		waiters: make(chan struct{}),
	}
}

// Fingerprint returns the future's identity. It never depends on the
// future's result, only on its construction.
func (f *Future[T]) Fingerprint() fingerprint.Hash { return f.fp }

// State returns the current lifecycle state.
func (f *Future[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AddChild registers dependency as a child of f: f will not be Ready again
// until dependency reaches a terminal state. If dependency is already
// terminal, AddChild is a pure no-op — no edge is retained and f's pending
// counter is unaffected for that child, per §4.3. Idempotent calls with the
// same still-pending dependency would double-count; callers (task
// construction, side-task registration) call AddChild exactly once per
// distinct child.
func (f *Future[T]) AddChild(dependency *Future[T]) {
	dependency.mu.Lock()
	terminal := dependency.state == Done || dependency.state == Errored
	if !terminal {
		dependency.parents = append(dependency.parents, f)
	}
	dependency.mu.Unlock()

	if terminal {
		// Already resolved: no pending counter to bump, nothing to wait for.
		return
	}

	// A child added after f was already Ready (e.g. a side task discovered
	// while f's body is running) moves f back to Pending until that child
	// also resolves. The Pending/Ready/Done progression therefore is not
	// strictly linear when children are discovered dynamically — it
	// reflects the true dependency set as it grows, per §4.4 step 4.
	f.mu.Lock()
	f.unresolvedChildren++
	if f.state == Ready {
		f.state = Pending
	}
	f.mu.Unlock()
}

// resolveOneChild decrements f's unresolved-children counter and, if it
// reaches zero, transitions f to Ready. Called from a child's completion
// (SetResult or SetError) notifying its parents; AddChild never calls it,
// since an already-terminal child is not counted at all. A child that finished Errored still counts toward
// readiness: future.go only tracks "every child reached a terminal state",
// not "every child succeeded". Deciding whether an errored child should
// fail the parent outright (dependency-failed) or let the parent's body run
// and handle the error itself is scheduling policy, owned by package
// session, not by this generic state machine.
func (f *Future[T]) resolveOneChild(child *Future[T]) {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return
	}
	f.unresolvedChildren--
	ready := f.unresolvedChildren <= 0
	var hooks []Hook[T]
	if ready {
		f.state = Ready
		hooks = f.drainHooksLocked()
	}
	f.mu.Unlock()

	if ready {
		fireHooks(f, hooks)
	}
}

// MarkRunning is a marker call sites use to record that the scheduler has
// begun executing a Ready future's body; it has no effect on state.
func (f *Future[T]) MarkRunning() {}

// SetResult transitions Ready -> Done with value v, fires every registered
// hook once, and notifies parents so their unresolved-children counters can
// advance. Calling SetResult on a future that is not Ready panics: this is
// a programming error in the scheduler, not a user-facing condition.
func (f *Future[T]) SetResult(v T) {
	f.mu.Lock()
	if f.state != Ready {
		f.mu.Unlock()
		panic("future: SetResult called outside Ready state")
	}
	f.result = v
	f.state = Done
	parents := append([]*Future[T]{}, f.parents...)
	hooks := f.drainHooksLocked()
	close(f.waiters)
	f.mu.Unlock()

	fireHooks(f, hooks)
	for _, p := range parents {
		p.resolveOneChild(f)
	}
}

// SetError transitions any non-terminal state to Errored, fires hooks, and
// notifies parents (who observe the failure via State()/Err() rather than
// being forced into Errored themselves — propagation policy belongs to the
// scheduler, see package session).
func (f *Future[T]) SetError(err error) {
	f.mu.Lock()
	if f.state == Done || f.state == Errored {
		f.mu.Unlock()
		return
	}
	f.err = err
	f.state = Errored
	parents := append([]*Future[T]{}, f.parents...)
	hooks := f.drainHooksLocked()
	close(f.waiters)
	f.mu.Unlock()

	fireHooks(f, hooks)
	for _, p := range parents {
		p.resolveOneChild(f)
	}
}

// RegisterHook attaches h to fire once on the future's next transition into
// Ready, Done or Errored (a move back to Pending does not fire it). If the
// future is already terminal, h fires immediately (synchronously, on the
// calling goroutine).
func (f *Future[T]) RegisterHook(h Hook[T]) {
	f.mu.Lock()
	if f.state == Done || f.state == Errored {
		f.mu.Unlock()
		h(f)
		return
	}
	f.hooks = append(f.hooks, h)
	f.mu.Unlock()
}

func (f *Future[T]) drainHooksLocked() []Hook[T] {
	hooks := f.hooks
	f.hooks = nil
	return hooks
}

func fireHooks[T any](f *Future[T], hooks []Hook[T]) {
	for _, h := range hooks {
		h(f)
	}
}

// Await blocks until f reaches a terminal state, then returns its result or
// error. It is the suspension point: the only operation (besides the
// cache's claim backoff) that may suspend a task.
func (f *Future[T]) Await() (T, error) {
	<-f.waiters
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// Done returns a channel closed when f reaches a terminal state, for
// callers that want to select on multiple futures (e.g. the scheduler's
// ready-progress wait).
func (f *Future[T]) Done() <-chan struct{} { return f.waiters }

// Result returns the stored result and whether the future is Done. It does
// not block.
func (f *Future[T]) Result() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if f.state != Done {
		return zero, false
	}
	return f.result, true
}

// Err returns the stored error and whether the future is Errored. It does
// not block.
func (f *Future[T]) Err() (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err, f.state == Errored
}
