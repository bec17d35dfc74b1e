package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/taskgraph/fingerprint"
	"github.com/allaspectsdev/taskgraph/future"
	"github.com/allaspectsdev/taskgraph/plugin"
	"github.com/allaspectsdev/taskgraph/rule"
	"github.com/allaspectsdev/taskgraph/task"
	"github.com/allaspectsdev/taskgraph/value"
)

// Call creates or reuses the task for r(args) at the root of a run (no
// parent task demanding it) and returns a handle to its future result
// without blocking. Call implements rule.Caller so a Session can be handed
// directly to rule.NewInvocation for top-level use.
func (s *Session) Call(r *rule.Rule, args value.Value) (*future.Future[value.Value], error) {
	t, err := s.callInternal(r, args, nil)
	if err != nil {
		return nil, err
	}
	return t.Future, nil
}

// taskCaller adapts a Session to rule.Caller for calls made from inside a
// running rule body: every task it creates is recorded as a side task of
// parent, so parent cannot finish before its dynamically-discovered
// dependencies do. Declared separately from Session.Call to avoid an
// import cycle between rule and session — rule bodies only ever see this
// through the Invocation their Session.runBody constructs.
type taskCaller struct {
	session *Session
	parent  *task.Task
}

func (tc *taskCaller) Call(r *rule.Rule, args value.Value) (*future.Future[value.Value], error) {
	t, err := tc.session.callInternal(r, args, tc.parent)
	if err != nil {
		return nil, err
	}
	return t.Future, nil
}

// callInternal creates or reuses the task for r(args), fingerprinted by
// fingerprint.RuleIdentity so that repeated sub-problems collapse onto one
// task regardless of how many callers demand them. If parent is non-nil,
// the returned task is also recorded as one of parent's side tasks (the
// dynamic-dependency path used by inv.Await/inv.Call from a running body);
// root calls via Session.Call pass a nil parent.
func (s *Session) callInternal(r *rule.Rule, args value.Value, parent *task.Task) (*task.Task, error) {
	inputFP, err := args.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("session: fingerprinting input for rule %s: %w", r.ID, err)
	}
	fp := fingerprint.RuleIdentity(r.ID, inputFP)

	var created bool
	t, _ := s.graph.GetOrInsert(fp, func() *task.Task {
		created = true
		return task.New(fp, r, args)
	})

	if created {
		if err := s.wireDeclaredChildren(t, r, args, fp); err != nil {
			if parent != nil {
				parent.AddSideTask(t)
			}
			return t, err
		}
	}

	if parent != nil {
		parent.AddSideTask(t)
	}

	return t, nil
}

// wireDeclaredChildren registers every future reference embedded in a
// freshly-created task's input as a declared child, records a write-only
// dependency hint in the cache, emits task-created, and arms the task for
// scheduling. A dangling reference (one naming a fingerprint the graph has
// never seen) fails the task outright rather than leaving it stuck Pending
// forever.
func (s *Session) wireDeclaredChildren(t *task.Task, r *rule.Rule, args value.Value, fp fingerprint.Hash) error {
	refs := value.FutureRefs(args)
	declared := make([]*task.Task, 0, len(refs))

	for _, depFP := range refs {
		dep, ok := s.graph.Get(depFP)
		if !ok {
			err := fmt.Errorf("session: rule %s's input references unknown future %s", r.ID, depFP)
			t.SetError(err)
			s.metrics.TaskErrored()
			return err
		}
		declared = append(declared, dep)
		t.AddChild(dep.Future)
		if werr := s.cache.WriteDep(fp, depFP); werr != nil {
			log.Warn().Err(werr).Str("parent", fp.String()).Str("child", depFP.String()).Msg("session: writing dependency hint")
		}
	}

	s.metrics.TaskCreated()
	s.dispatchTaskEvent(t, plugin.TaskCreated, nil)
	if err, errored := t.Err(); errored {
		// The task-created dispatch itself failed (failPlugin already set
		// t Errored); don't arm a task that can never run.
		return err
	}
	s.arm(t, declared)
	return nil
}

// arm decides how t enters the ready queue. A task with every declared
// child already terminal (including the zero-children case) is Ready the
// moment it's constructed — future.New starts Ready and AddChild only
// moves it to Pending for children still in flight — so arm settles it
// immediately. Otherwise it registers a one-shot hook that fires exactly
// once, on t's Pending -> Ready transition, exploiting future.Hook's
// fire-once semantics: later Ready -> Pending -> Ready cycles caused by
// side tasks discovered during execution never re-enqueue t, because by
// then t is already running, blocked synchronously on that side task's
// own Await.
func (s *Session) arm(t *task.Task, declared []*task.Task) {
	if t.State() != future.Pending {
		s.settleDeclared(t, declared)
		return
	}
	t.RegisterHook(func(*future.Future[value.Value]) {
		s.settleDeclared(t, declared)
	})
}

// settleDeclared runs once all of t's declared children have reached a
// terminal state. An errored declared child fails t as dependency-failed
// without ever running its body; otherwise t is handed to the ready
// queue. Side tasks are deliberately not consulted here — their errors
// are returned synchronously to the body via inv.Await, which is how a
// rule "catches" a dependency's failure instead of propagating it.
func (s *Session) settleDeclared(t *task.Task, declared []*task.Task) {
	if err := firstChildError(declared); err != nil {
		s.failDependency(t, err)
		return
	}
	s.dispatchTaskEvent(t, plugin.TaskReady, nil)
	if _, errored := t.Err(); errored {
		// task-ready dispatch itself failed; t is already Errored via
		// failPlugin, so it must not be handed to the ready queue.
		return
	}
	s.graph.MarkReady(t)
	s.signalProgress()
}

func firstChildError(declared []*task.Task) error {
	for _, d := range declared {
		if err, errored := d.Err(); errored {
			return err
		}
	}
	return nil
}

func (s *Session) failDependency(t *task.Task, cause error) {
	err := newTaskError(ErrorKindDependencyFailed, t.Rule.ID, t.Fingerprint().String(), cause)
	t.SetError(err)
	s.metrics.TaskErrored()
	s.dispatchTaskEvent(t, plugin.TaskError, err)
	s.signalProgress()
}

// dispatchTaskEvent fires a task-scoped plugin event. A dispatch failure
// fails that specific task as ErrorKindPluginError; the rest of the session
// keeps running. Errors from session-lifecycle events
// (session-open/post-enter/pre-exit/session-close, dispatched directly from
// Open/Close) are returned by Open or Close instead.
func (s *Session) dispatchTaskEvent(t *task.Task, ev plugin.Event, causeErr error) {
	payload := plugin.Payload{
		TaskID:      t.Fingerprint().String(),
		Fingerprint: t.Fingerprint().String(),
		Rule:        t.Rule.ID,
		Err:         causeErr,
	}
	if err := s.plugins.Dispatch(context.Background(), ev, payload); err != nil {
		s.failPlugin(t, err)
	}
}

// failPlugin fails t as a plugin-error unless it has already reached a
// terminal state (e.g. the task-error dispatch that follows a rule
// failure itself errors — t is already Errored by then, so this is a
// no-op, avoiding infinite dispatch recursion).
func (s *Session) failPlugin(t *task.Task, cause error) {
	if t.State() == future.Done || t.State() == future.Errored {
		return
	}
	err := newTaskError(ErrorKindPluginError, t.Rule.ID, t.Fingerprint().String(), cause)
	t.SetError(err)
	s.metrics.TaskErrored()
	s.graph.MarkDone(t)
	s.signalProgress()
}
