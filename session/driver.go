package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/taskgraph/cache"
	"github.com/allaspectsdev/taskgraph/fingerprint"
	"github.com/allaspectsdev/taskgraph/future"
	"github.com/allaspectsdev/taskgraph/plugin"
	"github.com/allaspectsdev/taskgraph/rule"
	"github.com/allaspectsdev/taskgraph/task"
	"github.com/allaspectsdev/taskgraph/tracing"
	"github.com/allaspectsdev/taskgraph/value"
)

// Run drives the graph until every future in targets reaches a terminal
// state, dispatching ready tasks as it goes, then returns their results in
// order. The first error observed at any of the targets is returned; tasks
// still in flight elsewhere in the graph are not cancelled — cancellation
// is quiescence-based only.
func (s *Session) Run(ctx context.Context, targets ...*future.Future[value.Value]) ([]value.Value, error) {
	if err := s.driveUntil(ctx, targets); err != nil {
		return nil, err
	}

	results := make([]value.Value, len(targets))
	for i, f := range targets {
		if err, errored := f.Err(); errored {
			return nil, err
		}
		v, ok := f.Result()
		if !ok {
			return nil, fmt.Errorf("session: target %d did not resolve", i)
		}
		results[i] = v
	}
	return results, nil
}

// driveUntil pops ready tasks and dispatches their bodies until every
// target is terminal. It detects deadlock when the ready queue is empty,
// nothing is running, and at least one target is still not terminal.
func (s *Session) driveUntil(ctx context.Context, targets []*future.Future[value.Value]) error {
	for {
		if allTerminal(targets) {
			return nil
		}

		loopStart := time.Now()
		loopCtx, loopSpan := tracing.StartDriverLoopSpan(ctx, s.graph.ReadyLen(), s.graph.RunningCount())
		dispatched := 0
		for {
			t := s.graph.PopReady()
			if t == nil {
				break
			}
			dispatched++
			tracing.SetTaskAttributes(loopCtx, t.Fingerprint().String(), t.Rule.ID)
			s.dispatch(ctx, t)
		}
		loopSpan.End()
		s.metrics.ObserveLoopIteration(time.Since(loopStart).Seconds())

		if dispatched > 0 {
			continue
		}

		if s.graph.RunningCount() == 0 {
			if allTerminal(targets) {
				return nil
			}
			return newTaskError(ErrorKindDeadlock, "", "", errors.New("session: driver has no ready tasks but pending tasks remain"))
		}

		select {
		case <-ctx.Done():
			return newTaskError(ErrorKindCancelled, "", "", ctx.Err())
		case <-s.progress:
		}
	}
}

func allTerminal(targets []*future.Future[value.Value]) bool {
	for _, f := range targets {
		switch f.State() {
		case future.Done, future.Errored:
		default:
			return false
		}
	}
	return true
}

// dispatch hands t's body to a goroutine. With Config.Workers <= 0 every
// ready task gets its own goroutine immediately — the "single-threaded
// cooperative driver" default describes the scheduling loop above, which
// pops and arms strictly one task at a time under the graph's lock, not
// the number of bodies in flight; a body that suspends on inv.Await must
// run on its own goroutine or the whole graph deadlocks on the first
// recursive call. With Workers > 0 a semaphore bounds how many bodies run
// concurrently.
func (s *Session) dispatch(ctx context.Context, t *task.Task) {
	s.graph.MarkRunning(t)
	go func() {
		s.acquireWorkerSlot()
		defer s.releaseWorkerSlot()
		s.runTask(ctx, t)
	}()
}

// runTask executes one task end to end: fast-path cache lookup, the claim
// protocol for at-most-one-in-flight execution, the panic-recovery-wrapped
// rule body, and the result/claim bookkeeping that follows either outcome.
func (s *Session) runTask(ctx context.Context, t *task.Task) {
	t.MarkRun()
	fp := t.Fingerprint()

	ctx, span := tracing.StartTaskRunSpan(ctx, fp.String(), t.Rule.ID)
	defer span.End()

	s.dispatchTaskEvent(t, plugin.TaskRunStart, nil)
	if _, errored := t.Err(); errored {
		s.graph.MarkDone(t)
		return
	}

	if data, err := s.cache.GetResult(fp); err == nil {
		s.finishCached(ctx, t, data)
		return
	} else if !errors.Is(err, cache.ErrNotFound) {
		s.fail(ctx, t, ErrorKindCacheConflict, fmt.Errorf("session: checking cache for %s: %w", fp, err))
		return
	}

	for {
		err := s.cache.TryClaim(fp, s.workerID)
		if err == nil {
			break
		}
		if !errors.Is(err, cache.ErrClaimed) {
			s.fail(ctx, t, ErrorKindRuleFailure, fmt.Errorf("session: claiming %s: %w", fp, err))
			return
		}

		s.metrics.ClaimContended()
		data, awaitErr := s.cache.AwaitResult(ctx, fp, s.cfg.StaleClaimAfter, s.cfg.BackoffBase, s.cfg.BackoffMax)
		if awaitErr == nil {
			s.finishCached(ctx, t, data)
			return
		}
		if errors.Is(awaitErr, cache.ErrNotFound) {
			// The winning worker's claim went stale and was reclaimed
			// without a result landing; try to claim it ourselves.
			s.metrics.ClaimStolen()
			continue
		}
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.fail(ctx, t, ErrorKindCancelled, awaitErr)
		} else {
			s.fail(ctx, t, ErrorKindCacheConflict, awaitErr)
		}
		return
	}

	stopHeartbeat := s.startHeartbeat(fp)
	defer stopHeartbeat()
	s.runBody(ctx, t, fp)
}

// startHeartbeat refreshes fp's claim on a fixed interval until the
// returned stop func is called, satisfying the claim protocol's requirement
// that a claim holder keep its heartbeat fresh for as long as its body is
// running — otherwise a contending worker's AwaitResult/ReclaimStale loop
// would treat a merely slow task the same as an abandoned one and let a
// second worker claim and run it concurrently.
func (s *Session) startHeartbeat(fp fingerprint.Hash) (stop func()) {
	interval := s.cfg.StaleClaimAfter / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.cache.Heartbeat(fp, s.workerID); err != nil {
					log.Warn().Err(err).Str("fingerprint", fp.String()).Msg("session: refreshing claim heartbeat")
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// runBody substitutes t's declared future references with their resolved
// values, invokes the rule body under panic recovery, resolves any side-task
// futures the body's result itself embeds, and stores or fails the result.
func (s *Session) runBody(ctx context.Context, t *task.Task, fp fingerprint.Hash) {
	args, err := value.Substitute(t.Input, sessionResolver{s})
	if err != nil {
		s.fail(ctx, t, ErrorKindRuleFailure, fmt.Errorf("session: substituting input for %s: %w", fp, err))
		return
	}

	inv := rule.NewInvocation(ctx, &taskCaller{session: s, parent: t})

	start := time.Now()
	result, err := s.invokeBody(inv, t, args)
	elapsed := time.Since(start)

	if err != nil {
		s.fail(ctx, t, ErrorKindRuleFailure, fmt.Errorf("session: rule %s: %w", t.Rule.ID, err))
		return
	}

	result, err = s.resolveResultFutures(result)
	if err != nil {
		s.fail(ctx, t, ErrorKindRuleFailure, fmt.Errorf("session: resolving result of %s: %w", fp, err))
		return
	}

	data, err := value.Marshal(result)
	if err != nil {
		s.fail(ctx, t, ErrorKindRuleFailure, fmt.Errorf("session: marshalling result of %s: %w", fp, err))
		return
	}

	inputFP, err := t.Input.Fingerprint()
	if err != nil {
		s.fail(ctx, t, ErrorKindRuleFailure, fmt.Errorf("session: re-fingerprinting input of %s: %w", fp, err))
		return
	}

	if err := s.cache.PutResult(fp, t.Rule.ID, inputFP, data, s.workerID); err != nil {
		if errors.Is(err, cache.ErrConflict) {
			s.fail(ctx, t, ErrorKindCacheConflict, err)
		} else {
			s.fail(ctx, t, ErrorKindRuleFailure, fmt.Errorf("session: storing result of %s: %w", fp, err))
		}
		return
	}

	t.SetResult(result)
	s.graph.MarkDone(t)
	s.metrics.ObserveRun(t.Rule.ID, elapsed.Seconds())
	s.dispatchTaskEvent(t, plugin.TaskRunEnd, nil)
	s.dispatchTaskEvent(t, plugin.TaskDone, nil)
	s.signalProgress()
}

// invokeBody runs the rule's Fn, recovering a panic into a plain error so
// one bad rule body cannot take down the driver loop's goroutine.
func (s *Session) invokeBody(inv *rule.Invocation, t *task.Task, args value.Value) (result value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Rule.Fn(inv, args)
}

// resolveFuture looks up the stored result for a fingerprint referenced by
// an embedded FutureRef. For a task's input this only ever succeeds for
// declared children, which settleDeclared guarantees are all Done by the
// time a task's body runs. For a task's result it succeeds for side tasks
// too, once resolveResultFutures has waited on them.
func (s *Session) resolveFuture(fp fingerprint.Hash) (value.Value, bool) {
	dep, ok := s.graph.Get(fp)
	if !ok {
		return value.Value{}, false
	}
	return dep.Result()
}

// sessionResolver adapts Session.resolveFuture to value.Resolved so the
// composite substitution in package value can rebuild both a task's
// declared input and a rule's returned result.
type sessionResolver struct{ s *Session }

func (r sessionResolver) Result(fp fingerprint.Hash) (value.Value, bool) {
	return r.s.resolveFuture(fp)
}

// resolveResultFutures waits for every future reference embedded in a
// rule's returned result to reach a terminal state, then substitutes each
// with its resolved value. A rule body is allowed to return the future from
// an un-awaited inv.Call side task (§4.4 steps 3-4); the cache and the
// future state machine only ever store settled values, so that future is
// awaited here rather than left dangling in the stored/settled result.
func (s *Session) resolveResultFutures(result value.Value) (value.Value, error) {
	for _, fp := range value.FutureRefs(result) {
		dep, ok := s.graph.Get(fp)
		if !ok {
			return value.Value{}, fmt.Errorf("session: result references unknown future %s", fp)
		}
		if _, err := dep.Await(); err != nil {
			return value.Value{}, fmt.Errorf("session: awaiting side task %s embedded in result: %w", fp, err)
		}
	}
	return value.Substitute(result, sessionResolver{s})
}

// finishCached stores a result obtained from the cache rather than from
// running the body: Unmarshal failures are treated as a cache-conflict,
// since the only way stored bytes fail to decode is a corrupted or
// incompatible prior entry.
func (s *Session) finishCached(ctx context.Context, t *task.Task, data []byte) {
	v, err := value.Unmarshal(data)
	if err != nil {
		s.fail(ctx, t, ErrorKindCacheConflict, fmt.Errorf("session: decoding cached result for %s: %w", t.Fingerprint(), err))
		return
	}
	t.SetResult(v)
	s.graph.MarkDone(t)
	s.metrics.TaskCached()
	s.dispatchTaskEvent(t, plugin.TaskRunEnd, nil)
	s.dispatchTaskEvent(t, plugin.TaskDone, nil)
	s.signalProgress()
}

// fail transitions t to Errored with kind, abandoning any claim this
// worker holds (best effort — a stale claim still gets cleaned up by
// ReclaimStale) and dispatching task-error. A no-op if t is already
// terminal, so a dispatch-triggered failPlugin call racing with a body
// failure can't double-fail the task.
func (s *Session) fail(ctx context.Context, t *task.Task, kind ErrorKind, cause error) {
	if t.State() == future.Done || t.State() == future.Errored {
		return
	}
	if abErr := s.cache.AbandonClaim(t.Fingerprint(), s.workerID); abErr != nil {
		log.Warn().Err(abErr).Str("fingerprint", t.Fingerprint().String()).Msg("session: abandoning claim")
	}
	err := newTaskError(kind, t.Rule.ID, t.Fingerprint().String(), cause)
	tracing.RecordError(ctx, err)
	t.SetError(err)
	s.graph.MarkDone(t)
	s.metrics.TaskErrored()
	s.dispatchTaskEvent(t, plugin.TaskRunEnd, err)
	s.dispatchTaskEvent(t, plugin.TaskError, err)
	s.signalProgress()
}
