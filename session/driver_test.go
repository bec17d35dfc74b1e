package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/allaspectsdev/taskgraph/rule"
	"github.com/allaspectsdev/taskgraph/testutil"
	"github.com/allaspectsdev/taskgraph/value"
)

func TestRun_AddRule_Basic(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	f, err := s.Call(testutil.AddRule(), testutil.SamplePair(2, 3))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := s.Run(ctx, f)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := results[0].AsInt(); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
}

func TestRun_Fibonacci_Memoizes(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	fib := testutil.FibRule()
	f, err := s.Call(fib, testutil.SampleInt(10))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := s.Run(ctx, f)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := results[0].AsInt(); got != 55 {
		t.Errorf("fib(10) = %d, want 55", got)
	}

	// Every sub-fingerprint fib(k) for k in [0, 10] should appear exactly
	// once in the graph: repeated recursive demands for the same k collapse
	// onto one task instead of fanning out exponentially.
	if n := s.graph.Len(); n != 11 {
		t.Errorf("graph has %d tasks, want 11 (one per distinct fib(k))", n)
	}
}

func TestRun_FailRule_PropagatesRuleFailure(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	f, err := s.Call(testutil.FailRule("boom"), value.Null())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.Run(ctx, f)
	if err == nil {
		t.Fatal("expected an error from a failing rule")
	}
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected *TaskError, got %T: %v", err, err)
	}
	if taskErr.Kind != ErrorKindRuleFailure {
		t.Errorf("Kind = %v, want ErrorKindRuleFailure", taskErr.Kind)
	}
}

func TestRun_PanicRule_RecoveredAsRuleFailure(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	f, err := s.Call(testutil.PanicRule(), value.Null())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.Run(ctx, f)
	if err == nil {
		t.Fatal("expected an error from a panicking rule")
	}
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected *TaskError, got %T: %v", err, err)
	}
	if taskErr.Kind != ErrorKindRuleFailure {
		t.Errorf("Kind = %v, want ErrorKindRuleFailure", taskErr.Kind)
	}
}

func TestRun_RepeatedCall_Dedupes(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	add := testutil.AddRule()
	f1, err := s.Call(add, testutil.SamplePair(1, 1))
	if err != nil {
		t.Fatalf("Call 1: %v", err)
	}
	f2, err := s.Call(add, testutil.SamplePair(1, 1))
	if err != nil {
		t.Fatalf("Call 2: %v", err)
	}
	if f1 != f2 {
		t.Error("expected identical input to dedupe onto the same future")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Run(ctx, f1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := s.graph.Len(); n != 1 {
		t.Errorf("graph has %d tasks, want 1", n)
	}
}

// TestRun_SideTaskFailure_CaughtByCallingRule exercises the distinction
// between a declared dependency (embedded as a FutureRef in a task's
// input, which auto-propagates as dependency-failed) and a
// dynamically-discovered side task created via inv.Await from inside a
// running body: a side task's failure is returned synchronously to the
// caller, which may catch it and recover instead of failing outright.
func TestRun_SideTaskFailure_CaughtByCallingRule(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	failing := testutil.FailRule("side task boom")
	catcher := rule.New("testutil.catcher@v1", func(inv *rule.Invocation, args value.Value) (value.Value, error) {
		_, err := inv.Await(failing, value.Null())
		if err != nil {
			return value.Int(-1), nil
		}
		return value.Int(1), nil
	})

	f, err := s.Call(catcher, value.Null())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := s.Run(ctx, f)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := results[0].AsInt(); got != -1 {
		t.Errorf("got %d, want -1 (caller recovered the side task's error)", got)
	}
}

// TestRun_DeclaredChildFailure_PropagatesDependencyFailed builds a task
// whose input embeds a FutureRef naming a future that will fail, and
// confirms the dependent task never runs its own body: it is instead
// failed outright as dependency-failed, the propagation policy that
// distinguishes a declared (input-composite) child from a side task.
func TestRun_DeclaredChildFailure_PropagatesDependencyFailed(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	failing := testutil.FailRule("declared dependency boom")
	failingFuture, err := s.Call(failing, value.Null())
	if err != nil {
		t.Fatalf("Call(failing): %v", err)
	}

	ran := false
	dependent := rule.New("testutil.dependent@v1", func(inv *rule.Invocation, args value.Value) (value.Value, error) {
		ran = true
		return value.Int(1), nil
	})

	depArgs := value.Sequence(value.FutureRef(failingFuture.Fingerprint()))
	depFuture, err := s.Call(dependent, depArgs)
	if err != nil {
		t.Fatalf("Call(dependent): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.Run(ctx, depFuture)
	if err == nil {
		t.Fatal("expected dependency-failed propagation")
	}
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected *TaskError, got %T: %v", err, err)
	}
	if taskErr.Kind != ErrorKindDependencyFailed {
		t.Errorf("Kind = %v, want ErrorKindDependencyFailed", taskErr.Kind)
	}
	if ran {
		t.Error("dependent's body must not run when its declared child errored")
	}
}

// TestRun_ResultEmbeddingUnawaitedSideTask_ResolvesBeforeStoring exercises a
// rule that returns the FutureRef from an inv.Call side task it never
// awaited itself. The session must wait for that side task and substitute
// its resolved value before the result is marshalled and stored, rather
// than persisting a dangling future reference.
func TestRun_ResultEmbeddingUnawaitedSideTask_ResolvesBeforeStoring(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	doubler := rule.New("testutil.doubler@v1", func(inv *rule.Invocation, args value.Value) (value.Value, error) {
		return value.Int(args.AsInt() * 2), nil
	})
	forwarder := rule.New("testutil.forwarder@v1", func(inv *rule.Invocation, args value.Value) (value.Value, error) {
		fut, err := inv.Call(doubler, value.Int(21))
		if err != nil {
			return value.Value{}, err
		}
		return value.FutureRef(fut.Fingerprint()), nil
	})

	f, err := s.Call(forwarder, value.Null())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := s.Run(ctx, f)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Kind() != value.KindInt || results[0].AsInt() != 42 {
		t.Fatalf("got %v, want Int(42) — the side task's future must be resolved, not left dangling", results[0])
	}

	stored, ok := f.Result()
	if !ok {
		t.Fatal("expected the future's stored result to be Done")
	}
	if stored.Kind() == value.KindFutureRef {
		t.Error("stored result still embeds a raw FutureRef; it was never substituted")
	}
}

