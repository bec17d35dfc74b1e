// Package rule declares the Rule contract: a stable identity bearing,
// possibly-suspending function that produces a task when invoked inside a
// session. Rule itself has no notion of a session — it depends only on an
// Invocation, the ambient handle a running task's body uses to call other
// rules, so that package session can depend on package rule without a
// cycle back.
package rule

import (
	"context"

	"github.com/allaspectsdev/taskgraph/future"
	"github.com/allaspectsdev/taskgraph/value"
)

// Func is a rule body. It receives the Invocation ambient for the task
// currently executing and the (already substituted) input value, and
// returns a result value that may itself embed unresolved futures from
// side tasks it created.
type Func func(inv *Invocation, args value.Value) (value.Value, error)

// Rule is a registered, identity-bearing computation. Changing ID
// invalidates cache entries for every fingerprint computed under the old
// identity — identity stability across deployments is the caller's
// contract, not something the core can verify.
type Rule struct {
	ID string
	Fn Func
}

// New returns a Rule with the given stable identity and body. By
// convention ID combines a qualified name and a version tag, e.g.
// "pkg.fib@v1", so that a deliberate behavioural change can be
// cache-busted by bumping the version tag.
func New(id string, fn Func) *Rule {
	return &Rule{ID: id, Fn: fn}
}

// Caller is implemented by a session: it creates or reuses a task for a
// rule invocation and returns a handle to its future result. Rule bodies
// never see a Caller directly; they go through an Invocation.
type Caller interface {
	Call(r *Rule, args value.Value) (*future.Future[value.Value], error)
}

// Invocation is the ambient context threaded into a running rule body. It
// is deliberately a plain struct parameter rather than a package-level
// global or context.Context value: the design favours the safer, explicit
// form the source's decorator/coroutine pattern maps to (see DESIGN.md).
type Invocation struct {
	// Std is the standard context for cancellation/deadlines; rule bodies
	// that perform I/O should respect it.
	Std context.Context

	caller Caller
}

// NewInvocation returns an Invocation bound to the given session (Caller)
// and standard context.
func NewInvocation(std context.Context, caller Caller) *Invocation {
	return &Invocation{Std: std, caller: caller}
}

// Call creates (or reuses, by fingerprint) a task for r(args) and returns a
// handle to its future result without blocking.
func (inv *Invocation) Call(r *Rule, args value.Value) (*future.Future[value.Value], error) {
	return inv.caller.Call(r, args)
}

// Await is Call followed immediately by a blocking wait for the result.
// This is the suspension point a rule body uses to demand a dependency.
func (inv *Invocation) Await(r *Rule, args value.Value) (value.Value, error) {
	f, err := inv.Call(r, args)
	if err != nil {
		return value.Value{}, err
	}
	return f.Await()
}

// AwaitAll calls and awaits several rule invocations, preserving order.
// The first error encountered aborts the wait for results not yet
// requested; futures already in flight are not cancelled (see §5: the core
// does not support preemptive cancellation).
func (inv *Invocation) AwaitAll(calls []Call) ([]value.Value, error) {
	futures := make([]*future.Future[value.Value], len(calls))
	for i, c := range calls {
		f, err := inv.Call(c.Rule, c.Args)
		if err != nil {
			return nil, err
		}
		futures[i] = f
	}
	results := make([]value.Value, len(calls))
	for i, f := range futures {
		v, err := f.Await()
		if err != nil {
			return nil, err
		}
		results[i] = v
	}
	return results, nil
}

// Call pairs a Rule with arguments for AwaitAll.
type Call struct {
	Rule *Rule
	Args value.Value
}
