package testutil

import (
	"fmt"

	"github.com/allaspectsdev/taskgraph/rule"
	"github.com/allaspectsdev/taskgraph/value"
)

// AddRule returns a toy rule that adds two integers given as a 2-element
// Sequence input. Useful for exercising a session's scheduling and
// caching behaviour without recursion.
func AddRule() *rule.Rule {
	return rule.New("testutil.add@v1", func(inv *rule.Invocation, args value.Value) (value.Value, error) {
		items := args.AsSequence()
		if len(items) != 2 {
			return value.Value{}, fmt.Errorf("testutil.add: want 2 args, got %d", len(items))
		}
		return value.Int(items[0].AsInt() + items[1].AsInt()), nil
	})
}

// FibRule returns a toy rule computing the nth Fibonacci number
// recursively via two self-calls through the Invocation, the canonical
// exercise for task memoization: repeated sub-problems collapse onto one
// fingerprint and run exactly once.
func FibRule() *rule.Rule {
	var r *rule.Rule
	r = rule.New("testutil.fib@v1", func(inv *rule.Invocation, args value.Value) (value.Value, error) {
		n := args.AsInt()
		if n < 2 {
			return value.Int(n), nil
		}
		a, err := inv.Await(r, value.Int(n-1))
		if err != nil {
			return value.Value{}, err
		}
		b, err := inv.Await(r, value.Int(n-2))
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(a.AsInt() + b.AsInt()), nil
	})
	return r
}

// FailRule returns a toy rule that always fails with msg, for exercising
// error propagation.
func FailRule(msg string) *rule.Rule {
	return rule.New("testutil.fail@v1", func(inv *rule.Invocation, args value.Value) (value.Value, error) {
		return value.Value{}, fmt.Errorf("testutil.fail: %s", msg)
	})
}

// PanicRule returns a toy rule whose body panics, for exercising a
// session's panic-recovery path.
func PanicRule() *rule.Rule {
	return rule.New("testutil.panic@v1", func(inv *rule.Invocation, args value.Value) (value.Value, error) {
		panic("testutil: deliberate panic")
	})
}

// SampleInt wraps an int64 as a Value, a shorthand used throughout rule
// and session tests.
func SampleInt(n int64) value.Value { return value.Int(n) }

// SamplePair wraps two int64s as a 2-element Sequence, the input shape
// AddRule expects.
func SamplePair(a, b int64) value.Value {
	return value.Sequence(value.Int(a), value.Int(b))
}
