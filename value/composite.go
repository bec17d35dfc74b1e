package value

import "github.com/allaspectsdev/taskgraph/fingerprint"

// Resolved looks up the result Value for a future fingerprint during
// substitution. A session's future registry implements this.
type Resolved interface {
	// Result returns the Done result for fp and true, or the zero Value and
	// false if fp is not known to the resolver (e.g. still pending).
	Result(fp fingerprint.Hash) (Value, bool)
}

// Substitute returns a new Value with every embedded future reference
// replaced by its resolved result, recursively. Substitution is
// shallow-to-deep: a replaced child is itself substituted if it is a
// composite. Substitute does not mutate v.
//
// Substitute returns an error if a referenced future has no result in r
// (the caller is expected to have already ensured every embedded future is
// Done before substituting).
func Substitute(v Value, r Resolved) (Value, error) {
	switch v.kind {
	case KindFutureRef:
		resolved, ok := r.Result(v.futureV)
		if !ok {
			return Value{}, &UnresolvedFutureError{Fingerprint: v.futureV}
		}
		return Substitute(resolved, r)
	case KindSequence:
		out := make([]Value, len(v.seqV))
		for i, child := range v.seqV {
			sub, err := Substitute(child, r)
			if err != nil {
				return Value{}, err
			}
			out[i] = sub
		}
		return Sequence(out...), nil
	case KindMapping:
		out := make(map[string]Value, len(v.mapV))
		for k, child := range v.mapV {
			sub, err := Substitute(child, r)
			if err != nil {
				return Value{}, err
			}
			out[k] = sub
		}
		return Value{kind: KindMapping, mapV: out}, nil
	case KindObject:
		out := make([]Value, len(v.objFields))
		for i, field := range v.objFields {
			sub, err := Substitute(field, r)
			if err != nil {
				return Value{}, err
			}
			out[i] = sub
		}
		return Value{kind: KindObject, objType: v.objType, objKeys: v.objKeys, objFields: out}, nil
	default:
		return v, nil
	}
}

// UnresolvedFutureError is returned by Substitute when a referenced future
// has not yet produced a result.
type UnresolvedFutureError struct {
	Fingerprint fingerprint.Hash
}

func (e *UnresolvedFutureError) Error() string {
	return "value: future " + e.Fingerprint.String() + " has no result to substitute"
}

// FutureRefs walks v and returns the fingerprints of every embedded future
// reference, deduplicated, in first-encountered order. This is how a rule
// call's input composite exposes its children to the session (§4.4 step 1).
func FutureRefs(v Value) []fingerprint.Hash {
	seen := make(map[fingerprint.Hash]bool)
	var order []fingerprint.Hash
	var walk func(Value)
	walk = func(v Value) {
		switch v.kind {
		case KindFutureRef:
			if !seen[v.futureV] {
				seen[v.futureV] = true
				order = append(order, v.futureV)
			}
		case KindSequence:
			for _, c := range v.seqV {
				walk(c)
			}
		case KindMapping:
			for _, c := range v.Children() {
				walk(c)
			}
		case KindObject:
			for _, c := range v.objFields {
				walk(c)
			}
		}
	}
	walk(v)
	return order
}
