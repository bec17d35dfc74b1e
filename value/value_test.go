package value

import (
	"testing"

	"github.com/allaspectsdev/taskgraph/fingerprint"
)

func TestFingerprint_ScalarsDeterministic(t *testing.T) {
	a, err := Int(42).Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Int(42).Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("Int(42) fingerprint not deterministic")
	}
}

func TestFingerprint_ShapeIndependentOfChildResolution(t *testing.T) {
	fp := fingerprint.Hash{0xAB}
	composite := Sequence(FutureRef(fp), Int(1))

	h1, err := composite.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	h2, err := composite.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("composite fingerprint over unresolved future not stable")
	}
}

type fakeResolver map[fingerprint.Hash]Value

func (f fakeResolver) Result(fp fingerprint.Hash) (Value, bool) {
	v, ok := f[fp]
	return v, ok
}

func TestSubstitute_ReplacesFutureWithResult(t *testing.T) {
	fp := fingerprint.Hash{0x01}
	composite := Sequence(FutureRef(fp), Int(1))
	r := fakeResolver{fp: Int(99)}

	sub, err := Substitute(composite, r)
	if err != nil {
		t.Fatalf("Substitute: %v", err)
	}

	seq := sub.AsSequence()
	if len(seq) != 2 {
		t.Fatalf("expected 2 children, got %d", len(seq))
	}
	if seq[0].Kind() != KindInt || seq[0].AsInt() != 99 {
		t.Fatalf("future not substituted: %+v", seq[0])
	}
}

func TestSubstitute_FingerprintDiffersFromShape(t *testing.T) {
	fp := fingerprint.Hash{0x02}
	composite := Sequence(FutureRef(fp))
	r := fakeResolver{fp: Int(7)}

	shapeFP, _ := composite.Fingerprint()

	sub, err := Substitute(composite, r)
	if err != nil {
		t.Fatalf("Substitute: %v", err)
	}
	valueFP, _ := sub.Fingerprint()

	if shapeFP == valueFP {
		t.Fatalf("shape fingerprint and substituted-value fingerprint collided")
	}
}

func TestSubstitute_Nested(t *testing.T) {
	inner := fingerprint.Hash{0x03}
	outer := fingerprint.Hash{0x04}
	r := fakeResolver{
		inner: Int(5),
		outer: Sequence(FutureRef(inner)),
	}

	sub, err := Substitute(FutureRef(outer), r)
	if err != nil {
		t.Fatalf("Substitute: %v", err)
	}
	if sub.AsSequence()[0].AsInt() != 5 {
		t.Fatalf("nested substitution did not recurse: %+v", sub)
	}
}

func TestSubstitute_UnresolvedErrors(t *testing.T) {
	fp := fingerprint.Hash{0x05}
	_, err := Substitute(FutureRef(fp), fakeResolver{})
	if err == nil {
		t.Fatalf("expected error for unresolved future")
	}
}

func TestFutureRefs_DedupedInOrder(t *testing.T) {
	a := fingerprint.Hash{0xAA}
	b := fingerprint.Hash{0xBB}
	v := Sequence(FutureRef(a), FutureRef(b), FutureRef(a))

	refs := FutureRefs(v)
	if len(refs) != 2 || refs[0] != a || refs[1] != b {
		t.Fatalf("FutureRefs = %v, want [a b]", refs)
	}
}

func TestMapping_CanonicalOrderIsKeySorted(t *testing.T) {
	m := Mapping(map[string]Value{
		"z": Int(1),
		"a": Int(2),
	})
	children := m.Children()
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if children[0].AsInt() != 2 || children[1].AsInt() != 1 {
		t.Fatalf("mapping children not in sorted-key order: %+v", children)
	}
}

func TestEmptyComposite_FingerprintDefined(t *testing.T) {
	h, err := Sequence().Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if h.IsZero() {
		t.Fatalf("empty sequence fingerprint was zero")
	}
}

func TestObject_DistinctTypesDoNotCollide(t *testing.T) {
	a := Object("Point", []string{"x"}, []Value{Int(1)})
	b := Object("Marker", []string{"x"}, []Value{Int(1)})

	fa, _ := a.Fingerprint()
	fb, _ := b.Fingerprint()
	if fa == fb {
		t.Fatalf("distinct object types collided")
	}
}
