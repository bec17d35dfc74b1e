// Package value implements hashed objects: the tagged-sum representation of
// data the fingerprint engine and the session operate over. A Value is
// either a leaf scalar, an ordered Sequence, a keyed Mapping, a reference to
// a not-yet-resolved Future, or a user Object that declares its own
// canonical form.
package value

import (
	"fmt"
	"sort"

	"github.com/allaspectsdev/taskgraph/fingerprint"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindSequence
	KindMapping
	KindFutureRef
	KindObject
)

// Value is a hashed object: a leaf or a structural node that may contain
// embedded future references as atomic leaves.
type Value struct {
	kind Kind

	boolV   bool
	intV    int64
	floatV  float64
	strV    string
	bytesV  []byte
	seqV    []Value
	mapV    map[string]Value
	futureV fingerprint.Hash

	objType   string
	objFields []Value
	objKeys   []string
}

// Null returns the null scalar.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean scalar.
func Bool(v bool) Value { return Value{kind: KindBool, boolV: v} }

// Int returns an integer scalar.
func Int(v int64) Value { return Value{kind: KindInt, intV: v} }

// Float returns a float scalar.
func Float(v float64) Value { return Value{kind: KindFloat, floatV: v} }

// String returns a string scalar.
func String(v string) Value { return Value{kind: KindString, strV: v} }

// Bytes returns a raw byte-string scalar. The slice is not copied; callers
// must not mutate it after constructing the Value.
func Bytes(v []byte) Value { return Value{kind: KindBytes, bytesV: v} }

// Sequence returns an ordered composite of children.
func Sequence(items ...Value) Value {
	return Value{kind: KindSequence, seqV: items}
}

// Mapping returns an unordered key-value composite. Keys are ordinary
// strings; the canonical form (and Children) orders entries with
// sort.Strings on the raw Go string keys. It does not order them by each
// key's length-prefixed canonical encoding, and fingerprint.SortMapKeys is
// not used.
func Mapping(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMapping, mapV: cp}
}

// FutureRef returns a reference to a future identified by fingerprint fp.
// It is an atomic leaf: its canonical form is the future's fingerprint, not
// its (possibly unresolved) result.
func FutureRef(fp fingerprint.Hash) Value {
	return Value{kind: KindFutureRef, futureV: fp}
}

// Object returns a user object with the given declared type name and
// ordered named fields. Two objects of different TypeName with identical
// fields never collide, because the fingerprint engine wraps the encoding
// with a type tag.
func Object(typeName string, keys []string, fields []Value) Value {
	if len(keys) != len(fields) {
		panic("value: Object keys/fields length mismatch")
	}
	return Value{kind: KindObject, objType: typeName, objKeys: keys, objFields: fields}
}

// Kind reports the variant of v.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the boolean payload; only valid when Kind() == KindBool.
func (v Value) AsBool() bool { return v.boolV }

// AsInt returns the integer payload; only valid when Kind() == KindInt.
func (v Value) AsInt() int64 { return v.intV }

// AsFloat returns the float payload; only valid when Kind() == KindFloat.
func (v Value) AsFloat() float64 { return v.floatV }

// AsString returns the string payload; only valid when Kind() == KindString.
func (v Value) AsString() string { return v.strV }

// AsBytes returns the byte payload; only valid when Kind() == KindBytes.
func (v Value) AsBytes() []byte { return v.bytesV }

// AsSequence returns the ordered children; only valid when Kind() == KindSequence.
func (v Value) AsSequence() []Value { return v.seqV }

// AsMapping returns the keyed children; only valid when Kind() == KindMapping.
func (v Value) AsMapping() map[string]Value { return v.mapV }

// AsFutureRef returns the referenced fingerprint; only valid when Kind() == KindFutureRef.
func (v Value) AsFutureRef() fingerprint.Hash { return v.futureV }

// ObjectType returns the declared type name; only valid when Kind() == KindObject.
func (v Value) ObjectType() string { return v.objType }

// ObjectFields returns the ordered (key, field) pairs; only valid when
// Kind() == KindObject.
func (v Value) ObjectFields() (keys []string, fields []Value) { return v.objKeys, v.objFields }

// Children returns the immediate child Values of a composite (Sequence,
// Mapping, Object). Leaves and future references have no children. Mapping
// children are returned in canonical (sorted-key) order.
func (v Value) Children() []Value {
	switch v.kind {
	case KindSequence:
		return v.seqV
	case KindObject:
		return v.objFields
	case KindMapping:
		keys := make([]string, 0, len(v.mapV))
		for k := range v.mapV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Value, len(keys))
		for i, k := range keys {
			out[i] = v.mapV[k]
		}
		return out
	default:
		return nil
	}
}

// Canonicalise writes v's canonical form to e, satisfying
// fingerprint.Canonicalisable. Every child of a composite is encoded
// recursively into the same encoder; a FutureRef child contributes the
// referenced future's fingerprint, never its result.
func (v Value) Canonicalise(e *fingerprint.Encoder) error {
	switch v.kind {
	case KindNull:
		e.Null()
	case KindBool:
		e.Bool(v.boolV)
	case KindInt:
		e.Int(v.intV)
	case KindFloat:
		e.Float(v.floatV)
	case KindString:
		e.String(v.strV)
	case KindBytes:
		e.Bytes(v.bytesV)
	case KindFutureRef:
		e.Future(v.futureV)
	case KindSequence:
		e.SequenceHeader(len(v.seqV))
		for _, child := range v.seqV {
			if err := child.Canonicalise(e); err != nil {
				return err
			}
		}
	case KindMapping:
		keys := make([]string, 0, len(v.mapV))
		for k := range v.mapV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.MappingHeader(len(keys))
		for _, k := range keys {
			e.String(k)
			if err := v.mapV[k].Canonicalise(e); err != nil {
				return err
			}
		}
	case KindObject:
		e.ObjectHeader(v.objType, len(v.objFields))
		for i, field := range v.objFields {
			e.String(v.objKeys[i])
			if err := field.Canonicalise(e); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: kind %d", fingerprint.ErrUnsupportedValue, v.kind)
	}
	return nil
}

// Fingerprint computes v's fingerprint directly.
func (v Value) Fingerprint() (fingerprint.Hash, error) {
	return fingerprint.Of(v)
}
