// Package fingerprint computes stable content hashes over canonicalised
// values. Two values with the same canonical form hash equal across
// processes, which is what lets the session compute a task's identity
// before any of its dependencies have run.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Hash is an opaque, fixed-width content identifier.
type Hash [sha256.Size]byte

// String returns the hex encoding of h.
func (h Hash) String() string {
	return fmt.Sprintf("%x", [sha256.Size]byte(h))
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// tag bytes distinguish otherwise-ambiguous canonical encodings (e.g. an
// empty sequence vs an empty mapping) and give every user object type its
// own namespace so structurally-identical objects of different types never
// collide.
const (
	tagNull byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagSequence
	tagMapping
	tagFuture
	tagObject
)

// Encoder accumulates the canonical byte stream for a value. Canonicalise
// implementations write to an Encoder rather than returning []byte directly
// so that composite values can stream their children without intermediate
// allocation.
type Encoder struct {
	h *sha256Writer
}

// NewEncoder returns an Encoder ready to accumulate a canonical encoding.
func NewEncoder() *Encoder {
	return &Encoder{h: newSHA256Writer()}
}

// Sum finalises the encoder and returns the resulting Hash.
func (e *Encoder) Sum() Hash {
	return e.h.sum()
}

func (e *Encoder) writeTag(tag byte) { e.h.Write([]byte{tag}) }

func (e *Encoder) writeLenPrefixed(tag byte, b []byte) {
	e.writeTag(tag)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	e.h.Write(lenBuf[:])
	e.h.Write(b)
}

// Null writes the canonical encoding of the null scalar.
func (e *Encoder) Null() { e.writeTag(tagNull) }

// Bool writes the canonical encoding of a boolean scalar.
func (e *Encoder) Bool(v bool) {
	e.writeTag(tagBool)
	if v {
		e.h.Write([]byte{1})
	} else {
		e.h.Write([]byte{0})
	}
}

// Int writes the canonical encoding of a signed integer: a tag followed by
// the length-prefixed decimal representation.
func (e *Encoder) Int(v int64) {
	e.writeLenPrefixed(tagInt, []byte(strconv.FormatInt(v, 10)))
}

// Float writes the canonical encoding of a float64. -0.0 is normalised to
// 0.0; NaN and the infinities are spelled out so they canonicalise the same
// way in every process regardless of platform-specific bit patterns.
func (e *Encoder) Float(v float64) {
	if v == 0 {
		v = 0 // normalise -0.0
	}
	var s string
	switch {
	case math.IsNaN(v):
		s = "nan"
	case math.IsInf(v, 1):
		s = "inf"
	case math.IsInf(v, -1):
		s = "-inf"
	default:
		s = strconv.FormatFloat(v, 'g', -1, 64)
	}
	e.writeLenPrefixed(tagFloat, []byte(s))
}

// String writes the canonical encoding of a UTF-8 string: length-prefixed
// raw bytes.
func (e *Encoder) String(v string) {
	e.writeLenPrefixed(tagString, []byte(v))
}

// Bytes writes the canonical encoding of a raw byte string.
func (e *Encoder) Bytes(v []byte) {
	e.writeLenPrefixed(tagBytes, v)
}

// Future writes the canonical encoding of an embedded future reference: a
// distinguishing tag followed by the referenced future's fingerprint bytes.
// The future's *result* never enters the encoding, only its identity, so a
// composite's fingerprint is computable before any dependency resolves.
func (e *Encoder) Future(fp Hash) {
	e.writeTag(tagFuture)
	e.h.Write(fp[:])
}

// SequenceHeader writes the tag and length prefix for an ordered sequence of
// n children. Callers must then encode exactly n children into this same
// Encoder (a future reference via Future, anything else by its own
// canonical form).
func (e *Encoder) SequenceHeader(n int) {
	e.writeTag(tagSequence)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(n))
	e.h.Write(lenBuf[:])
}

// MappingHeader writes the tag and length prefix for an unordered mapping of
// n entries. Callers are responsible for sorting entries by the canonical
// byte form of their keys before writing them (see SortMapKeys).
func (e *Encoder) MappingHeader(n int) {
	e.writeTag(tagMapping)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(n))
	e.h.Write(lenBuf[:])
}

// ObjectHeader writes the tag, a length-prefixed type name, and a
// length-prefixed child count for a user object's canonical form, so that
// two types with identical structure never collide.
func (e *Encoder) ObjectHeader(typeName string, n int) {
	e.writeTag(tagObject)
	var nameLen [8]byte
	binary.BigEndian.PutUint64(nameLen[:], uint64(len(typeName)))
	e.h.Write(nameLen[:])
	e.h.Write([]byte(typeName))
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(n))
	e.h.Write(lenBuf[:])
}

// MapKey pairs a mapping key's canonical bytes with an encode function for
// its value, so SortMapKeys can order entries before they are written.
type MapKey struct {
	Canonical []byte
	Encode    func(*Encoder)
}

// SortMapKeys sorts keys by the byte order of their canonical form, as
// required for deterministic mapping encoding.
func SortMapKeys(keys []MapKey) {
	sort.Slice(keys, func(i, j int) bool {
		return compareBytes(keys[i].Canonical, keys[j].Canonical) < 0
	})
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Of computes the fingerprint of a single Canonicalisable value in one
// shot. It is a convenience wrapper around Encoder for leaf callers that
// don't need to interleave multiple values into one stream.
func Of(v Canonicalisable) (Hash, error) {
	e := NewEncoder()
	if err := v.Canonicalise(e); err != nil {
		return Hash{}, err
	}
	return e.Sum(), nil
}

// Canonicalisable is implemented by anything the fingerprint engine can
// hash: it writes its canonical form into the given Encoder.
type Canonicalisable interface {
	Canonicalise(e *Encoder) error
}

// RuleIdentity computes the fingerprint of a task: the rule's stable
// identity string combined with the fingerprint of its canonicalised input
// composite.
func RuleIdentity(ruleID string, inputFingerprint Hash) Hash {
	e := NewEncoder()
	e.String(ruleID)
	e.Future(inputFingerprint)
	return e.Sum()
}

type sha256Writer struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func newSHA256Writer() *sha256Writer {
	return &sha256Writer{h: sha256.New()}
}

func (w *sha256Writer) Write(p []byte) {
	_, _ = w.h.Write(p)
}

func (w *sha256Writer) sum() Hash {
	var out Hash
	copy(out[:], w.h.Sum(nil))
	return out
}
