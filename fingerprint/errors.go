package fingerprint

import "errors"

// ErrUnsupportedValue is returned when a value cannot be canonicalised
// because its type is not one the engine knows how to encode.
var ErrUnsupportedValue = errors.New("fingerprint: unsupported value")

// ErrCycle is returned when canonicalising a value would require
// traversing through itself. Hashed values must be acyclic; futures are the
// mechanism for expressing what would otherwise be a cycle.
var ErrCycle = errors.New("fingerprint: cycle in value")
