package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/allaspectsdev/taskgraph/fingerprint"
)

// codecVersion is the leading byte of every Marshal output. Bumping it is a
// breaking change for any cache entries written under the old version; the
// cache package's result rows carry this byte so a reader can reject (or, in
// a later version, migrate) entries encoded by an incompatible build.
const codecVersion = 1

type wireKind byte

const (
	wireNull wireKind = iota
	wireBool
	wireInt
	wireFloat
	wireString
	wireBytes
	wireSequence
	wireMapping
	wireFutureRef
	wireObject
)

// Marshal encodes v into the self-describing, versioned binary form the
// persistent cache stores: unlike fingerprint.Of, this is a reversible
// encoding of the value's actual data, not a one-way content hash.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal back into a Value.
func Unmarshal(data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, fmt.Errorf("value: unmarshal: empty input")
	}
	if data[0] != codecVersion {
		return Value{}, fmt.Errorf("value: unmarshal: unsupported codec version %d", data[0])
	}
	r := bytes.NewReader(data[1:])
	v, err := decodeValue(r)
	if err != nil {
		return Value{}, err
	}
	if r.Len() != 0 {
		return Value{}, fmt.Errorf("value: unmarshal: %d trailing bytes", r.Len())
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteByte(byte(wireNull))
	case KindBool:
		buf.WriteByte(byte(wireBool))
		if v.boolV {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt:
		buf.WriteByte(byte(wireInt))
		writeUint64(buf, uint64(v.intV))
	case KindFloat:
		buf.WriteByte(byte(wireFloat))
		writeUint64(buf, math.Float64bits(v.floatV))
	case KindString:
		buf.WriteByte(byte(wireString))
		writeBytesField(buf, []byte(v.strV))
	case KindBytes:
		buf.WriteByte(byte(wireBytes))
		writeBytesField(buf, v.bytesV)
	case KindFutureRef:
		buf.WriteByte(byte(wireFutureRef))
		buf.Write(v.futureV[:])
	case KindSequence:
		buf.WriteByte(byte(wireSequence))
		writeUvarint(buf, uint64(len(v.seqV)))
		for _, child := range v.seqV {
			if err := encodeValue(buf, child); err != nil {
				return err
			}
		}
	case KindMapping:
		buf.WriteByte(byte(wireMapping))
		keys := mapKeysSorted(v.mapV)
		writeUvarint(buf, uint64(len(keys)))
		for _, k := range keys {
			writeBytesField(buf, []byte(k))
			if err := encodeValue(buf, v.mapV[k]); err != nil {
				return err
			}
		}
	case KindObject:
		buf.WriteByte(byte(wireObject))
		writeBytesField(buf, []byte(v.objType))
		writeUvarint(buf, uint64(len(v.objFields)))
		for i, field := range v.objFields {
			writeBytesField(buf, []byte(v.objKeys[i]))
			if err := encodeValue(buf, field); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: kind %d", fingerprint.ErrUnsupportedValue, v.kind)
	}
	return nil
}

func decodeValue(r *bytes.Reader) (Value, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return Value{}, fmt.Errorf("value: unmarshal: reading tag: %w", err)
	}
	switch wireKind(tagByte) {
	case wireNull:
		return Null(), nil
	case wireBool:
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		return Bool(b != 0), nil
	case wireInt:
		u, err := readUint64(r)
		if err != nil {
			return Value{}, err
		}
		return Int(int64(u)), nil
	case wireFloat:
		u, err := readUint64(r)
		if err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(u)), nil
	case wireString:
		b, err := readBytesField(r)
		if err != nil {
			return Value{}, err
		}
		return String(string(b)), nil
	case wireBytes:
		b, err := readBytesField(r)
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	case wireFutureRef:
		var h fingerprint.Hash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return Value{}, fmt.Errorf("value: unmarshal: reading future ref: %w", err)
		}
		return FutureRef(h), nil
	case wireSequence:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, n)
		for i := range items {
			items[i], err = decodeValue(r)
			if err != nil {
				return Value{}, err
			}
		}
		return Sequence(items...), nil
	case wireMapping:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return Value{}, err
		}
		m := make(map[string]Value, n)
		for i := uint64(0); i < n; i++ {
			kb, err := readBytesField(r)
			if err != nil {
				return Value{}, err
			}
			child, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			m[string(kb)] = child
		}
		return Mapping(m), nil
	case wireObject:
		typeBytes, err := readBytesField(r)
		if err != nil {
			return Value{}, err
		}
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return Value{}, err
		}
		keys := make([]string, n)
		fields := make([]Value, n)
		for i := uint64(0); i < n; i++ {
			kb, err := readBytesField(r)
			if err != nil {
				return Value{}, err
			}
			keys[i] = string(kb)
			fields[i], err = decodeValue(r)
			if err != nil {
				return Value{}, err
			}
		}
		return Object(string(typeBytes), keys, fields), nil
	default:
		return Value{}, fmt.Errorf("value: unmarshal: unknown tag %d", tagByte)
	}
}

func writeUint64(buf *bytes.Buffer, u uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], u)
	buf.Write(tmp[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func writeUvarint(buf *bytes.Buffer, u uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], u)
	buf.Write(tmp[:n])
}

func writeBytesField(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytesField(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func mapKeysSorted(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
