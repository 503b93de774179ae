package prefixtree

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Value types recognized by EncodeValue. Each is tagged so distinct types
// never collide in sort order.
const (
	TypeBytes  uint8 = 1
	TypeInt64  uint8 = 2
	TypeUint64 uint8 = 3
	TypeTime   uint8 = 4
)

// Value is a single typed component of a composite key. A caller building a
// key out of several typed fields (e.g. tenant id + timestamp + sequence)
// encodes each as a Value and concatenates the results with EncodeValue,
// producing a single byte slice whose lexicographic order matches the
// tuple's natural order.
type Value struct {
	Type uint8
	Str  []byte
	I64  int64
	U64  uint64
	Time time.Time
}

func BytesValue(b []byte) Value    { return Value{Type: TypeBytes, Str: b} }
func Int64Value(i int64) Value     { return Value{Type: TypeInt64, I64: i} }
func Uint64Value(u uint64) Value   { return Value{Type: TypeUint64, U64: u} }
func TimeValue(t time.Time) Value  { return Value{Type: TypeTime, Time: t} }

// EncodeValue appends v's order-preserving encoding to dst and returns the
// result. Integers are big-endian with the sign bit flipped so two's
// complement comparison order matches byte order; byte strings are
// escaped and null-terminated so they can be concatenated unambiguously.
func EncodeValue(dst []byte, v Value) []byte {
	dst = append(dst, v.Type)
	switch v.Type {
	case TypeInt64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.I64)+(1<<63))
		return append(dst, buf[:]...)
	case TypeUint64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], v.U64)
		return append(dst, buf[:]...)
	case TypeTime:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.Time.Unix())+(1<<63))
		return append(dst, buf[:]...)
	case TypeBytes:
		dst = append(dst, escapeBytes(v.Str)...)
		return append(dst, 0)
	default:
		panic(fmt.Sprintf("prefixtree: unknown value type %d", v.Type))
	}
}

// EncodeValues encodes a tuple of values into one order-preserving key.
func EncodeValues(vals ...Value) []byte {
	out := make([]byte, 0, 32*len(vals))
	for _, v := range vals {
		out = EncodeValue(out, v)
	}
	return out
}

// escapeBytes prefixes 0x00, 0xFE and 0xFF with 0xFE so the null
// terminator added by EncodeValue cannot be confused with a literal null
// byte in s, and a literal 0xFE is not read back as an escape.
func escapeBytes(s []byte) []byte {
	escapes := 0
	for _, b := range s {
		if b == 0 || b == 0xFE || b == 0xFF {
			escapes++
		}
	}
	if escapes == 0 {
		return s
	}
	out := make([]byte, 0, len(s)+escapes)
	for _, b := range s {
		switch b {
		case 0:
			out = append(out, 0xFE, 0x00)
		case 0xFE:
			out = append(out, 0xFE, 0xFE)
		case 0xFF:
			out = append(out, 0xFE, 0xFF)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescapeBytes(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0xFE && i+1 < len(s) {
			out = append(out, s[i+1])
			i++
			continue
		}
		out = append(out, s[i])
	}
	return out
}

// DecodeValues is the inverse of EncodeValues, decoding every tagged value
// in data in order.
func DecodeValues(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 4)
	pos := 0
	for pos < len(data) {
		typ := data[pos]
		pos++
		switch typ {
		case TypeInt64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("prefixtree: truncated int64 value at %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, Int64Value(int64(u-(1<<63))))
			pos += 8
		case TypeUint64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("prefixtree: truncated uint64 value at %d", pos)
			}
			vals = append(vals, Uint64Value(binary.BigEndian.Uint64(data[pos:pos+8])))
			pos += 8
		case TypeTime:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("prefixtree: truncated time value at %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, TimeValue(time.Unix(int64(u-(1<<63)), 0)))
			pos += 8
		case TypeBytes:
			end := pos
			for end < len(data) {
				if data[end] == 0xFE && end+1 < len(data) {
					end += 2
					continue
				}
				if data[end] == 0 {
					break
				}
				end++
			}
			if end >= len(data) {
				return nil, fmt.Errorf("prefixtree: unterminated bytes value at %d", pos)
			}
			vals = append(vals, BytesValue(unescapeBytes(data[pos:end])))
			pos = end + 1
		default:
			return nil, fmt.Errorf("prefixtree: unknown value type %d at %d", typ, pos-1)
		}
	}
	return vals, nil
}
