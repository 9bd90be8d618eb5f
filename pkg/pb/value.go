package pb

import (
	"math/big"
	"strconv"
	"strings"
)

// Kind identifies the shape a decoded field took.
type Kind uint8

const (
	KindInvalid  Kind = iota
	KindInt           // varint that fits in an int64
	KindBigInt        // varint above math.MaxInt64, kept as an unsigned 64-bit value
	KindDouble        // wire type 1
	KindFixed32       // wire type 5
	KindBytes         // length-delimited, binary
	KindString        // length-delimited, printable (or zip:// decompressed text)
	KindProto         // length-delimited, parsed as a nested tree
	KindRepeated      // tag seen more than once
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBigInt:
		return "bigint"
	case KindDouble:
		return "double"
	case KindFixed32:
		return "fixed32"
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindProto:
		return "proto"
	case KindRepeated:
		return "repeated"
	default:
		return "invalid"
	}
}

// Value is one decoded field of a tag tree. The zero Value is returned for
// missing tags, so lookups can be chained without nil checks.
type Value struct {
	kind Kind
	num  uint64
	f    float64
	raw  []byte
	str  string
	sub  *Proto
	list []Value
}

// Int returns a varint Value, used when building trees by hand.
func Int(n int64) Value {
	return varintValue(uint64(n))
}

// Bytes returns a binary Value.
func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: b}
}

func varintValue(x uint64) Value {
	if x > 1<<63-1 {
		return Value{kind: KindBigInt, num: x}
	}
	return Value{kind: KindInt, num: x}
}

func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value was present.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Int64 returns the numeric value. Varints keep their two's complement bits,
// so negative numbers written as int64 read back unchanged.
func (v Value) Int64() int64 {
	switch v.kind {
	case KindInt, KindBigInt, KindFixed32:
		return int64(v.num)
	case KindDouble:
		return int64(v.f)
	case KindString:
		n, _ := strconv.ParseInt(v.str, 10, 64)
		return n
	}
	return 0
}

func (v Value) Uint64() uint64 {
	switch v.kind {
	case KindInt, KindBigInt, KindFixed32:
		return v.num
	case KindDouble:
		return uint64(v.f)
	case KindString:
		n, _ := strconv.ParseUint(v.str, 10, 64)
		return n
	}
	return 0
}

func (v Value) Uint32() uint32 { return uint32(v.Uint64()) }

// BigInt returns the varint as an arbitrary precision integer. Values above
// math.MaxInt64 are interpreted as unsigned.
func (v Value) BigInt() *big.Int {
	switch v.kind {
	case KindBigInt:
		return new(big.Int).SetUint64(v.num)
	case KindInt, KindFixed32:
		return big.NewInt(int64(v.num))
	}
	return nil
}

func (v Value) Float64() float64 {
	if v.kind == KindDouble {
		return v.f
	}
	return float64(v.Int64())
}

func (v Value) Bool() bool {
	return v.Uint64() != 0
}

// Bytes returns the raw bytes of a length-delimited field, whatever shape the
// decoder inferred for it.
func (v Value) Bytes() []byte {
	switch v.kind {
	case KindBytes, KindString, KindProto:
		return v.raw
	}
	return nil
}

// String renders the value as text. Repeated values are joined with commas.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindBytes, KindProto:
		return string(v.raw)
	case KindInt, KindFixed32:
		return strconv.FormatInt(int64(v.num), 10)
	case KindBigInt:
		return strconv.FormatUint(v.num, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindRepeated:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return strings.Join(parts, ",")
	}
	return ""
}

// Proto returns the nested tree, or nil if the field did not decode as one.
func (v Value) Proto() *Proto {
	if v.kind == KindProto {
		return v.sub
	}
	return nil
}

// Get looks up a tag in a nested tree value.
func (v Value) Get(tag uint32) Value {
	if v.kind == KindProto {
		return v.sub.Get(tag)
	}
	return Value{}
}

// List returns the occurrences of a repeated field. A single occurrence is
// returned as a one element list.
func (v Value) List() []Value {
	switch v.kind {
	case KindInvalid:
		return nil
	case KindRepeated:
		return v.list
	}
	return []Value{v}
}
