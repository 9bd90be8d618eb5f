package pb

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrUnsupportedType = errors.New("pb: unsupported value type")
	ErrIntOverflow     = errors.New("pb: integer does not fit in 64 bits")
)

var unsignedPattern = regexp.MustCompile(`^\d+u$`)

// Message is an encodable tag tree. Values may be integers, floats, bools,
// strings, []byte, *big.Int, nested Messages, *Proto, Value, or slices of
// any of these (written as repeated fields). Nil values are skipped.
//
// Strings carry three sentinels: "zip://text" is gzip compressed, "123u" is
// written as an unsigned varint and "protobuf://<hex>" is written as the
// decoded bytes.
//
// Signed integers are written as two's-complement varints, not zigzag, so a
// negative value decodes back to itself.
type Message map[uint32]any

// Encode writes m in ascending tag order.
func Encode(m Message) ([]byte, error) {
	return appendMessage(nil, m)
}

// MustEncode is Encode for trees built from constants; it panics on error.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

func appendMessage(b []byte, m Message) ([]byte, error) {
	tags := make([]uint32, 0, len(m))
	for tag := range m {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	var err error
	for _, tag := range tags {
		if b, err = appendField(b, tag, m[tag], true); err != nil {
			return nil, fmt.Errorf("tag %d: %w", tag, err)
		}
	}
	return b, nil
}

func appendVarint(b []byte, tag uint32, x uint64) []byte {
	b = protowire.AppendTag(b, protowire.Number(tag), protowire.VarintType)
	return protowire.AppendVarint(b, x)
}

func appendBytes(b []byte, tag uint32, data []byte) []byte {
	b = protowire.AppendTag(b, protowire.Number(tag), protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func appendDouble(b []byte, tag uint32, f float64) []byte {
	b = protowire.AppendTag(b, protowire.Number(tag), protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(f))
}

func appendField(b []byte, tag uint32, v any, allowRepeated bool) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return b, nil
	case bool:
		if x {
			return appendVarint(b, tag, 1), nil
		}
		return appendVarint(b, tag, 0), nil
	case int:
		return appendVarint(b, tag, uint64(int64(x))), nil
	case int8:
		return appendVarint(b, tag, uint64(int64(x))), nil
	case uint8:
		return appendVarint(b, tag, uint64(x)), nil
	case int16:
		return appendVarint(b, tag, uint64(int64(x))), nil
	case int32:
		return appendVarint(b, tag, uint64(int64(x))), nil
	case int64:
		return appendVarint(b, tag, uint64(x)), nil
	case uint:
		return appendVarint(b, tag, uint64(x)), nil
	case uint16:
		return appendVarint(b, tag, uint64(x)), nil
	case uint32:
		return appendVarint(b, tag, uint64(x)), nil
	case uint64:
		return appendVarint(b, tag, x), nil
	case float32:
		return appendNumber(b, tag, float64(x)), nil
	case float64:
		return appendNumber(b, tag, x), nil
	case *big.Int:
		if x == nil {
			return b, nil
		}
		switch {
		case x.IsUint64():
			return appendVarint(b, tag, x.Uint64()), nil
		case x.IsInt64():
			return appendVarint(b, tag, uint64(x.Int64())), nil
		}
		return nil, ErrIntOverflow
	case string:
		return appendString(b, tag, x)
	case []byte:
		return appendBytes(b, tag, x), nil
	case Message:
		return appendNested(b, tag, x)
	case map[uint32]any:
		return appendNested(b, tag, Message(x))
	case *Proto:
		if x == nil {
			return b, nil
		}
		return appendBytes(b, tag, x.raw), nil
	case Value:
		return appendValue(b, tag, x)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		raw := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(raw), rv)
		return appendBytes(b, tag, raw), nil
	}
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if !allowRepeated {
			return nil, fmt.Errorf("%w: nested repeated %T", ErrUnsupportedType, v)
		}
		var err error
		for i := 0; i < rv.Len(); i++ {
			if b, err = appendField(b, tag, rv.Index(i).Interface(), false); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func appendNumber(b []byte, tag uint32, f float64) []byte {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return appendVarint(b, tag, uint64(int64(f)))
	}
	return appendDouble(b, tag, f)
}

func appendNested(b []byte, tag uint32, m Message) ([]byte, error) {
	inner, err := appendMessage(nil, m)
	if err != nil {
		return nil, err
	}
	return appendBytes(b, tag, inner), nil
}

func appendString(b []byte, tag uint32, s string) ([]byte, error) {
	switch {
	case strings.HasPrefix(s, ZipPrefix):
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write([]byte(s[len(ZipPrefix):])); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return appendBytes(b, tag, buf.Bytes()), nil
	case unsignedPattern.MatchString(s):
		x, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrIntOverflow, s)
		}
		return appendVarint(b, tag, x), nil
	case strings.HasPrefix(s, RawPrefix):
		raw, err := hex.DecodeString(s[len(RawPrefix):])
		if err != nil {
			return nil, fmt.Errorf("pb: bad %s payload: %w", RawPrefix, err)
		}
		return appendBytes(b, tag, raw), nil
	}
	return appendBytes(b, tag, []byte(s)), nil
}

func appendValue(b []byte, tag uint32, v Value) ([]byte, error) {
	switch v.kind {
	case KindInvalid:
		return b, nil
	case KindInt, KindBigInt:
		return appendVarint(b, tag, v.num), nil
	case KindDouble:
		return appendDouble(b, tag, v.f), nil
	case KindFixed32:
		b = protowire.AppendTag(b, protowire.Number(tag), protowire.Fixed32Type)
		return protowire.AppendFixed32(b, uint32(v.num)), nil
	case KindBytes, KindString, KindProto:
		if v.raw == nil && v.kind == KindString {
			return appendString(b, tag, v.str)
		}
		return appendBytes(b, tag, v.raw), nil
	case KindRepeated:
		var err error
		for _, item := range v.list {
			if b, err = appendValue(b, tag, item); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: kind %s", ErrUnsupportedType, v.kind)
}
