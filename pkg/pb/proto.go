// Package pb implements the schemaless tag/value codec used for every
// payload of the session protocol.
//
// Encoding takes a Message (tag -> Go value) and writes protobuf wire format
// without a schema. Decoding has to guess the shape of length-delimited
// fields and tries, in order: a nested tree, a printable string, zip
// compressed text (returned with the "zip://" prefix) and finally raw bytes.
// A tag that occurs more than once decodes as a repeated value.
package pb

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// ZipPrefix marks text that is gzip compressed on the wire.
	ZipPrefix = "zip://"
	// RawPrefix marks hex encoded bytes written verbatim.
	RawPrefix = "protobuf://"

	maxDepth = 64
)

var (
	ErrUnknownWireType = errors.New("pb: unknown wire type")
	ErrTruncated       = errors.New("pb: truncated field")
)

// Proto is a decoded tag tree. It keeps the bytes it was decoded from.
type Proto struct {
	raw    []byte
	fields map[uint32]Value
}

// Decode parses a tag tree. Only the top level can fail; nested fields that
// do not parse degrade to strings or bytes.
func Decode(b []byte) (*Proto, error) {
	raw := bytes.Clone(b)
	fields, err := decodeFields(raw, 0)
	if err != nil {
		return nil, err
	}
	return &Proto{raw: raw, fields: fields}, nil
}

func decodeFields(b []byte, depth int) (map[uint32]Value, error) {
	fields := make(map[uint32]Value)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]

		var v Value
		switch typ {
		case protowire.VarintType:
			var x uint64
			x, n = protowire.ConsumeVarint(b)
			v = varintValue(x)
		case protowire.Fixed64Type:
			var x uint64
			x, n = protowire.ConsumeFixed64(b)
			v = Value{kind: KindDouble, f: math.Float64frombits(x)}
		case protowire.BytesType:
			var x []byte
			x, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				v = bytesValue(x, depth+1)
			}
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			v = Value{kind: KindFixed32, num: uint64(x)}
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnknownWireType, typ)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		addField(fields, uint32(num), v)
	}
	return fields, nil
}

func addField(fields map[uint32]Value, tag uint32, v Value) {
	prev, ok := fields[tag]
	switch {
	case !ok:
		fields[tag] = v
	case prev.kind == KindRepeated:
		prev.list = append(prev.list, v)
		fields[tag] = prev
	default:
		fields[tag] = Value{kind: KindRepeated, list: []Value{prev, v}}
	}
}

func bytesValue(raw []byte, depth int) Value {
	if depth < maxDepth {
		if fields, err := decodeFields(raw, depth); err == nil && len(fields) > 0 {
			return Value{kind: KindProto, raw: raw, sub: &Proto{raw: raw, fields: fields}}
		}
	}
	if printable(raw) {
		return Value{kind: KindString, raw: raw, str: string(raw)}
	}
	if text, ok := unzip(raw); ok {
		return Value{kind: KindString, raw: raw, str: ZipPrefix + text}
	}
	return Value{kind: KindBytes, raw: raw}
}

func printable(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0) < 0
}

func unzip(b []byte) (string, bool) {
	if len(b) < 2 {
		return "", false
	}
	var (
		r   io.ReadCloser
		err error
	)
	switch {
	case b[0] == 0x1f && b[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(b))
	case b[0] == 0x78 && (b[1] == 0x9c || b[1] == 0x01 || b[1] == 0xda):
		r, err = zlib.NewReader(bytes.NewReader(b))
	default:
		return "", false
	}
	if err != nil {
		return "", false
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// Get returns the value at tag, or the zero Value.
func (p *Proto) Get(tag uint32) Value {
	if p == nil {
		return Value{}
	}
	return p.fields[tag]
}

func (p *Proto) Has(tag uint32) bool {
	if p == nil {
		return false
	}
	_, ok := p.fields[tag]
	return ok
}

// Tags returns the tags present, in ascending order.
func (p *Proto) Tags() []uint32 {
	if p == nil {
		return nil
	}
	tags := make([]uint32, 0, len(p.fields))
	for tag := range p.fields {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Raw returns the encoded bytes the tree was decoded from.
func (p *Proto) Raw() []byte {
	if p == nil {
		return nil
	}
	return p.raw
}

func (p *Proto) Len() int { return len(p.Raw()) }

func (p *Proto) Hex() string { return hex.EncodeToString(p.Raw()) }

func (p *Proto) Base64() string { return base64.StdEncoding.EncodeToString(p.Raw()) }

func (p *Proto) String() string { return string(p.Raw()) }
