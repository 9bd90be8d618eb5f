// Package wire holds the big-endian building blocks shared by the TLV,
// wtlogin and SSO layers. Lengths written by WithLength include the 4-byte
// prefix itself; TLV lengths do not.
package wire

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

var (
	ErrShortTLVHeader = errors.New("wire: short tlv header")
	ErrShortTLVValue  = errors.New("wire: short tlv value")
	ErrShortLength    = errors.New("wire: length prefix out of range")
)

// Build runs f against a fresh builder and returns the bytes.
func Build(f func(b *cryptobyte.Builder)) ([]byte, error) {
	var b cryptobyte.Builder
	f(&b)
	return b.Bytes()
}

// MustBuild is Build for fields whose sizes are bounded by construction.
func MustBuild(f func(b *cryptobyte.Builder)) []byte {
	out, err := Build(f)
	if err != nil {
		panic(err)
	}
	return out
}

// AddWithLength writes a u32 length (counting itself) followed by the
// content produced by f.
func AddWithLength(b *cryptobyte.Builder, f func(b *cryptobyte.Builder)) {
	var child cryptobyte.Builder
	f(&child)
	body, err := child.Bytes()
	if err != nil {
		b.SetError(err)
		return
	}
	AddBytesWithLength(b, body)
}

func AddBytesWithLength(b *cryptobyte.Builder, data []byte) {
	b.AddUint32(uint32(len(data) + 4))
	b.AddBytes(data)
}

// AddString16 writes a u16 length (counting itself) and s, the layout of
// the version string in the SSO header.
func AddString16(b *cryptobyte.Builder, s string) {
	if len(s)+2 > 0xffff {
		b.SetError(fmt.Errorf("%w: %d", ErrShortLength, len(s)))
		return
	}
	b.AddUint16(uint16(len(s) + 2))
	b.AddBytes([]byte(s))
}

// AddBytes16 writes a u16 length (not counting itself) and data.
func AddBytes16(b *cryptobyte.Builder, data []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(data) })
}

// AddTLV writes u16 tag, u16 length, value.
func AddTLV(b *cryptobyte.Builder, tag uint16, f func(b *cryptobyte.Builder)) {
	b.AddUint16(tag)
	b.AddUint16LengthPrefixed(f)
}

// WithLength prefixes data with its inclusive u32 length.
func WithLength(data []byte) []byte {
	return MustBuild(func(b *cryptobyte.Builder) { AddBytesWithLength(b, data) })
}

// ReadWithLength reads a u32 inclusive-length field.
func ReadWithLength(s *cryptobyte.String, out *[]byte) bool {
	var n uint32
	if !s.ReadUint32(&n) || n < 4 {
		return false
	}
	return s.ReadBytes(out, int(n-4))
}

// ReadTLVs reads u16 tag / u16 length pairs until two or fewer bytes remain.
// A later occurrence of a tag replaces an earlier one.
func ReadTLVs(s *cryptobyte.String) (map[uint16][]byte, error) {
	tlvs := make(map[uint16][]byte)
	for len(*s) > 2 {
		var (
			tag   uint16
			value []byte
		)
		if !s.ReadUint16(&tag) {
			return nil, ErrShortTLVHeader
		}
		if !s.ReadUint16LengthPrefixed((*cryptobyte.String)(&value)) {
			return nil, fmt.Errorf("%w: tag 0x%x", ErrShortTLVValue, tag)
		}
		tlvs[tag] = value
	}
	return tlvs, nil
}
