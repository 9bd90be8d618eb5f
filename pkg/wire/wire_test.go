package wire

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/crypto/cryptobyte"
)

func TestWithLengthCountsPrefix(t *testing.T) {
	got := WithLength([]byte{0xaa, 0xbb})
	want := []byte{0, 0, 0, 6, 0xaa, 0xbb}
	if !bytes.Equal(got, want) {
		t.Fatalf("WithLength() = %x, want %x", got, want)
	}

	s := cryptobyte.String(got)
	var body []byte
	if !ReadWithLength(&s, &body) || !bytes.Equal(body, []byte{0xaa, 0xbb}) || !s.Empty() {
		t.Fatalf("ReadWithLength() = %x, rest %x", body, []byte(s))
	}
}

func TestReadWithLengthRejectsShortPrefix(t *testing.T) {
	for _, in := range [][]byte{{0, 0, 0, 3}, {0, 0, 0, 9, 1}, {0, 0}} {
		s := cryptobyte.String(in)
		var body []byte
		if ReadWithLength(&s, &body) {
			t.Errorf("ReadWithLength(%x) succeeded", in)
		}
	}
}

func TestAddString16(t *testing.T) {
	got := MustBuild(func(b *cryptobyte.Builder) { AddString16(b, "ver") })
	want := []byte{0, 5, 'v', 'e', 'r'}
	if !bytes.Equal(got, want) {
		t.Fatalf("AddString16() = %x, want %x", got, want)
	}
}

func TestTLVRoundTrip(t *testing.T) {
	data := MustBuild(func(b *cryptobyte.Builder) {
		b.AddUint16(2)
		AddTLV(b, 0x106, func(b *cryptobyte.Builder) { b.AddBytes([]byte("ticket")) })
		AddTLV(b, 0x16a, func(b *cryptobyte.Builder) {})
		b.AddUint8(3)
	})

	s := cryptobyte.String(data)
	var count uint16
	s.ReadUint16(&count)
	tlvs, err := ReadTLVs(&s)
	if err != nil {
		t.Fatalf("ReadTLVs() error = %v", err)
	}
	if count != 2 || len(tlvs) != 2 {
		t.Fatalf("got %d tlvs (count %d), want 2", len(tlvs), count)
	}
	if string(tlvs[0x106]) != "ticket" {
		t.Errorf("tlv 0x106 = %q", tlvs[0x106])
	}
	if v, ok := tlvs[0x16a]; !ok || len(v) != 0 {
		t.Errorf("tlv 0x16a = %x, %v", v, ok)
	}
	if !bytes.Equal(s, []byte{3}) {
		t.Errorf("trailer = %x, want 03", []byte(s))
	}
}

func TestReadTLVsTruncated(t *testing.T) {
	s := cryptobyte.String([]byte{0x01, 0x06, 0x00, 0x09, 'a', 'b'})
	if _, err := ReadTLVs(&s); !errors.Is(err, ErrShortTLVValue) {
		t.Fatalf("ReadTLVs() error = %v, want %v", err, ErrShortTLVValue)
	}
}
