package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
)

func frame(payload []byte) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(payload)+4))
	return append(out, payload...)
}

func testStream() ([]byte, [][]byte) {
	payloads := [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte{0xab}, 300),
		[]byte("last"),
	}
	var stream []byte
	for _, p := range payloads {
		stream = append(stream, frame(p)...)
	}
	return stream, payloads
}

func TestSplitterWhole(t *testing.T) {
	stream, want := testStream()
	var s Splitter
	got, err := s.Feed(stream)
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("frame %d = %x, want %x", i, got[i], want[i])
		}
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered() = %d after complete frames", s.Buffered())
	}
}

func TestSplitterChunked(t *testing.T) {
	stream, want := testStream()

	for _, chunk := range []int{1, 2, 3, 5, 7, 64} {
		var (
			s   Splitter
			got [][]byte
		)
		for i := 0; i < len(stream); i += chunk {
			end := min(i+chunk, len(stream))
			frames, err := s.Feed(stream[i:end])
			if err != nil {
				t.Fatalf("chunk %d: Feed() error = %v", chunk, err)
			}
			got = append(got, frames...)
		}
		if len(got) != len(want) {
			t.Fatalf("chunk %d: got %d frames, want %d", chunk, len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Errorf("chunk %d: frame %d differs", chunk, i)
			}
		}
	}
}

func TestSplitterRandomChunks(t *testing.T) {
	stream, want := testStream()
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 50; round++ {
		var (
			s   Splitter
			got [][]byte
		)
		for i := 0; i < len(stream); {
			end := min(i+1+rng.Intn(40), len(stream))
			frames, err := s.Feed(stream[i:end])
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, frames...)
			i = end
		}
		if len(got) != len(want) {
			t.Fatalf("round %d: got %d frames", round, len(got))
		}
	}
}

func TestSplitterPartial(t *testing.T) {
	var s Splitter
	f := frame([]byte("hello"))
	got, err := s.Feed(f[:6])
	if err != nil || len(got) != 0 {
		t.Fatalf("Feed(partial) = %d frames, %v", len(got), err)
	}
	if s.Buffered() != 6 {
		t.Errorf("Buffered() = %d, want 6", s.Buffered())
	}
	got, _ = s.Feed(f[6:])
	if len(got) != 1 || string(got[0]) != "hello" {
		t.Errorf("Feed(rest) = %q", got)
	}
}

func TestSplitterBadLength(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"below prefix", []byte{0, 0, 0, 3, 1, 2}, ErrFrameLength},
		{"zero", []byte{0, 0, 0, 0}, ErrFrameLength},
		{"too large", []byte{0x7f, 0, 0, 0}, ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Splitter
			if _, err := s.Feed(tt.input); !errors.Is(err, tt.want) {
				t.Errorf("Feed() error = %v, want %v", err, tt.want)
			}
			if s.Buffered() != 0 {
				t.Error("buffer should be dropped after a bad length")
			}
		})
	}
}
