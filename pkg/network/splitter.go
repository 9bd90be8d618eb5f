package network

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 16 << 20

var (
	ErrFrameLength   = errors.New("network: frame length shorter than its prefix")
	ErrFrameTooLarge = errors.New("network: frame exceeds maximum size")
)

// Splitter cuts a byte stream into frames. Each frame on the wire starts
// with a big-endian u32 length that counts the prefix itself; Feed returns
// the frames with the prefix removed.
type Splitter struct {
	buf []byte
}

// Feed appends chunk to the buffer and returns every complete frame, in
// order. Incomplete trailing bytes stay buffered for the next call.
func (s *Splitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)

	var frames [][]byte
	for len(s.buf) >= 4 {
		n := binary.BigEndian.Uint32(s.buf)
		if n < 4 {
			s.buf = nil
			return frames, fmt.Errorf("%w: %d", ErrFrameLength, n)
		}
		if n > MaxFrameSize {
			s.buf = nil
			return frames, fmt.Errorf("%w: %d", ErrFrameTooLarge, n)
		}
		if uint32(len(s.buf)) < n {
			break
		}
		frame := make([]byte, n-4)
		copy(frame, s.buf[4:n])
		frames = append(frames, frame)
		s.buf = s.buf[n:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return frames, nil
}

// Buffered reports how many bytes are waiting for the rest of their frame.
func (s *Splitter) Buffered() int { return len(s.buf) }

// Reset drops any partial frame.
func (s *Splitter) Reset() { s.buf = nil }
