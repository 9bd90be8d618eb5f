package protocol

import (
	"math/rand/v2"
	"sync/atomic"
)

const maxSeq = 0x8000

// Sequence hands out packet sequence numbers in [1, 0x7fff]. It is safe for
// concurrent use.
type Sequence struct {
	cur atomic.Uint32
}

// NewSequence starts from a random value below 0x1000.
func NewSequence() *Sequence {
	s := &Sequence{}
	s.cur.Store(rand.Uint32() & 0xfff)
	return s
}

// Next returns the next sequence, wrapping to 1 after 0x7fff.
func (s *Sequence) Next() uint32 {
	for {
		old := s.cur.Load()
		next := old + 1
		if next >= maxSeq {
			next = 1
		}
		if s.cur.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Current returns the last value handed out.
func (s *Sequence) Current() uint32 {
	return s.cur.Load()
}

// Reset sets the counter so the next call to Next returns v+1.
func (s *Sequence) Reset(v uint32) {
	s.cur.Store(v % maxSeq)
}
