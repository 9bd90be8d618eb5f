package network

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

var ErrTimeout = errors.New("network: packet timeout")

// Delivery says what the correlator did with an inbound sequence.
type Delivery int

const (
	Unsolicited Delivery = iota // nobody waits for it
	Delivered                   // handed to its caller
	Late                        // its caller already timed out
)

type result struct {
	payload []byte
	err     error
}

type pendingCall struct {
	done  chan result
	timer *time.Timer
}

// Correlator matches responses to requests by sequence number. Each request
// completes exactly once: with its response, an explicit failure, or
// ErrTimeout.
type Correlator struct {
	mu      sync.Mutex
	pending map[uint32]*pendingCall

	expired *cache.Cache
	lost    atomic.Uint64
}

// NewCorrelator remembers timed-out sequences for lateWindow so that late
// replies can be told apart from unsolicited pushes.
func NewCorrelator(lateWindow time.Duration) *Correlator {
	if lateWindow <= 0 {
		lateWindow = time.Minute
	}
	return &Correlator{
		pending: make(map[uint32]*pendingCall),
		expired: cache.New(lateWindow, 2*lateWindow),
	}
}

// Call is one pending request.
type Call struct {
	Seq  uint32
	c    *Correlator
	done chan result
}

// Register starts the timer for seq. Registering a sequence that is still
// pending fails the older call.
func (c *Correlator) Register(seq uint32, timeout time.Duration) *Call {
	p := &pendingCall{done: make(chan result, 1)}

	c.mu.Lock()
	if old, ok := c.pending[seq]; ok {
		old.timer.Stop()
		old.done <- result{err: fmt.Errorf("sequence %d reused", seq)}
	}
	c.pending[seq] = p
	p.timer = time.AfterFunc(timeout, func() { c.timeout(seq, p) })
	c.mu.Unlock()

	return &Call{Seq: seq, c: c, done: p.done}
}

func (c *Correlator) timeout(seq uint32, p *pendingCall) {
	c.mu.Lock()
	if c.pending[seq] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, seq)
	c.mu.Unlock()

	c.lost.Add(1)
	c.expired.SetDefault(strconv.FormatUint(uint64(seq), 10), struct{}{})
	p.done <- result{err: fmt.Errorf("%w (%d)", ErrTimeout, seq)}
}

// Deliver completes the call waiting for seq.
func (c *Correlator) Deliver(seq uint32, payload []byte) Delivery {
	if p := c.take(seq); p != nil {
		p.done <- result{payload: payload}
		return Delivered
	}
	key := strconv.FormatUint(uint64(seq), 10)
	if _, ok := c.expired.Get(key); ok {
		c.expired.Delete(key)
		return Late
	}
	return Unsolicited
}

// Fail completes the call waiting for seq with err. It reports whether a
// call was waiting.
func (c *Correlator) Fail(seq uint32, err error) bool {
	if p := c.take(seq); p != nil {
		p.done <- result{err: err}
		return true
	}
	return false
}

// Pending returns the number of calls still waiting.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Lost returns how many calls have timed out.
func (c *Correlator) Lost() uint64 { return c.lost.Load() }

func (c *Correlator) take(seq uint32) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[seq]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(c.pending, seq)
	return p
}

func (c *Correlator) abandon(call *Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[call.Seq]; ok && p.done == call.done {
		p.timer.Stop()
		delete(c.pending, call.Seq)
	}
}

// Wait blocks until the call completes. Cancelling ctx abandons the call.
func (call *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-call.done:
		return r.payload, r.err
	case <-ctx.Done():
		call.c.abandon(call)
		return nil, ctx.Err()
	}
}
