package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("network: not connected")
	ErrClosed       = errors.New("network: transport closed")
)

// Transport is the single framed TCP stream to the gateway. Frames are read
// by one goroutine and delivered to OnFrame in arrival order.
type Transport struct {
	// Callbacks, set before the first Join.
	OnFrame   func(frame []byte)
	OnConnect func(remote Endpoint)
	OnLost    func(remote Endpoint, err error)
	OnError   func(err error)

	servers *ServerSet
	dialer  net.Dialer
	log     zerolog.Logger

	mu       sync.Mutex
	conn     net.Conn
	remote   Endpoint
	pinned   *Endpoint
	dialing  chan struct{}
	dialErr  error
	closing  bool
	loopDone chan struct{}

	writeMu sync.Mutex
}

// NewTransport returns an unconnected transport that picks its endpoint from
// servers unless one is pinned with SetRemote.
func NewTransport(servers *ServerSet, dialTimeout time.Duration) *Transport {
	if servers == nil {
		servers = NewServerSet(nil, 0)
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Transport{
		servers: servers,
		dialer:  net.Dialer{Timeout: dialTimeout},
		log:     log.With().Str("component", "transport").Logger(),
	}
}

// SetRemote pins the endpoint. A zero host or port restores automatic
// selection from the server set.
func (t *Transport) SetRemote(host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if host != "" && port != 0 {
		t.pinned = &Endpoint{Host: host, Port: port}
	} else {
		t.pinned = nil
	}
}

// Connected reports whether a stream is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Remote returns the endpoint of the open stream.
func (t *Transport) Remote() (Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote, t.conn != nil
}

// Join connects if needed. Concurrent callers share one dial.
func (t *Transport) Join(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if wait := t.dialing; wait != nil {
		t.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.mu.Lock()
		err := t.dialErr
		t.mu.Unlock()
		return err
	}

	target := t.servers.Next()
	if t.pinned != nil {
		target = *t.pinned
	}
	done := make(chan struct{})
	t.dialing = done
	t.closing = false
	t.mu.Unlock()

	conn, err := t.dialer.DialContext(ctx, "tcp", target.String())

	t.mu.Lock()
	t.dialing = nil
	if err != nil {
		t.dialErr = fmt.Errorf("dial %s: %w", target, err)
		t.mu.Unlock()
		close(done)
		t.log.Warn().Err(err).Stringer("remote", target).Msg("connect failed")
		t.emitError(t.dialErr)
		return t.dialErr
	}
	t.dialErr = nil
	t.conn = conn
	t.remote = target
	loopDone := make(chan struct{})
	t.loopDone = loopDone
	t.mu.Unlock()
	close(done)

	t.log.Info().Stringer("remote", target).Msg("connected")
	if t.OnConnect != nil {
		t.OnConnect(target)
	}
	go t.readLoop(conn, target, loopDone)
	return nil
}

// Write sends a complete frame, length prefix included.
func (t *Transport) Write(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Destroy closes the stream. OnLost still fires once the read loop exits.
func (t *Transport) Destroy() {
	t.mu.Lock()
	conn := t.conn
	t.closing = true
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Wait blocks until the current read loop has finished, or ctx ends.
func (t *Transport) Wait(ctx context.Context) error {
	t.mu.Lock()
	done := t.loopDone
	t.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) readLoop(conn net.Conn, remote Endpoint, done chan struct{}) {
	defer close(done)

	var (
		splitter Splitter
		buf      = make([]byte, 64<<10)
		readErr  error
	)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := splitter.Feed(buf[:n])
			for _, f := range frames {
				if t.OnFrame != nil {
					t.OnFrame(f)
				}
			}
			if ferr != nil {
				readErr = ferr
				t.emitError(ferr)
				break
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}
	conn.Close()

	t.mu.Lock()
	intentional := t.closing
	t.conn = nil
	t.mu.Unlock()

	if intentional || errors.Is(readErr, net.ErrClosed) {
		readErr = ErrClosed
	}
	t.servers.Drop(remote)
	t.log.Info().Stringer("remote", remote).Err(readErr).Msg("closed")
	if t.OnLost != nil {
		t.OnLost(remote, readErr)
	}
}

func (t *Transport) emitError(err error) {
	if t.OnError != nil {
		t.OnError(err)
	}
}
