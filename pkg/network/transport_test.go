package network

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (net.Listener, Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return ln, Endpoint{Host: host, Port: p}
}

func TestTransportRoundTrip(t *testing.T) {
	ln, ep := listen(t)

	serverGot := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 9)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		serverGot <- buf
		// two frames in one write, the second split over two writes
		conn.Write(append(frame([]byte("one")), frame([]byte("two"))[:3]...))
		time.Sleep(10 * time.Millisecond)
		conn.Write(frame([]byte("two"))[3:])
		time.Sleep(50 * time.Millisecond)
	}()

	var (
		mu     sync.Mutex
		frames []string
		lost   = make(chan error, 1)
	)
	tr := NewTransport(nil, time.Second)
	tr.SetRemote(ep.Host, ep.Port)
	tr.OnFrame = func(f []byte) {
		mu.Lock()
		frames = append(frames, string(f))
		mu.Unlock()
	}
	tr.OnLost = func(_ Endpoint, err error) { lost <- err }

	require.NoError(t, tr.Join(context.Background()))
	require.NoError(t, tr.Join(context.Background()))
	remote, ok := tr.Remote()
	require.True(t, ok)
	assert.Equal(t, ep, remote)

	require.NoError(t, tr.Write(frame([]byte("hello"))))
	assert.Equal(t, frame([]byte("hello")), <-serverGot)

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnLost not called after server closed")
	}
	mu.Lock()
	assert.Equal(t, []string{"one", "two"}, frames)
	mu.Unlock()
	assert.False(t, tr.Connected())
	assert.ErrorIs(t, tr.Write([]byte{0, 0, 0, 4}), ErrNotConnected)
}

func TestTransportDestroy(t *testing.T) {
	ln, ep := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			io.Copy(io.Discard, conn)
		}
	}()

	lost := make(chan error, 1)
	tr := NewTransport(nil, time.Second)
	tr.SetRemote(ep.Host, ep.Port)
	tr.OnLost = func(_ Endpoint, err error) { lost <- err }
	require.NoError(t, tr.Join(context.Background()))

	tr.Destroy()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Wait(ctx))
	assert.ErrorIs(t, <-lost, ErrClosed)
}

func TestTransportDropsCandidateOnClose(t *testing.T) {
	ln, ep := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	set := NewServerSet(nil, 0)
	set.Add(ep, Endpoint{Host: "127.0.0.1", Port: 1})
	lost := make(chan struct{})
	tr := NewTransport(set, time.Second)
	tr.OnLost = func(Endpoint, error) { close(lost) }

	require.NoError(t, tr.Join(context.Background()))
	<-lost
	assert.Equal(t, []Endpoint{{Host: "127.0.0.1", Port: 1}}, set.Candidates())
}

func TestTransportDialError(t *testing.T) {
	// a listener that is closed right away refuses connections
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	var got error
	tr := NewTransport(nil, time.Second)
	tr.SetRemote("127.0.0.1", addr.Port)
	tr.OnError = func(err error) { got = err }
	err = tr.Join(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, got)
	assert.False(t, tr.Connected())
}
