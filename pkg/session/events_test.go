package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueOrder(t *testing.T) {
	q := newEventQueue()
	defer q.close()

	const n = 500
	for i := 0; i < n; i++ {
		q.push(VerboseEvent{Level: LevelDebug, Message: string(rune('a' + i%26))})
	}
	q.push(TokenInvalidEvent{})

	for i := 0; i < n; i++ {
		ev := <-q.out
		require.IsType(t, VerboseEvent{}, ev)
		assert.Equal(t, string(rune('a'+i%26)), ev.(VerboseEvent).Message)
	}
	assert.Equal(t, TokenInvalidEvent{}, <-q.out)
}

func TestEventQueuePushNeverBlocks(t *testing.T) {
	q := newEventQueue()
	defer q.close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.push(StateEvent{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked without a reader")
	}
}

func TestEventQueueClose(t *testing.T) {
	q := newEventQueue()
	q.push(OnlineEvent{})
	q.close()
	q.close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("out channel not closed")
		}
	}
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "kickoff", eventName(KickoffEvent{}))
	assert.Equal(t, "qr_error", eventName(QrErrorEvent{}))
	assert.Equal(t, "verbose", eventName(VerboseEvent{}))
}

func TestEventQueueDropsAfterClose(t *testing.T) {
	q := newEventQueue()
	q.push(OnlineEvent{})
	q.close()

	for i := 0; i < 100; i++ {
		q.push(StateEvent{})
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Empty(t, q.items)
}
