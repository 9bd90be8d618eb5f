package session

import (
	"sync"

	"github.com/lagrange-go/lagrange/pkg/protocol"
)

// Event is one lifecycle notification. The set of events is closed: every
// implementation lives in this file.
type Event interface {
	isEvent()
}

// LogLevel of a VerboseEvent.
type LogLevel int

const (
	LevelFatal LogLevel = iota
	LevelMark
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LevelFatal:
		return "fatal"
	case LevelMark:
		return "mark"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

type (
	// QrCodeEvent carries the PNG of a freshly fetched QR code.
	QrCodeEvent struct{ Image []byte }

	// SliderEvent asks the user to solve a slider captcha at URL.
	SliderEvent struct{ URL string }

	// VerifyEvent asks the user to verify this device.
	VerifyEvent struct{ URL, Phone string }

	// TokenEvent carries the token JSON to persist after registering.
	TokenEvent struct{ Token string }

	// TokenInvalidEvent means the session tickets were rejected.
	TokenInvalidEvent struct{}

	// OnlineEvent is emitted once registration succeeded.
	OnlineEvent struct {
		TempPassword []byte
		Nickname     string
		Gender       int
		Age          int
	}

	// KickoffEvent is terminal.
	KickoffEvent struct{ Reason string }

	// SSOEvent is an inbound packet nobody was waiting for.
	SSOEvent struct {
		Command string
		Payload []byte
		Seq     int32
	}

	NetworkErrorEvent struct {
		Code    int
		Message string
	}

	LoginErrorEvent struct {
		Code    int
		Message string
	}

	QrErrorEvent struct {
		Result  protocol.QrCodeResult
		Message string
	}

	VerboseEvent struct {
		Message string
		Level   LogLevel
	}

	// StateEvent follows every state transition.
	StateEvent struct{ From, To State }
)

func (QrCodeEvent) isEvent()       {}
func (SliderEvent) isEvent()       {}
func (VerifyEvent) isEvent()       {}
func (TokenEvent) isEvent()        {}
func (TokenInvalidEvent) isEvent() {}
func (OnlineEvent) isEvent()       {}
func (KickoffEvent) isEvent()      {}
func (SSOEvent) isEvent()          {}
func (NetworkErrorEvent) isEvent() {}
func (LoginErrorEvent) isEvent()   {}
func (QrErrorEvent) isEvent()      {}
func (VerboseEvent) isEvent()      {}
func (StateEvent) isEvent()        {}

// eventQueue delivers events in order without ever blocking the emitter.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		e := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}
