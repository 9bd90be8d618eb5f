package session

import "fmt"

// State of the session.
type State int

const (
	StateDisconnected State = iota
	StateKeyExchanging
	StateAuthToken
	StateAuthPassword
	StateAuthQr
	StateRegistering
	StateOnline
	StateKickedOff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateKeyExchanging:
		return "key-exchanging"
	case StateAuthToken:
		return "authenticating(token)"
	case StateAuthPassword:
		return "authenticating(password)"
	case StateAuthQr:
		return "authenticating(qr)"
	case StateRegistering:
		return "registering"
	case StateOnline:
		return "online"
	case StateKickedOff:
		return "kicked-off"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the allowed moves. Failing any step returns to
// Disconnected; KickedOff has no way out. A pending QR code does not block a
// credential login.
var transitions = map[State][]State{
	StateDisconnected:  {StateKeyExchanging, StateAuthToken, StateAuthPassword, StateAuthQr, StateRegistering},
	StateKeyExchanging: {StateAuthToken, StateAuthPassword, StateDisconnected},
	StateAuthToken:     {StateKeyExchanging, StateAuthPassword, StateAuthQr, StateRegistering, StateDisconnected},
	StateAuthPassword:  {StateKeyExchanging, StateAuthQr, StateRegistering, StateDisconnected},
	StateAuthQr:        {StateAuthQr, StateKeyExchanging, StateAuthToken, StateAuthPassword, StateRegistering, StateDisconnected},
	StateRegistering:   {StateOnline, StateDisconnected},
	StateOnline:        {StateDisconnected, StateKickedOff},
	StateKickedOff:     nil,
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a move the table does not allow.
type TransitionError struct{ From, To State }

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: cannot move from %s to %s", e.From, e.To)
}
