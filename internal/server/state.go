package server

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// State is the lifecycle position of a connection. Closed is terminal.
type State int

const (
	StateConnecting State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type trigger int

const (
	triggerIdentify trigger = iota
	triggerDisconnect
)

func (t trigger) String() string {
	if t == triggerIdentify {
		return "identify"
	}
	return "disconnect"
}

// next returns the state reached from s on t, or ErrInvalidTransition when
// the event does not apply in s.
func (s State) next(t trigger) (State, error) {
	switch {
	case s == StateClosed:
	case t == triggerDisconnect:
		return StateClosed, nil
	case s == StateConnecting && t == triggerIdentify:
		return StateIdentified, nil
	}
	return s, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, t, s)
}
