package coordinator

import (
	"regionkv/internal/clock"
	"regionkv/internal/event"
)

// State is a step of a bucket's send.
type State uint8

const (
	StateAssemble State = iota
	StateRoute
	StateSend
	StateAwaitAck
	StateRetry
	StateComplete
	StatePartial
	StateFatal
)

var stateNames = [...]string{
	StateAssemble: "ASSEMBLE",
	StateRoute:    "ROUTE",
	StateSend:     "SEND",
	StateAwaitAck: "AWAIT_ACK",
	StateRetry:    "RETRY",
	StateComplete: "COMPLETE",
	StatePartial:  "PARTIAL",
	StateFatal:    "FATAL",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Transition is reported to a trace function as a send progresses.
type Transition struct {
	Base   event.EventID
	Bucket int
	State  State
	// Member is the target of SEND and RETRY.
	Member clock.MemberID
}
