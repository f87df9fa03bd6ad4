// Package call holds the lifecycle state machine that orchestrates one call
// at a time: device acquisition, signaling, negotiation and teardown. It is
// the sole mutator of the media session and the peer coordinator; everything
// else reads derived state through Status.
package call

// State is the lifecycle position of the machine.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateRingingOutgoing
	StateRingingIncoming
	StateActive
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateRingingOutgoing:
		return "ringing_outgoing"
	case StateRingingIncoming:
		return "ringing_incoming"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}
