package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Wire kinds for the per-call signaling channel. The set is closed: anything
// else on the wire is dropped at the boundary.
const (
	kindOffer        = "offer"
	kindAnswer       = "answer"
	kindICECandidate = "ice-candidate"
	kindCallAccepted = "call-accepted"
	kindCallEnded    = "call-ended"
)

// Envelope is the tagged JSON shape shared by every signaling message.
type Envelope struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	CallID    string                     `json:"callId,omitempty"`
}

// Message is the decoded form of one inbound signaling envelope. Decoding
// and field validation happen exactly once, here; consumers never re-check
// field presence.
type Message interface {
	kind() string
}

type Offer struct {
	SDP webrtc.SessionDescription
}

type Answer struct {
	SDP webrtc.SessionDescription
}

type ICECandidate struct {
	Candidate webrtc.ICECandidateInit
}

type CallAccepted struct {
	CallID string
}

type CallEnded struct {
	CallID string
}

func (Offer) kind() string        { return kindOffer }
func (Answer) kind() string       { return kindAnswer }
func (ICECandidate) kind() string { return kindICECandidate }
func (CallAccepted) kind() string { return kindCallAccepted }
func (CallEnded) kind() string    { return kindCallEnded }

// ErrUnknownType marks envelopes whose type tag is outside the closed set.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown signaling message type %q", e.Type)
}

// Decode parses raw into the closed union, validating the required
// sub-fields per kind. Malformed JSON and missing fields are errors; the
// channel drops such messages with a diagnostic rather than crashing.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid signaling envelope: %w", err)
	}

	switch env.Type {
	case kindOffer:
		if env.SDP == nil || env.SDP.SDP == "" {
			return nil, fmt.Errorf("offer missing sdp")
		}
		return Offer{SDP: *env.SDP}, nil
	case kindAnswer:
		if env.SDP == nil || env.SDP.SDP == "" {
			return nil, fmt.Errorf("answer missing sdp")
		}
		return Answer{SDP: *env.SDP}, nil
	case kindICECandidate:
		if env.Candidate == nil || env.Candidate.Candidate == "" {
			return nil, fmt.Errorf("ice-candidate missing candidate")
		}
		return ICECandidate{Candidate: *env.Candidate}, nil
	case kindCallAccepted:
		if env.CallID == "" {
			return nil, fmt.Errorf("call-accepted missing callId")
		}
		return CallAccepted{CallID: env.CallID}, nil
	case kindCallEnded:
		if env.CallID == "" {
			return nil, fmt.Errorf("call-ended missing callId")
		}
		return CallEnded{CallID: env.CallID}, nil
	default:
		return nil, &ErrUnknownType{Type: env.Type}
	}
}

// Encode serializes an outbound message back into the tagged envelope.
func Encode(msg Message) ([]byte, error) {
	env := Envelope{Type: msg.kind()}
	switch m := msg.(type) {
	case Offer:
		sdp := m.SDP
		env.SDP = &sdp
	case Answer:
		sdp := m.SDP
		env.SDP = &sdp
	case ICECandidate:
		cand := m.Candidate
		env.Candidate = &cand
	case CallAccepted:
		env.CallID = m.CallID
	case CallEnded:
		env.CallID = m.CallID
	default:
		return nil, fmt.Errorf("unsupported signaling message %T", msg)
	}
	return json.Marshal(&env)
}
