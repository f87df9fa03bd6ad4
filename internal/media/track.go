package media

import (
	"github.com/pion/rtp"
)

// CallType selects which device kinds a call captures. Audio calls capture
// the microphone only; video calls capture microphone and camera.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is one of the two supported call types.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// TrackKind partitions a session's tracks into microphone and camera sides.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// TrackState mirrors the platform readyState of a capture track.
type TrackState string

const (
	TrackStateLive  TrackState = "live"
	TrackStateEnded TrackState = "ended"
)

// Track is one local capture track. The enabled flag is a mute toggle: a
// disabled track keeps the device open but stops producing packets. Stop is
// release, it ends the track for good.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	ReadyState() TrackState
	Stop() error

	// NewRTPSource opens an RTP packet reader for feeding the track into a
	// peer connection. Callers must Close the source when done.
	NewRTPSource(mimeType string, ssrc uint32, mtu int) (RTPSource, error)
}

// RTPSource yields encoded RTP packets from a local track.
type RTPSource interface {
	ReadPackets() ([]*rtp.Packet, error)
	Close() error
}
