package call

import "sync"

// Lifecycle event kinds tracked by the dedupe ring. Both transports can
// redeliver the same event (socket reconnect, server-side race), so every
// inbound lifecycle event is checked against recent history first.
const (
	eventIncomingCall = "incoming_call"
	eventCallAccepted = "call_accepted"
	eventCallRejected = "call_rejected"
	eventCallEnded    = "call_ended"
)

type eventKey struct {
	Kind   string
	CallID string
}

// Dedupe is a fixed-capacity ring of recently processed lifecycle events.
// Old entries are overwritten once capacity is reached, which is fine: a
// redelivery far enough in the past to have been evicted concerns a call id
// the machine no longer tracks.
type Dedupe struct {
	mu       sync.Mutex
	data     []eventKey
	capacity int
	size     int
	head     int
}

func NewDedupe(capacity int) *Dedupe {
	return &Dedupe{
		data:     make([]eventKey, capacity),
		capacity: capacity,
	}
}

// Seen records the event and reports whether it was already present.
func (d *Dedupe) Seen(kind, callID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := eventKey{Kind: kind, CallID: callID}
	for i := 0; i < d.size; i++ {
		pos := (d.head - 1 - i + d.capacity) % d.capacity
		if d.data[pos] == key {
			return true
		}
	}

	d.data[d.head] = key
	d.head = (d.head + 1) % d.capacity
	if d.size < d.capacity {
		d.size++
	}
	return false
}

// Size returns the number of distinct events currently remembered.
func (d *Dedupe) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}
