package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	defaultHealthInterval = 2 * time.Second
	healthRingCapacity    = 60
)

// Snapshot is one observational sample of the connection's transports.
type Snapshot struct {
	At         time.Time
	Connection webrtc.PeerConnectionState
	ICE        webrtc.ICEConnectionState
	Signaling  webrtc.SignalingState
}

// snapshotRing is a fixed-capacity circular buffer of snapshots.
type snapshotRing struct {
	mu       sync.RWMutex
	data     []Snapshot
	capacity int
	size     int
	head     int
	tail     int
}

func newSnapshotRing(capacity int) *snapshotRing {
	return &snapshotRing{
		data:     make([]Snapshot, capacity),
		capacity: capacity,
	}
}

func (r *snapshotRing) Add(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = s
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	} else {
		r.tail = (r.tail + 1) % r.capacity
	}
}

// Recent returns the most recent n snapshots, oldest first.
func (r *snapshotRing) Recent(n int) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	result := make([]Snapshot, n)
	pos := (r.head - n + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		result[i] = r.data[pos]
		pos = (pos + 1) % r.capacity
	}
	return result
}

func (r *snapshotRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Monitor samples the transport states of one peer connection on a fixed
// interval. It only observes; recovery decisions live with the lifecycle
// state machine.
type Monitor struct {
	pc       *webrtc.PeerConnection
	ring     *snapshotRing
	interval time.Duration
	log      *zap.Logger
}

func NewMonitor(pc *webrtc.PeerConnection, interval time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		pc:       pc,
		ring:     newSnapshotRing(healthRingCapacity),
		interval: interval,
		log:      log.Named("health"),
	}
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := Snapshot{
				At:         time.Now(),
				Connection: m.pc.ConnectionState(),
				ICE:        m.pc.ICEConnectionState(),
				Signaling:  m.pc.SignalingState(),
			}
			m.ring.Add(s)
			if s.Connection == webrtc.PeerConnectionStateDisconnected {
				m.log.Warn("peer connection degraded",
					zap.Stringer("connection", s.Connection),
					zap.Stringer("ice", s.ICE))
			}
		}
	}
}

// Recent returns up to n of the latest samples, oldest first.
func (m *Monitor) Recent(n int) []Snapshot {
	return m.ring.Recent(n)
}
