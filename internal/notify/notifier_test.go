package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/curevia/telecall/internal/api"
	"github.com/curevia/telecall/internal/config"
)

var errConnClosed = errors.New("connection closed")

// scriptedConn replays frames and then blocks until closed.
type scriptedConn struct {
	frames chan []byte
	once   sync.Once
	closed chan struct{}
}

func newScriptedConn(frames ...string) *scriptedConn {
	c := &scriptedConn{
		frames: make(chan []byte, len(frames)),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.frames:
		return 1, raw, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type recorder struct {
	mu       sync.Mutex
	incoming []api.Call
	accepted []string
	rejected []string
	ended    []string
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnIncomingCall: func(c api.Call) { r.mu.Lock(); r.incoming = append(r.incoming, c); r.mu.Unlock() },
		OnCallAccepted: func(id string) { r.mu.Lock(); r.accepted = append(r.accepted, id); r.mu.Unlock() },
		OnCallRejected: func(id string) { r.mu.Lock(); r.rejected = append(r.rejected, id); r.mu.Unlock() },
		OnCallEnded:    func(id string) { r.mu.Lock(); r.ended = append(r.ended, id); r.mu.Unlock() },
	}
}

func (r *recorder) incomingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.incoming)
}

func newTestNotifier(t *testing.T, rec *recorder) *Notifier {
	t.Helper()
	return New(config.NewDefaultConfig(), rec.handlers(), zaptest.NewLogger(t))
}

func runScript(t *testing.T, n *Notifier, conn *scriptedConn) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(context.Background(), conn)
	}()
	// let the frames drain, then end the stream
	time.Sleep(50 * time.Millisecond)
	conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after connection close")
	}
}

func TestDuplicateIncomingCallSuppressed(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(t, rec)

	ring := `{"type":"incoming_call","call":{"id":"c1","callerId":"u7","callType":"audio","consultationId":"42"}}`
	runScript(t, n, newScriptedConn(ring, ring, ring))

	require.Equal(t, 1, rec.incomingCount(), "the same ring must surface once")
	assert.Equal(t, "c1", rec.incoming[0].ID)
	assert.Equal(t, "u7", rec.incoming[0].CallerID)
}

func TestDistinctRingsAllSurface(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(t, rec)

	runScript(t, n, newScriptedConn(
		`{"type":"incoming_call","call":{"id":"c1","callerId":"u7","callType":"audio"}}`,
		`{"type":"incoming_call","call":{"id":"c2","callerId":"u8","callType":"video"}}`,
	))

	assert.Equal(t, 2, rec.incomingCount())
}

func TestTerminalEventsDispatched(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(t, rec)

	runScript(t, n, newScriptedConn(
		`{"type":"connection-established"}`,
		`{"type":"call_accepted","callId":"c1"}`,
		`{"type":"call_rejected","callId":"c2"}`,
		`{"type":"call_ended","callId":"c3"}`,
	))

	assert.Equal(t, []string{"c1"}, rec.accepted)
	assert.Equal(t, []string{"c2"}, rec.rejected)
	assert.Equal(t, []string{"c3"}, rec.ended)
}

func TestGarbageAndUnknownFramesIgnored(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(t, rec)

	runScript(t, n, newScriptedConn(
		`garbage`,
		`{"type":"presence_update","userId":"u1"}`,
		`{"type":"incoming_call"}`,
		`{"type":"call_ended"}`,
		`{"type":"incoming_call","call":{"id":"c1","callerId":"u7","callType":"audio"}}`,
	))

	assert.Equal(t, 1, rec.incomingCount(), "processing must continue past bad frames")
	assert.Empty(t, rec.ended, "call_ended without id is dropped")
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	rec := &recorder{}
	n := newTestNotifier(t, rec)
	conn := newScriptedConn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, conn) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not honor context cancellation")
	}
}

func TestZeroRetryPolicyBoundsRedial(t *testing.T) {
	n := newTestNotifier(t, &recorder{})
	n.retry = config.RetryPolicy{}

	b := n.newBackOff()
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "an unset policy allows one try, no retries")
}

func TestSeenRingEvictsOldest(t *testing.T) {
	r := newSeenRing(2)
	assert.True(t, r.Add("a"))
	assert.True(t, r.Add("b"))
	assert.False(t, r.Add("a"))
	assert.True(t, r.Add("c"))
	// "a" was evicted by "c"
	assert.True(t, r.Add("a"))
}
