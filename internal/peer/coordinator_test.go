package peer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/curevia/telecall/internal/callerr"
	"github.com/curevia/telecall/internal/config"
	"github.com/curevia/telecall/internal/media"
)

type eofSource struct{}

func (eofSource) ReadPackets() ([]*rtp.Packet, error) { return nil, io.EOF }
func (eofSource) Close() error                        { return nil }

type fakeTrack struct {
	id        string
	trackKind media.TrackKind

	mu      sync.Mutex
	enabled bool
	ended   bool
}

func (t *fakeTrack) ID() string            { return t.id }
func (t *fakeTrack) Kind() media.TrackKind { return t.trackKind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) ReadyState() media.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return media.TrackStateEnded
	}
	return media.TrackStateLive
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
	return nil
}

func (t *fakeTrack) NewRTPSource(string, uint32, int) (media.RTPSource, error) {
	return eofSource{}, nil
}

type fakeCapturer struct{}

func (fakeCapturer) Capture(ctx context.Context, callType media.CallType) ([]media.Track, error) {
	out := []media.Track{&fakeTrack{id: "a1", trackKind: media.TrackKindAudio, enabled: true}}
	if callType == media.CallTypeVideo {
		out = append(out, &fakeTrack{id: "v1", trackKind: media.TrackKindVideo, enabled: true})
	}
	return out, nil
}

func testSession(t *testing.T, callType media.CallType) *media.Session {
	t.Helper()
	mgr, err := media.NewManager(fakeCapturer{}, config.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	s, err := mgr.Acquire(context.Background(), callType)
	require.NoError(t, err)
	return s
}

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.NewDefaultConfig()
	c := NewCoordinator(cfg.ICEServers, cfg.MediaConfig, nil, cfg.HealthCheck, zaptest.NewLogger(t))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateOfferRefusedBeforeReady(t *testing.T) {
	c := testCoordinator(t)

	_, err := c.CreateOffer(context.Background())
	require.Error(t, err, "offer before readiness must fail loudly but cleanly")
	assert.True(t, callerr.IsKind(err, callerr.KindNegotiationFailed))
	assert.False(t, c.Ready())
}

func TestCreateAttachesTracksAndFlipsReady(t *testing.T) {
	c := testCoordinator(t)
	session := testSession(t, media.CallTypeVideo)

	require.NoError(t, c.Create(context.Background(), session, Callbacks{}))
	assert.True(t, c.Ready())

	offer, err := c.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.NotEmpty(t, offer.SDP)
}

func TestCreateTwiceFails(t *testing.T) {
	c := testCoordinator(t)
	session := testSession(t, media.CallTypeAudio)

	require.NoError(t, c.Create(context.Background(), session, Callbacks{}))
	err := c.Create(context.Background(), session, Callbacks{})
	assert.Error(t, err)
}

func TestAcceptAnswerWithoutOfferIsStale(t *testing.T) {
	c := testCoordinator(t)
	session := testSession(t, media.CallTypeAudio)
	require.NoError(t, c.Create(context.Background(), session, Callbacks{}))

	err := c.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	require.Error(t, err)
	assert.True(t, callerr.IsKind(err, callerr.KindStaleOperation))
}

func TestGarbageAnswerDoesNotPanic(t *testing.T) {
	c := testCoordinator(t)
	session := testSession(t, media.CallTypeAudio)
	require.NoError(t, c.Create(context.Background(), session, Callbacks{}))

	_, err := c.CreateOffer(context.Background())
	require.NoError(t, err)

	err = c.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "not an sdp"})
	require.Error(t, err)
	assert.True(t, callerr.IsKind(err, callerr.KindNegotiationFailed))
}

func TestCandidateBeforeRemoteDescriptionIsBuffered(t *testing.T) {
	c := testCoordinator(t)
	session := testSession(t, media.CallTypeAudio)
	require.NoError(t, c.Create(context.Background(), session, Callbacks{}))

	// arrives ahead of any offer/answer; must be held, not applied or fatal
	c.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host"})

	c.mu.Lock()
	pending := len(c.pendingCandidates)
	c.mu.Unlock()
	assert.Equal(t, 1, pending)
}

func TestCandidateOnClosedCoordinatorDropped(t *testing.T) {
	c := testCoordinator(t)
	c.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp ..."})
}

func TestCloseIsIdempotent(t *testing.T) {
	c := testCoordinator(t)
	session := testSession(t, media.CallTypeAudio)
	require.NoError(t, c.Create(context.Background(), session, Callbacks{}))

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.Ready())

	_, err := c.CreateOffer(context.Background())
	assert.Error(t, err)
}

func TestDescriptionMethodsSafeOnClosedConnection(t *testing.T) {
	c := testCoordinator(t)
	session := testSession(t, media.CallTypeAudio)
	require.NoError(t, c.Create(context.Background(), session, Callbacks{}))
	require.NoError(t, c.Close())

	// Re-arm the readiness atomics to recreate the window where Close lands
	// between the readiness check and the lock; every method must refuse,
	// not panic.
	c.peerReady.Store(true)
	c.closed.Store(false)

	_, err := c.CreateOffer(context.Background())
	require.Error(t, err)
	assert.True(t, callerr.IsKind(err, callerr.KindStaleOperation))

	_, err = c.AcceptOffer(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	require.Error(t, err)
	assert.True(t, callerr.IsKind(err, callerr.KindStaleOperation))

	err = c.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	require.Error(t, err)
	assert.True(t, callerr.IsKind(err, callerr.KindStaleOperation))
}

func TestFatalReportedOnce(t *testing.T) {
	c := testCoordinator(t)
	var fatals int
	var mu sync.Mutex
	c.cb = Callbacks{OnFatal: func(error) {
		mu.Lock()
		fatals++
		mu.Unlock()
	}}

	err := fmt.Errorf("ICE connectivity failed")
	c.reportFatal(err)
	c.reportFatal(err)
	c.reportFatal(callerr.New(callerr.KindNegotiationFailed, "peer.transport", err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fatals, "parallel transport failures must coalesce")
}

func TestSnapshotRingKeepsMostRecent(t *testing.T) {
	ring := newSnapshotRing(3)
	for i := 0; i < 5; i++ {
		ring.Add(Snapshot{At: time.Unix(int64(i), 0)})
	}

	recent := ring.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(2), recent[0].At.Unix())
	assert.Equal(t, int64(4), recent[2].At.Unix())

	assert.Len(t, ring.Recent(10), 3)
}
