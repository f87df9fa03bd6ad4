package peer

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/curevia/telecall/internal/callerr"
	"github.com/curevia/telecall/internal/config"
	"github.com/curevia/telecall/internal/media"
)

const (
	rtpOutboundMTU = 1200

	iceDisconnectedTimeout = 5 * time.Second
	iceFailedTimeout       = 10 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
)

// Callbacks are the coordinator's outbound notifications. OnFatal is
// coalesced: however many transports report failure, it fires at most once
// per coordinator lifetime.
type Callbacks struct {
	OnLocalCandidate func(webrtc.ICECandidateInit)
	OnRemoteTrack    func(*webrtc.TrackRemote)
	OnConnected      func()
	OnStateChange    func(webrtc.PeerConnectionState)
	OnFatal          func(error)
}

// Coordinator owns a single peer connection and the full offer/answer and
// trickle ICE dance around it. One coordinator per call attempt; it is
// created fresh for each negotiation and never reused.
type Coordinator struct {
	iceServers     []string
	mediaCfg       config.MediaConfig
	selector       *mediadevices.CodecSelector
	healthInterval time.Duration
	log            *zap.Logger

	mu sync.Mutex
	pc *webrtc.PeerConnection
	cb Callbacks

	// Remote candidates that arrived before the remote description.
	pendingCandidates []webrtc.ICECandidateInit

	pumpCtx    context.Context
	pumpCancel context.CancelFunc

	monitor *Monitor

	peerReady atomic.Bool
	closed    atomic.Bool
	fatalOnce sync.Once
}

// NewCoordinator prepares a coordinator. The codec selector comes from the
// device capturer so the peer connection negotiates exactly the codecs the
// encoders produce; nil is allowed and falls back to pion defaults.
func NewCoordinator(iceServers []string, mediaCfg config.MediaConfig, selector *mediadevices.CodecSelector, healthInterval time.Duration, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		iceServers:     iceServers,
		mediaCfg:       mediaCfg,
		selector:       selector,
		healthInterval: healthInterval,
		log:            log.Named("peer"),
	}
}

// Create builds the peer connection, attaches the session's local tracks and
// wires the state callbacks. Readiness flips on only after everything below
// succeeded; CreateOffer before that point is refused.
func (c *Coordinator) Create(ctx context.Context, session *media.Session, cb Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc != nil {
		return callerr.New(callerr.KindNegotiationFailed, "peer.create",
			fmt.Errorf("coordinator already holds a peer connection"))
	}
	if c.closed.Load() {
		return callerr.New(callerr.KindStaleOperation, "peer.create",
			fmt.Errorf("coordinator is closed"))
	}

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "peer.create",
			fmt.Errorf("failed to register default codecs: %w", err))
	}
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeVideo)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeAudio)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeAudio)
	if c.selector != nil {
		c.selector.Populate(&mediaEngine)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{{URLs: c.iceServers}},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "peer.create",
			fmt.Errorf("failed to create peer connection: %w", err))
	}

	c.pc = pc
	c.cb = cb
	c.pumpCtx, c.pumpCancel = context.WithCancel(context.Background())

	if err := c.attachTracks(session); err != nil {
		pc.Close() //nolint:errcheck
		c.pc = nil
		c.pumpCancel()
		return err
	}

	c.setupCallbacks(pc)

	c.monitor = NewMonitor(pc, c.healthInterval, c.log)
	go c.monitor.Run(c.pumpCtx)

	c.peerReady.Store(true)
	c.log.Info("peer connection created",
		zap.Int("local_tracks", len(session.Tracks())),
		zap.Strings("ice_servers", c.iceServers))
	return nil
}

// Ready reports whether Create has completed and Close has not run.
func (c *Coordinator) Ready() bool { return c.peerReady.Load() && !c.closed.Load() }

// State returns the current connection state, or New before Create.
func (c *Coordinator) State() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc == nil {
		return webrtc.PeerConnectionStateNew
	}
	return c.pc.ConnectionState()
}

// Health returns recent connection snapshots, oldest first.
func (c *Coordinator) Health(n int) []Snapshot {
	c.mu.Lock()
	m := c.monitor
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Recent(n)
}

// CreateOffer produces and installs a local offer. Refused while the
// coordinator is not ready so premature signaling can never observe a
// half-built connection.
func (c *Coordinator) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if !c.Ready() {
		return webrtc.SessionDescription{}, callerr.New(callerr.KindNegotiationFailed, "peer.offer",
			fmt.Errorf("peer connection is not ready"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Close can win the race between the readiness check and the lock.
	if c.pc == nil {
		return webrtc.SessionDescription{}, callerr.New(callerr.KindStaleOperation, "peer.offer",
			fmt.Errorf("peer connection is closed"))
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, callerr.New(callerr.KindNegotiationFailed, "peer.offer",
			fmt.Errorf("failed to create offer: %w", err))
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, callerr.New(callerr.KindNegotiationFailed, "peer.offer",
			fmt.Errorf("failed to set local description: %w", err))
	}
	return offer, nil
}

// AcceptOffer installs a remote offer and returns the local answer. Any
// remote candidates buffered before the offer arrived are applied once the
// remote description is in place.
func (c *Coordinator) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if !c.Ready() {
		return webrtc.SessionDescription{}, callerr.New(callerr.KindNegotiationFailed, "peer.answer",
			fmt.Errorf("peer connection is not ready"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc == nil {
		return webrtc.SessionDescription{}, callerr.New(callerr.KindStaleOperation, "peer.answer",
			fmt.Errorf("peer connection is closed"))
	}

	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, callerr.New(callerr.KindNegotiationFailed, "peer.answer",
			fmt.Errorf("failed to set remote offer: %w", err))
	}
	c.flushPendingCandidatesLocked()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, callerr.New(callerr.KindNegotiationFailed, "peer.answer",
			fmt.Errorf("failed to create answer: %w", err))
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, callerr.New(callerr.KindNegotiationFailed, "peer.answer",
			fmt.Errorf("failed to set local answer: %w", err))
	}
	return answer, nil
}

// AcceptAnswer installs the remote answer to a previously sent offer. An
// answer arriving when no local offer is outstanding is stale and refused.
func (c *Coordinator) AcceptAnswer(answer webrtc.SessionDescription) error {
	if !c.Ready() {
		return callerr.New(callerr.KindStaleOperation, "peer.accept_answer",
			fmt.Errorf("peer connection is not ready"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc == nil {
		return callerr.New(callerr.KindStaleOperation, "peer.accept_answer",
			fmt.Errorf("peer connection is closed"))
	}
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return callerr.New(callerr.KindStaleOperation, "peer.accept_answer",
			fmt.Errorf("no outstanding offer, signaling state is %s", c.pc.SignalingState()))
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return callerr.New(callerr.KindNegotiationFailed, "peer.accept_answer",
			fmt.Errorf("failed to set remote answer: %w", err))
	}
	c.flushPendingCandidatesLocked()
	return nil
}

// AddRemoteCandidate feeds one trickled candidate into the connection.
// Candidates arriving ahead of the remote description are buffered, and a
// malformed candidate is logged and dropped rather than failing the call.
func (c *Coordinator) AddRemoteCandidate(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc == nil || c.closed.Load() {
		c.log.Debug("dropping remote candidate, no live peer connection")
		return
	}
	if c.pc.RemoteDescription() == nil {
		c.pendingCandidates = append(c.pendingCandidates, candidate)
		c.log.Debug("buffered remote candidate before remote description",
			zap.Int("pending", len(c.pendingCandidates)))
		return
	}
	if err := c.pc.AddICECandidate(candidate); err != nil {
		c.log.Warn("ignoring bad remote candidate", zap.Error(err))
	}
}

func (c *Coordinator) flushPendingCandidatesLocked() {
	for _, cand := range c.pendingCandidates {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Warn("ignoring bad buffered candidate", zap.Error(err))
		}
	}
	c.pendingCandidates = nil
}

// Close tears the peer connection down. Idempotent; the first caller wins
// and later callers return immediately.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.peerReady.Store(false)

	c.mu.Lock()
	pc := c.pc
	cancel := c.pumpCancel
	c.pc = nil
	c.pendingCandidates = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		c.log.Warn("peer connection close failed", zap.Error(err))
		return err
	}
	c.log.Info("peer connection closed")
	return nil
}

// attachTracks adds each local track to the connection and starts its RTP
// pump. Caller holds c.mu.
func (c *Coordinator) attachTracks(session *media.Session) error {
	for _, track := range session.Tracks() {
		local, err := c.newLocalTrack(track)
		if err != nil {
			return err
		}
		sender, err := c.pc.AddTrack(local)
		if err != nil {
			return callerr.New(callerr.KindNegotiationFailed, "peer.add_track",
				fmt.Errorf("failed to add %s track: %w", track.Kind(), err))
		}
		go c.drainRTCP(sender)

		ssrc := rand.Uint32()
		source, err := track.NewRTPSource(local.Codec().MimeType, ssrc, rtpOutboundMTU)
		if err != nil {
			return callerr.New(callerr.KindNegotiationFailed, "peer.add_track",
				fmt.Errorf("failed to open %s RTP source: %w", track.Kind(), err))
		}
		go c.pumpRTP(track, source, local)
	}
	return nil
}

func (c *Coordinator) newLocalTrack(track media.Track) (*webrtc.TrackLocalStaticRTP, error) {
	var capability webrtc.RTPCodecCapability
	var id, stream string
	switch track.Kind() {
	case media.TrackKindVideo:
		capability = webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}
		id, stream = "video", "telecall-video"
	case media.TrackKindAudio:
		capability = webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   uint32(c.mediaCfg.SampleRate),
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
		id, stream = "audio", "telecall-audio"
	default:
		return nil, callerr.New(callerr.KindNegotiationFailed, "peer.add_track",
			fmt.Errorf("unknown track kind %q", track.Kind()))
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, stream)
	if err != nil {
		return nil, callerr.New(callerr.KindNegotiationFailed, "peer.add_track",
			fmt.Errorf("failed to create local %s track: %w", id, err))
	}
	return local, nil
}

// pumpRTP forwards packets from a capture track to its outbound track until
// the track ends or the coordinator closes. A disabled track keeps reading
// (so the encoder pipeline stays warm) but drops packets, which is what mute
// means here.
func (c *Coordinator) pumpRTP(track media.Track, source media.RTPSource, local *webrtc.TrackLocalStaticRTP) {
	defer source.Close() //nolint:errcheck

	kind := string(track.Kind())
	for {
		select {
		case <-c.pumpCtx.Done():
			c.log.Debug("stopping rtp pump", zap.String("kind", kind))
			return
		default:
		}

		packets, err := source.ReadPackets()
		if err != nil {
			if err == io.EOF {
				c.log.Debug("capture track ended", zap.String("kind", kind))
				return
			}
			c.log.Warn("rtp read failed", zap.String("kind", kind), zap.Error(err))
			continue
		}

		if !track.Enabled() {
			continue
		}
		for _, packet := range packets {
			if err := local.WriteRTP(packet); err != nil {
				if strings.Contains(err.Error(), "closed") {
					return
				}
				c.log.Warn("rtp write failed", zap.String("kind", kind), zap.Error(err))
			}
		}
	}
}

// requestKeyFrames nudges the remote encoder with a periodic PLI so a
// late-joining or lossy receiver recovers a decodable picture.
func (c *Coordinator) requestKeyFrames(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.pumpCtx.Done():
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// drainRTCP keeps the interceptor pipeline fed. Reports are discarded.
func (c *Coordinator) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Coordinator) setupCallbacks(pc *webrtc.PeerConnection) {
	cb := c.cb

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if cb.OnLocalCandidate != nil {
			cb.OnLocalCandidate(candidate.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("remote track started",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.requestKeyFrames(pc, track)
		}
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Info("peer connection state changed", zap.Stringer("state", state))
		if cb.OnStateChange != nil {
			cb.OnStateChange(state)
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			c.reportFatal(callerr.New(callerr.KindNegotiationFailed, "peer.transport",
				fmt.Errorf("peer connection failed")))
		}
	})

	// ICE failure is tracked in parallel: some failures surface here before
	// the aggregate connection state flips, and the first report wins.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.log.Debug("ice connection state changed", zap.Stringer("state", state))
		if state == webrtc.ICEConnectionStateFailed {
			c.reportFatal(callerr.New(callerr.KindNegotiationFailed, "peer.ice",
				fmt.Errorf("ICE connectivity failed")))
		}
	})
}

// reportFatal delivers a terminal transport error exactly once.
func (c *Coordinator) reportFatal(err error) {
	c.fatalOnce.Do(func() {
		if c.closed.Load() {
			return
		}
		c.log.Error("fatal peer connection error", zap.Error(err))
		if c.cb.OnFatal != nil {
			c.cb.OnFatal(err)
		}
	})
}
