package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/curevia/telecall/internal/api"
	"github.com/curevia/telecall/internal/callerr"
	"github.com/curevia/telecall/internal/media"
	"github.com/curevia/telecall/internal/notify"
	"github.com/curevia/telecall/internal/peer"
	"github.com/curevia/telecall/internal/signaling"
)

const (
	dedupeCapacity  = 64
	endCallTimeout  = 3 * time.Second
	durationTickRes = time.Second
)

// MediaService is the device-side surface the machine drives. Implemented
// by *media.Manager.
type MediaService interface {
	Acquire(ctx context.Context, callType media.CallType) (*media.Session, error)
	Release(ctx context.Context, s *media.Session) error
	ForceRelease(ctx context.Context, callType media.CallType) error
}

// Negotiator is the peer connection surface. Implemented by
// *peer.Coordinator; tests substitute fakes.
type Negotiator interface {
	Create(ctx context.Context, session *media.Session, cb peer.Callbacks) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit)
	Ready() bool
	State() webrtc.PeerConnectionState
	Close() error
}

// NegotiatorFactory builds a fresh negotiator for each call attempt.
type NegotiatorFactory func() Negotiator

// SignalChannel is the per-call signaling surface. Implemented by
// *signaling.Channel.
type SignalChannel interface {
	Start()
	Send(msg signaling.Message) error
	Detach()
	IsOpen() bool
	Close() error
}

// SignalDialer opens the signaling channel for one call with the given
// inbound event callbacks.
type SignalDialer func(ctx context.Context, callID string, events signaling.Events) (SignalChannel, error)

// UIEvents are the machine's outbound notifications to whatever renders
// call state. All callbacks are optional and must not block.
type UIEvents struct {
	OnError        func(error)
	OnIncomingCall func(api.Call)
	OnRemoteTrack  func(*webrtc.TrackRemote)
	OnStateChange  func(State)
	OnDuration     func(time.Duration)
}

// Status is a read-only snapshot of the machine.
type Status struct {
	State           State
	CallID          string
	MicEnabled      bool
	CamEnabled      bool
	CallActive      bool
	ConnectionState webrtc.PeerConnectionState
	PeerReady       bool
}

// attempt is the cancellation token for one call attempt. Every async
// continuation captures the attempt it belongs to and re-checks it is still
// the machine's live attempt before touching shared state; a continuation
// holding a superseded attempt discards its result.
type attempt struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	socketOpen atomic.Bool
	peerReady  atomic.Bool
	offerOnce  sync.Once
	errOnce    sync.Once
}

func newAttempt() *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &attempt{id: uuid.NewString(), ctx: ctx, cancel: cancel}
}

// Machine is the call lifecycle state machine. Exactly one media session and
// one negotiator are alive at a time; all transitions funnel through here.
type Machine struct {
	svc           api.CallService
	devices       MediaService
	dialSignal    SignalDialer
	newNegotiator NegotiatorFactory
	ui            UIEvents
	log           *zap.Logger

	mu         sync.Mutex
	state      State
	call       *api.Call
	callType   media.CallType
	session    *media.Session
	negotiator Negotiator
	channel    SignalChannel
	att        *attempt
	startedAt  time.Time

	dedupe      *Dedupe
	tearingDown atomic.Bool
	visible     atomic.Bool
	connState   atomic.Int32
}

func NewMachine(svc api.CallService, devices MediaService, dialSignal SignalDialer, newNegotiator NegotiatorFactory, ui UIEvents, log *zap.Logger) (*Machine, error) {
	if svc == nil || devices == nil || dialSignal == nil || newNegotiator == nil {
		return nil, fmt.Errorf("call: all services are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Machine{
		svc:           svc,
		devices:       devices,
		dialSignal:    dialSignal,
		newNegotiator: newNegotiator,
		ui:            ui,
		log:           log.Named("call"),
		state:         StateIdle,
		dedupe:        NewDedupe(dedupeCapacity),
	}
	m.visible.Store(true)
	return m, nil
}

// Initiate starts an outgoing call: acquire devices, register the call with
// the backend, open signaling and negotiate. The offer goes out exactly once,
// when both the socket is open and the peer connection is ready, in whichever
// order those complete.
func (m *Machine) Initiate(ctx context.Context, consultationID, receiverID string, callType media.CallType) error {
	if !callType.Valid() {
		return fmt.Errorf("invalid call type %q", callType)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot initiate call from state %s", state)
	}
	att := newAttempt()
	m.att = att
	m.state = StateInitiating
	m.callType = callType
	m.mu.Unlock()
	m.notifyState(StateInitiating)

	m.log.Info("initiating call",
		zap.String("attempt_id", att.id),
		zap.String("consultation_id", consultationID),
		zap.String("receiver_id", receiverID),
		zap.String("call_type", string(callType)))

	session, err := m.devices.Acquire(att.ctx, callType)
	if err != nil {
		m.failAttempt(att, err)
		return err
	}
	if !m.bindSession(att, session) {
		// Devices resolved after this attempt died. Never attach them to a
		// dead call; give them straight back.
		m.devices.Release(context.Background(), session) //nolint:errcheck
		return callerr.New(callerr.KindStaleOperation, "call.initiate", att.ctx.Err())
	}

	created, err := m.svc.CreateCall(att.ctx, consultationID, receiverID, callType)
	if err != nil {
		m.failAttempt(att, err)
		return err
	}
	if !m.bindCall(att, created, StateRingingOutgoing) {
		return callerr.New(callerr.KindStaleOperation, "call.initiate", att.ctx.Err())
	}
	m.notifyState(StateRingingOutgoing)

	if err := m.startNegotiation(att, created.ID, session, true); err != nil {
		m.failAttempt(att, err)
		return err
	}
	return nil
}

// HandleIncomingCall processes a ring from the notifier. Duplicates are
// suppressed and a ring while another call is live is rejected best-effort.
func (m *Machine) HandleIncomingCall(incoming api.Call) {
	if m.dedupe.Seen(eventIncomingCall, incoming.ID) {
		m.log.Debug("duplicate incoming call ignored", zap.String("call_id", incoming.ID))
		return
	}

	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		m.log.Info("rejecting incoming call, already busy",
			zap.String("call_id", incoming.ID), zap.Stringer("state", state))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), endCallTimeout)
			defer cancel()
			if err := m.svc.RejectCall(ctx, incoming.ID); err != nil {
				m.log.Warn("busy-reject failed", zap.Error(err))
			}
		}()
		return
	}
	call := incoming
	m.call = &call
	m.callType = call.CallType
	m.state = StateRingingIncoming
	m.mu.Unlock()

	m.notifyState(StateRingingIncoming)
	if m.ui.OnIncomingCall != nil {
		m.ui.OnIncomingCall(call)
	}
}

// AcceptIncoming answers the currently ringing call. The remote offer,
// delivered over the freshly opened signaling channel, drives the answer.
func (m *Machine) AcceptIncoming(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRingingIncoming || m.call == nil {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot accept call from state %s", state)
	}
	call := *m.call
	att := newAttempt()
	m.att = att
	m.mu.Unlock()

	m.log.Info("accepting call", zap.String("call_id", call.ID), zap.String("attempt_id", att.id))

	session, err := m.devices.Acquire(att.ctx, call.CallType)
	if err != nil {
		m.failAttempt(att, err)
		return err
	}
	if !m.bindSession(att, session) {
		m.devices.Release(context.Background(), session) //nolint:errcheck
		return callerr.New(callerr.KindStaleOperation, "call.accept", att.ctx.Err())
	}

	accepted, err := m.svc.AcceptCall(att.ctx, call.ID)
	if err != nil {
		m.failAttempt(att, err)
		return err
	}
	if !m.bindCall(att, accepted, StateActive) {
		return callerr.New(callerr.KindStaleOperation, "call.accept", att.ctx.Err())
	}
	m.notifyState(StateActive)

	if err := m.startNegotiation(att, accepted.ID, session, false); err != nil {
		m.failAttempt(att, err)
		return err
	}
	return nil
}

// Reject declines the currently ringing call.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRingingIncoming || m.call == nil {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot reject call from state %s", state)
	}
	callID := m.call.ID
	m.call = nil
	m.state = StateIdle
	m.mu.Unlock()
	m.notifyState(StateIdle)

	if err := m.svc.RejectCall(ctx, callID); err != nil {
		m.log.Warn("reject failed", zap.String("call_id", callID), zap.Error(err))
		return err
	}
	return nil
}

// End tears the current call down. Idempotent and reentrant-safe: however
// many callers race here, exactly one teardown sequence runs and the rest
// no-op.
func (m *Machine) End(ctx context.Context) error {
	return m.teardown(ctx, true)
}

// Resume reconciles against the backend after local state was lost. If the
// user still has a live call, a fresh session is bound to it; local memory
// being empty is never taken as proof that no call exists.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	active, err := m.svc.ActiveCall(ctx)
	if errors.Is(err, api.ErrNoActiveCall) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query active call: %w", err)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	att := newAttempt()
	m.att = att
	m.call = active
	m.callType = active.CallType
	m.state = StateActive
	m.mu.Unlock()
	m.notifyState(StateActive)

	m.log.Info("resuming call", zap.String("call_id", active.ID), zap.String("attempt_id", att.id))

	session, err := m.devices.Acquire(att.ctx, active.CallType)
	if err != nil {
		m.failAttempt(att, err)
		return err
	}
	if !m.bindSession(att, session) {
		m.devices.Release(context.Background(), session) //nolint:errcheck
		return callerr.New(callerr.KindStaleOperation, "call.resume", att.ctx.Err())
	}

	// The resuming side renegotiates from scratch and therefore offers.
	if err := m.startNegotiation(att, active.ID, session, true); err != nil {
		m.failAttempt(att, err)
		return err
	}
	return nil
}

// ToggleMic flips the audio tracks' enabled flag and returns the new state.
func (m *Machine) ToggleMic() bool { return m.toggle(media.TrackKindAudio) }

// ToggleCam flips the video tracks' enabled flag and returns the new state.
func (m *Machine) ToggleCam() bool { return m.toggle(media.TrackKindVideo) }

func (m *Machine) toggle(kind media.TrackKind) bool {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		m.log.Warn("toggle with no media session", zap.String("kind", string(kind)))
		return false
	}
	return session.Toggle(kind)
}

// SetVisible records tab visibility. Hidden pauses cosmetic timers only;
// media and negotiation are never touched.
func (m *Machine) SetVisible(visible bool) {
	m.visible.Store(visible)
}

// ForceReleaseDevices is the stuck-device escape hatch: run a capture-then-
// drop cycle to coax the platform into relinquishing camera and microphone.
func (m *Machine) ForceReleaseDevices(ctx context.Context) error {
	return m.devices.ForceRelease(ctx, media.CallTypeVideo)
}

// Status returns a snapshot for the UI.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:           m.state,
		CallActive:      m.state == StateActive,
		ConnectionState: webrtc.PeerConnectionState(m.connState.Load()),
	}
	if m.call != nil {
		s.CallID = m.call.ID
	}
	if m.session != nil {
		s.MicEnabled = m.session.Enabled(media.TrackKindAudio)
		s.CamEnabled = m.session.Enabled(media.TrackKindVideo)
	}
	if m.negotiator != nil {
		s.PeerReady = m.negotiator.Ready()
	}
	return s
}

// HandleCallAccepted moves an outgoing ring to active. Events for call ids
// the machine does not track belong to another tab or an already-ended call
// and are ignored.
func (m *Machine) HandleCallAccepted(callID string) {
	if !m.isLocalCall(callID) {
		m.log.Debug("call_accepted for foreign call ignored", zap.String("call_id", callID))
		return
	}
	if m.dedupe.Seen(eventCallAccepted, callID) {
		return
	}

	m.mu.Lock()
	if m.state == StateRingingOutgoing {
		m.state = StateActive
		m.mu.Unlock()
		m.notifyState(StateActive)
		m.log.Info("call accepted by remote", zap.String("call_id", callID))
		return
	}
	m.mu.Unlock()
}

// HandleCallRejected tears down an outgoing ring the remote declined.
func (m *Machine) HandleCallRejected(callID string) {
	if !m.isLocalCall(callID) {
		return
	}
	if m.dedupe.Seen(eventCallRejected, callID) {
		return
	}
	m.log.Info("call rejected by remote", zap.String("call_id", callID))
	m.teardown(context.Background(), false) //nolint:errcheck
}

// HandleCallEnded tears down after the remote hung up. The remote already
// knows, so no call_ended goes back out.
func (m *Machine) HandleCallEnded(callID string) {
	if !m.isLocalCall(callID) {
		m.log.Debug("call_ended for foreign call ignored", zap.String("call_id", callID))
		return
	}
	if m.dedupe.Seen(eventCallEnded, callID) {
		return
	}
	m.log.Info("call ended by remote", zap.String("call_id", callID))
	m.teardown(context.Background(), false) //nolint:errcheck
}

// NotifyHandlers adapts the machine to the notifier's callback surface.
func (m *Machine) NotifyHandlers() notify.Handlers {
	return notify.Handlers{
		OnIncomingCall: m.HandleIncomingCall,
		OnCallAccepted: m.HandleCallAccepted,
		OnCallRejected: m.HandleCallRejected,
		OnCallEnded:    m.HandleCallEnded,
	}
}

// --- internals ---

// isLive reports whether att is still the machine's current attempt.
func (m *Machine) isLive(att *attempt) bool {
	if att.ctx.Err() != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.att == att
}

func (m *Machine) isLocalCall(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call != nil && m.call.ID == callID
}

// bindSession attaches an acquired session to a still-live attempt.
func (m *Machine) bindSession(att *attempt, session *media.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.att != att || att.ctx.Err() != nil {
		return false
	}
	m.session = session
	return true
}

func (m *Machine) bindCall(att *attempt, call *api.Call, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.att != att || att.ctx.Err() != nil {
		return false
	}
	m.call = call
	m.state = next
	return true
}

// startNegotiation builds the negotiator, opens the signaling channel and,
// for the initiating side, arms the offer gate.
func (m *Machine) startNegotiation(att *attempt, callID string, session *media.Session, initiator bool) error {
	neg := m.newNegotiator()
	cb := peer.Callbacks{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) { m.sendCandidate(att, c) },
		OnRemoteTrack:    func(t *webrtc.TrackRemote) { m.handleRemoteTrack(att, t) },
		OnConnected:      func() { m.handleConnected(att) },
		OnStateChange:    func(s webrtc.PeerConnectionState) { m.connState.Store(int32(s)) },
		OnFatal:          func(err error) { m.handleFatal(att, err) },
	}
	if err := neg.Create(att.ctx, session, cb); err != nil {
		return err
	}

	m.mu.Lock()
	if m.att != att || att.ctx.Err() != nil {
		m.mu.Unlock()
		neg.Close() //nolint:errcheck
		return callerr.New(callerr.KindStaleOperation, "call.negotiate", att.ctx.Err())
	}
	m.negotiator = neg
	m.mu.Unlock()

	events := signaling.Events{
		OnOffer:        func(o signaling.Offer) { m.handleRemoteOffer(att, o) },
		OnAnswer:       func(a signaling.Answer) { m.handleRemoteAnswer(att, a) },
		OnCandidate:    func(c signaling.ICECandidate) { m.handleRemoteCandidate(att, c) },
		OnCallAccepted: func(ev signaling.CallAccepted) { m.HandleCallAccepted(ev.CallID) },
		OnCallEnded:    func(ev signaling.CallEnded) { m.HandleCallEnded(ev.CallID) },
	}
	ch, err := m.dialSignal(att.ctx, callID, events)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.att != att || att.ctx.Err() != nil {
		m.mu.Unlock()
		ch.Close() //nolint:errcheck
		return callerr.New(callerr.KindStaleOperation, "call.negotiate", att.ctx.Err())
	}
	m.channel = ch
	m.mu.Unlock()

	ch.Start()

	// Socket-open and peer-ready are independent completions; the offer
	// fires once when both hold, in either order.
	m.markPeerReady(att, initiator)
	m.markSocketOpen(att, initiator)
	return nil
}

func (m *Machine) markSocketOpen(att *attempt, initiator bool) {
	att.socketOpen.Store(true)
	if initiator {
		m.maybeSendOffer(att)
	}
}

func (m *Machine) markPeerReady(att *attempt, initiator bool) {
	att.peerReady.Store(true)
	if initiator {
		m.maybeSendOffer(att)
	}
}

func (m *Machine) maybeSendOffer(att *attempt) {
	if !att.socketOpen.Load() || !att.peerReady.Load() {
		return
	}
	att.offerOnce.Do(func() {
		m.sendOffer(att)
	})
}

func (m *Machine) sendOffer(att *attempt) {
	neg, ch := m.currentPair(att)
	if neg == nil || ch == nil {
		return
	}

	offer, err := neg.CreateOffer(att.ctx)
	if err != nil {
		m.handleFatal(att, err)
		return
	}
	if err := ch.Send(signaling.Offer{SDP: offer}); err != nil {
		m.log.Warn("offer send failed", zap.String("attempt_id", att.id), zap.Error(err))
	}
}

func (m *Machine) handleRemoteOffer(att *attempt, o signaling.Offer) {
	if !m.isLive(att) {
		return
	}
	neg, ch := m.currentPair(att)
	if neg == nil || ch == nil {
		return
	}

	answer, err := neg.AcceptOffer(att.ctx, o.SDP)
	if err != nil {
		m.log.Warn("ignoring unusable remote offer", zap.Error(err))
		return
	}
	if err := ch.Send(signaling.Answer{SDP: answer}); err != nil {
		m.log.Warn("answer send failed", zap.Error(err))
	}
}

func (m *Machine) handleRemoteAnswer(att *attempt, a signaling.Answer) {
	if !m.isLive(att) {
		return
	}
	neg, _ := m.currentPair(att)
	if neg == nil {
		return
	}
	if err := neg.AcceptAnswer(a.SDP); err != nil {
		if callerr.IsKind(err, callerr.KindStaleOperation) {
			m.log.Debug("discarding stale remote answer")
			return
		}
		m.log.Warn("ignoring unusable remote answer", zap.Error(err))
	}
}

func (m *Machine) handleRemoteCandidate(att *attempt, c signaling.ICECandidate) {
	if !m.isLive(att) {
		return
	}
	neg, _ := m.currentPair(att)
	if neg == nil {
		return
	}
	neg.AddRemoteCandidate(c.Candidate)
}

func (m *Machine) sendCandidate(att *attempt, c webrtc.ICECandidateInit) {
	if !m.isLive(att) {
		return
	}
	_, ch := m.currentPair(att)
	if ch == nil {
		return
	}
	if err := ch.Send(signaling.ICECandidate{Candidate: c}); err != nil {
		m.log.Debug("candidate send dropped", zap.Error(err))
	}
}

// handleRemoteTrack hands inbound media to the UI layer; rendering is the
// UI's side effect, the machine only forwards the reference.
func (m *Machine) handleRemoteTrack(att *attempt, track *webrtc.TrackRemote) {
	if !m.isLive(att) {
		return
	}
	if m.ui.OnRemoteTrack != nil {
		m.ui.OnRemoteTrack(track)
	}
}

func (m *Machine) handleConnected(att *attempt) {
	if !m.isLive(att) {
		return
	}

	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()
	m.log.Info("call connected", zap.String("attempt_id", att.id))

	if m.ui.OnDuration != nil {
		go m.runDurationTicker(att)
	}
}

// runDurationTicker drives the cosmetic call-duration display. Paused while
// the tab is hidden; stops when the attempt dies.
func (m *Machine) runDurationTicker(att *attempt) {
	ticker := time.NewTicker(durationTickRes)
	defer ticker.Stop()

	for {
		select {
		case <-att.ctx.Done():
			return
		case <-ticker.C:
			if !m.visible.Load() {
				continue
			}
			m.mu.Lock()
			started := m.startedAt
			m.mu.Unlock()
			if started.IsZero() {
				continue
			}
			m.ui.OnDuration(time.Since(started))
		}
	}
}

// handleFatal funnels every terminal transport error into one user-visible
// report and one end-to-end teardown; ICE and connection-state failures for
// the same root cause land here already coalesced by the coordinator, and
// the attempt's errOnce catches anything that still doubles up.
func (m *Machine) handleFatal(att *attempt, err error) {
	if !m.isLive(att) {
		return
	}
	m.surfaceError(att, err)
	go m.teardown(context.Background(), true) //nolint:errcheck
}

// failAttempt aborts a half-built attempt: surface one error, release
// whatever got bound, return to idle. A call record that already exists on
// the backend is ended (or, for an unanswered ring, rejected) best-effort so
// the remote side stops ringing and the consultation is free for a retry.
func (m *Machine) failAttempt(att *attempt, err error) {
	if callerr.IsKind(err, callerr.KindStaleOperation) {
		m.log.Debug("attempt superseded", zap.String("attempt_id", att.id))
		return
	}
	m.log.Warn("call attempt failed", zap.String("attempt_id", att.id), zap.Error(err))
	m.surfaceError(att, err)
	m.teardown(context.Background(), true) //nolint:errcheck
}

func (m *Machine) surfaceError(att *attempt, err error) {
	att.errOnce.Do(func() {
		if m.ui.OnError != nil {
			m.ui.OnError(err)
		}
	})
}

// teardown is the single teardown sequence. Order matters: stop accepting
// signaling, tell the remote side while the channel still works, release
// devices, close the negotiator, close the channel, go idle.
func (m *Machine) teardown(ctx context.Context, notifyRemote bool) error {
	if !m.tearingDown.CompareAndSwap(false, true) {
		return nil
	}
	defer m.tearingDown.Store(false)

	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return nil
	}
	prev := m.state
	att := m.att
	session := m.session
	neg := m.negotiator
	ch := m.channel
	call := m.call
	m.att = nil
	m.session = nil
	m.negotiator = nil
	m.channel = nil
	m.call = nil
	m.startedAt = time.Time{}
	m.state = StateEnding
	m.mu.Unlock()
	m.notifyState(StateEnding)

	if att != nil {
		att.cancel()
	}
	if ch != nil {
		ch.Detach()
	}

	if notifyRemote && call != nil {
		if ch != nil {
			if err := ch.Send(signaling.CallEnded{CallID: call.ID}); err != nil {
				m.log.Debug("remote call_ended notification dropped", zap.Error(err))
			}
		}
		endCtx, cancel := context.WithTimeout(context.Background(), endCallTimeout)
		if prev == StateRingingIncoming {
			// The ring was never accepted, so the record is declined, not
			// ended.
			if err := m.svc.RejectCall(endCtx, call.ID); err != nil {
				m.log.Warn("backend reject-call failed", zap.String("call_id", call.ID), zap.Error(err))
			}
		} else if err := m.svc.EndCall(endCtx, call.ID); err != nil {
			m.log.Warn("backend end-call failed", zap.String("call_id", call.ID), zap.Error(err))
		}
		cancel()
	}

	if session != nil {
		if err := m.devices.Release(ctx, session); err != nil {
			m.log.Warn("media release failed", zap.Error(err))
		}
	}
	if neg != nil {
		if err := neg.Close(); err != nil {
			m.log.Warn("negotiator close failed", zap.Error(err))
		}
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			m.log.Debug("channel close failed", zap.Error(err))
		}
	}

	m.connState.Store(int32(webrtc.PeerConnectionStateClosed))
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	m.notifyState(StateIdle)

	if call != nil {
		m.log.Info("call torn down", zap.String("call_id", call.ID))
	}
	return nil
}

func (m *Machine) currentPair(att *attempt) (Negotiator, SignalChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.att != att {
		return nil, nil
	}
	return m.negotiator, m.channel
}

func (m *Machine) notifyState(s State) {
	if m.ui.OnStateChange != nil {
		m.ui.OnStateChange(s)
	}
}
