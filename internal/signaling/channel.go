package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curevia/telecall/internal/callerr"
)

// Conn is the subset of a websocket connection the channel needs. Satisfied
// by *websocket.Conn; tests substitute their own.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Events are the channel's inbound callbacks. Negotiation messages drive the
// peer coordinator; call-accepted and call-ended belong to the lifecycle
// state machine. Nil callbacks mean the message kind is dropped.
type Events struct {
	OnOffer        func(Offer)
	OnAnswer       func(Answer)
	OnCandidate    func(ICECandidate)
	OnCallAccepted func(CallAccepted)
	OnCallEnded    func(CallEnded)
}

// Channel binds one websocket to one call and translates between wire
// envelopes and typed messages. A channel is never reused across calls.
type Channel struct {
	callID string
	conn   Conn
	log    *zap.Logger

	writeMu  sync.Mutex
	open     atomic.Bool
	detached atomic.Bool
	closed   atomic.Bool

	eventsMu sync.RWMutex
	events   Events

	done chan struct{}
}

// NewChannel wraps an already-open connection. Call Start to begin reading.
func NewChannel(callID string, conn Conn, events Events, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	ch := &Channel{
		callID: callID,
		conn:   conn,
		log:    log.Named("signaling").With(zap.String("call_id", callID)),
		events: events,
		done:   make(chan struct{}),
	}
	ch.open.Store(true)
	return ch
}

// CallID returns the call this channel is bound to.
func (c *Channel) CallID() string { return c.callID }

// IsOpen reports whether the underlying socket is still usable.
func (c *Channel) IsOpen() bool { return c.open.Load() && !c.closed.Load() }

// Done is closed when the read loop exits.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Start launches the read loop.
func (c *Channel) Start() {
	go c.readLoop()
}

func (c *Channel) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.open.Store(false)
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("signaling read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(raw)
	}
}

// dispatch decodes one inbound frame. Unknown and malformed payloads are
// dropped; the channel itself never dies on bad input.
func (c *Channel) dispatch(raw []byte) {
	if c.detached.Load() {
		return
	}

	msg, err := Decode(raw)
	if err != nil {
		var unknown *ErrUnknownType
		if errors.As(err, &unknown) {
			c.log.Debug("dropping unknown signaling message", zap.String("type", unknown.Type))
		} else {
			c.log.Warn("dropping malformed signaling message", zap.Error(err))
		}
		return
	}

	c.eventsMu.RLock()
	ev := c.events
	c.eventsMu.RUnlock()

	switch m := msg.(type) {
	case Offer:
		if ev.OnOffer != nil {
			ev.OnOffer(m)
		}
	case Answer:
		if ev.OnAnswer != nil {
			ev.OnAnswer(m)
		}
	case ICECandidate:
		if ev.OnCandidate != nil {
			ev.OnCandidate(m)
		}
	case CallAccepted:
		if ev.OnCallAccepted != nil {
			ev.OnCallAccepted(m)
		}
	case CallEnded:
		if ev.OnCallEnded != nil {
			ev.OnCallEnded(m)
		}
	}
}

// Send writes one message if the socket is open. Writes while not open are
// dropped, not queued; a reconnecting orchestrator re-derives fresh state
// instead of replaying stale negotiation messages.
func (c *Channel) Send(msg Message) error {
	if !c.IsOpen() {
		return callerr.New(callerr.KindTransportUnavailable, "signaling.send",
			fmt.Errorf("channel for call %s is not open", c.callID))
	}

	data, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode signaling message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.open.Store(false)
		return callerr.New(callerr.KindTransportUnavailable, "signaling.send", err)
	}
	return nil
}

// Detach stops delivering inbound events without closing the socket. Used
// during teardown so a coordinator being destroyed stops receiving traffic
// before the socket goes away.
func (c *Channel) Detach() {
	c.detached.Store(true)
}

// Close detaches all listeners and then closes the underlying socket.
// Idempotent.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.Detach()
	c.open.Store(false)
	return c.conn.Close()
}

// Ping measures socket round-trip liveness with a control frame. Purely
// observational.
func (c *Channel) Ping(timeout time.Duration) (time.Duration, error) {
	if !c.IsOpen() {
		return 0, callerr.New(callerr.KindTransportUnavailable, "signaling.ping", nil)
	}
	start := time.Now()
	if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Dial opens the per-call signaling socket. The call id and auth credential
// travel as query parameters.
func Dial(ctx context.Context, endpoint, callID, token string, timeout time.Duration) (*websocket.Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling endpoint: %w", err)
	}
	q := u.Query()
	q.Set("callId", callID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, callerr.New(callerr.KindTransportUnavailable, "signaling.dial", err)
	}
	return conn, nil
}
