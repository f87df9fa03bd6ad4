// Package notify listens on the per-user notification socket for call
// events: an incoming call ringing, or the remote side accepting, rejecting
// or ending a call. It is the only inbound path that exists before a call's
// own signaling channel is up.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curevia/telecall/internal/api"
	"github.com/curevia/telecall/internal/config"
)

const (
	kindConnectionEstablished = "connection-established"
	kindIncomingCall          = "incoming_call"
	kindCallAccepted          = "call_accepted"
	kindCallRejected          = "call_rejected"
	kindCallEnded             = "call_ended"
)

// envelope is the notification wire format. incoming_call carries the full
// call record; terminal events carry only the call id.
type envelope struct {
	Type   string    `json:"type"`
	Call   *api.Call `json:"call,omitempty"`
	CallID string    `json:"callId,omitempty"`
}

// Handlers receive decoded notifications. The notifier de-duplicates
// incoming_call by call id; everything else is delivered as-is and the
// lifecycle machine decides whether an event concerns its current call.
type Handlers struct {
	OnIncomingCall func(api.Call)
	OnCallAccepted func(callID string)
	OnCallRejected func(callID string)
	OnCallEnded    func(callID string)
}

// Conn is the read side of a websocket, satisfied by *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Notifier maintains the per-user notification channel.
type Notifier struct {
	endpoint string
	token    string
	timeout  time.Duration
	retry    config.RetryPolicy
	handlers Handlers
	seen     *seenRing
	log      *zap.Logger
}

func New(cfg *config.Config, handlers Handlers, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		endpoint: cfg.NotifyURL,
		token:    cfg.AuthToken,
		timeout:  cfg.DialTimeout,
		retry:    cfg.RequestRetry,
		handlers: handlers,
		seen:     newSeenRing(32),
		log:      log.Named("notify"),
	}
}

// Listen dials the notification socket and processes events until ctx is
// cancelled, redialing with backoff after every disconnect. Missed events
// during a gap are not replayed; the caller reconciles against the backend
// instead.
func (n *Notifier) Listen(ctx context.Context) error {
	for {
		conn, err := n.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to connect notification channel: %w", err)
		}

		n.log.Info("notification channel connected")
		err = n.Run(ctx, conn)
		conn.Close() //nolint:errcheck
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.log.Warn("notification channel dropped, reconnecting", zap.Error(err))
	}
}

func (n *Notifier) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(n.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid notification endpoint: %w", err)
	}
	if n.token != "" {
		q := u.Query()
		q.Set("token", n.token)
		u.RawQuery = q.Encode()
	}

	var conn *websocket.Conn
	operation := func() error {
		dialer := websocket.Dialer{HandshakeTimeout: n.timeout}
		c, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			n.log.Debug("notification dial failed, will retry", zap.Error(err))
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(n.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (n *Notifier) newBackOff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if n.retry.BaseDelay > 0 {
		ebo.InitialInterval = n.retry.BaseDelay
	}
	if n.retry.Multiplier > 0 {
		ebo.Multiplier = n.retry.Multiplier
	}
	// MaxAttempts of 0 means a single try; the subtraction must not wrap.
	if n.retry.MaxAttempts > 0 {
		return backoff.WithMaxRetries(ebo, n.retry.MaxAttempts-1)
	}
	return backoff.WithMaxRetries(ebo, 0)
}

// Run processes events from one bound connection until it fails or ctx is
// cancelled.
func (n *Notifier) Run(ctx context.Context, conn Conn) error {
	done := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			n.dispatch(raw)
		}
	}()

	select {
	case <-ctx.Done():
		conn.Close() //nolint:errcheck
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (n *Notifier) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		n.log.Warn("dropping malformed notification", zap.Error(err))
		return
	}

	switch env.Type {
	case kindConnectionEstablished:
		n.log.Debug("notification channel acknowledged")

	case kindIncomingCall:
		if env.Call == nil || env.Call.ID == "" {
			n.log.Warn("dropping incoming_call without call record")
			return
		}
		// The backend may redeliver the same ring over a reconnect.
		if !n.seen.Add(env.Call.ID) {
			n.log.Debug("suppressing duplicate incoming call", zap.String("call_id", env.Call.ID))
			return
		}
		n.log.Info("incoming call",
			zap.String("call_id", env.Call.ID),
			zap.String("caller_id", env.Call.CallerID))
		if n.handlers.OnIncomingCall != nil {
			n.handlers.OnIncomingCall(*env.Call)
		}

	case kindCallAccepted:
		if env.CallID != "" && n.handlers.OnCallAccepted != nil {
			n.handlers.OnCallAccepted(env.CallID)
		}

	case kindCallRejected:
		if env.CallID != "" && n.handlers.OnCallRejected != nil {
			n.handlers.OnCallRejected(env.CallID)
		}

	case kindCallEnded:
		if env.CallID != "" && n.handlers.OnCallEnded != nil {
			n.handlers.OnCallEnded(env.CallID)
		}

	default:
		n.log.Debug("dropping unknown notification", zap.String("type", env.Type))
	}
}

// seenRing remembers the last n call ids delivered as incoming calls.
type seenRing struct {
	mu   sync.Mutex
	ids  []string
	next int
}

func newSeenRing(capacity int) *seenRing {
	return &seenRing{ids: make([]string, 0, capacity)}
}

// Add records id and reports whether it was new.
func (r *seenRing) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, seen := range r.ids {
		if seen == id {
			return false
		}
	}
	if len(r.ids) < cap(r.ids) {
		r.ids = append(r.ids, id)
	} else {
		r.ids[r.next] = id
		r.next = (r.next + 1) % cap(r.ids)
	}
	return true
}
