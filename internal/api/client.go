// Package api talks to the telecall backend's REST surface: creating,
// accepting, rejecting and ending call records. Media and signaling never
// flow through here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/curevia/telecall/internal/callerr"
	"github.com/curevia/telecall/internal/config"
	"github.com/curevia/telecall/internal/media"
)

// ErrNoActiveCall is returned by ActiveCall when the backend has no live
// call for this user.
var ErrNoActiveCall = errors.New("no active call")

// Call is the backend's record of one call.
type Call struct {
	ID             string         `json:"id"`
	ConsultationID string         `json:"consultationId"`
	CallerID       string         `json:"callerId"`
	ReceiverID     string         `json:"receiverId"`
	CallType       media.CallType `json:"callType"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// CallService is the call-record operations the lifecycle machine needs.
type CallService interface {
	CreateCall(ctx context.Context, consultationID, receiverID string, callType media.CallType) (*Call, error)
	AcceptCall(ctx context.Context, callID string) (*Call, error)
	RejectCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID string) error
	ActiveCall(ctx context.Context) (*Call, error)
}

// Client implements CallService over HTTP with bearer auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   config.RetryPolicy
	log     *zap.Logger
}

var _ CallService = (*Client)(nil)

func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.APIBaseURL,
		token:   cfg.AuthToken,
		http:    &http.Client{Timeout: cfg.DialTimeout},
		retry:   cfg.RequestRetry,
		log:     log.Named("api"),
	}
}

type createCallRequest struct {
	ConsultationID string         `json:"consultationId"`
	ReceiverID     string         `json:"receiverId"`
	CallType       media.CallType `json:"callType"`
}

// CreateCall registers a new outgoing call and returns its record. Not
// retried: a timeout here is ambiguous and a duplicate call record is worse
// than a failed attempt.
func (c *Client) CreateCall(ctx context.Context, consultationID, receiverID string, callType media.CallType) (*Call, error) {
	body := createCallRequest{ConsultationID: consultationID, ReceiverID: receiverID, CallType: callType}
	var call Call
	if err := c.do(ctx, http.MethodPost, "/calls", body, &call); err != nil {
		return nil, err
	}
	c.log.Info("call created", zap.String("call_id", call.ID), zap.String("receiver_id", receiverID))
	return &call, nil
}

func (c *Client) AcceptCall(ctx context.Context, callID string) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodPost, "/calls/"+callID+"/accept", nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

func (c *Client) RejectCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, "/calls/"+callID+"/reject", nil, nil)
}

func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, "/calls/"+callID+"/end", nil, nil)
}

// ActiveCall asks the backend whether this user has a live call, used to
// reconcile state after a restart or reconnect. Read-only, so it retries
// with backoff on transient failures.
func (c *Client) ActiveCall(ctx context.Context) (*Call, error) {
	var call Call
	operation := func() error {
		err := c.do(ctx, http.MethodGet, "/calls/active", nil, &call)
		if errors.Is(err, ErrNoActiveCall) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return &call, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if c.retry.BaseDelay > 0 {
		ebo.InitialInterval = c.retry.BaseDelay
	}
	if c.retry.Multiplier > 0 {
		ebo.Multiplier = c.retry.Multiplier
	}
	// MaxAttempts of 0 means a single try; the subtraction must not wrap.
	if c.retry.MaxAttempts > 0 {
		return backoff.WithMaxRetries(ebo, c.retry.MaxAttempts-1)
	}
	return backoff.WithMaxRetries(ebo, 0)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return callerr.New(callerr.KindTransportUnavailable, "api."+method+" "+path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && path == "/calls/active":
		return ErrNoActiveCall
	case resp.StatusCode >= 500:
		return callerr.New(callerr.KindTransportUnavailable, "api."+method+" "+path,
			fmt.Errorf("server returned %s", resp.Status))
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("api request %s %s failed: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
