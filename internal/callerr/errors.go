package callerr

import (
	"errors"
	"fmt"
)

// Kind classifies a call-core failure. Device and negotiation kinds are
// surfaced to the UI; transport, stale, duplicate and malformed conditions
// are recovered locally and never shown to the user.
type Kind int

const (
	KindUnknown Kind = iota
	KindDeviceDenied
	KindDeviceNotFound
	KindDeviceBusy
	KindDeviceFailure
	KindNegotiationFailed
	KindTransportUnavailable
	KindStaleOperation
	KindDuplicateEvent
	KindMalformedMessage
)

func (k Kind) String() string {
	switch k {
	case KindDeviceDenied:
		return "device_denied"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindDeviceBusy:
		return "device_busy"
	case KindDeviceFailure:
		return "device_failure"
	case KindNegotiationFailed:
		return "negotiation_failed"
	case KindTransportUnavailable:
		return "transport_unavailable"
	case KindStaleOperation:
		return "stale_operation"
	case KindDuplicateEvent:
		return "duplicate_event"
	case KindMalformedMessage:
		return "malformed_message"
	default:
		return "unknown"
	}
}

// UserVisible reports whether this kind should reach the UI error callback.
func (k Kind) UserVisible() bool {
	switch k {
	case KindDeviceDenied, KindDeviceNotFound, KindDeviceBusy, KindDeviceFailure, KindNegotiationFailed:
		return true
	default:
		return false
	}
}

// UserMessage returns the human-readable message for user-visible kinds.
func (k Kind) UserMessage() string {
	switch k {
	case KindDeviceDenied:
		return "Camera or microphone access was denied. Please allow access and try again."
	case KindDeviceNotFound:
		return "No camera or microphone was found on this device."
	case KindDeviceBusy:
		return "The camera or microphone is in use by another application."
	case KindDeviceFailure:
		return "The camera or microphone could not be started."
	case KindNegotiationFailed:
		return "The call connection failed. Please check your network and try again."
	default:
		return "The call could not be completed."
	}
}

// CallError wraps an underlying failure with its classification and the
// operation that produced it.
type CallError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Is lets errors.Is match two CallErrors by kind, so sentinel comparisons
// like errors.Is(err, callerr.New(KindDeviceBusy, "", nil)) work.
func (e *CallError) Is(target error) bool {
	var ce *CallError
	if errors.As(target, &ce) {
		return ce.Kind == e.Kind
	}
	return false
}

// New builds a classified error. A nil underlying error is allowed.
func New(kind Kind, op string, err error) *CallError {
	return &CallError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from err, or KindUnknown when err is
// not a CallError.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
