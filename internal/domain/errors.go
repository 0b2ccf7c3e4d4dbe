package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCallActive       = errors.New("a call is already active")
	ErrNoCall           = errors.New("no active call")
	ErrInvalidState     = errors.New("operation not valid in current call state")
	ErrNoHandle         = errors.New("no negotiation handle")
	ErrHandleClosed     = errors.New("negotiation handle closed")
	ErrVideoUnavailable = errors.New("video capture unavailable")
	ErrNotConnected     = errors.New("signaling transport not connected")
)

// MediaAccessError means no usable capture device could be opened.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// InitiationError means the call-initiate request was refused.
type InitiationError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *InitiationError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("initiate call: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("initiate call: http %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("initiate call: %s", e.Message)
	}
}

func (e *InitiationError) Unwrap() error { return e.Err }

// TargetBusyError means the requested staff member is on another call.
// It is user-recoverable and not a failure of this client.
type TargetBusyError struct {
	StaffID string
}

func (e *TargetBusyError) Error() string {
	return fmt.Sprintf("staff %s is busy", e.StaffID)
}

// NegotiationError wraps a failure to create or apply a description or candidate.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// IdentityMismatchError means a signaling message came from someone other
// than the expected counterpart. It is logged and dropped.
type IdentityMismatchError struct {
	Event    string
	Expected string
	Got      string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("%s from %q, expected %q", e.Event, e.Got, e.Expected)
}

// TimeoutError is an expected bounded wait running out.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}
