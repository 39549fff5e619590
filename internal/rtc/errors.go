package rtc

import (
	"fmt"
	"time"
)

// AccessError reports a media permission or device failure. It is not
// retryable without user action and is surfaced immediately.
type AccessError struct {
	Device string
	Err    error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("media access denied for %s: %v", e.Device, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// NegotiationError reports an SDP exchange failure. It drives the
// manager's failure/retry path.
type NegotiationError struct {
	RemoteUserID string
	Stage        string // "offer", "answer", "candidate", "transport"
	Err          error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed at %s: %v", e.RemoteUserID, e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TimeoutError reports that no successful negotiation completed within
// the window. It is escalated to the caller as a connection failure
// with an explicit retry affordance.
type TimeoutError struct {
	RemoteUserID string
	Window       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no connection to %s within %v", e.RemoteUserID, e.Window)
}
