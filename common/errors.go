package common

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the runtime. Remote command failures are
// reported as *cdproto.Error values and are never fatal; only transport and
// decode failures terminate a connection.
var (
	// ErrConnectionClosed is returned for work submitted after the websocket
	// connection ended, and to every request that was still pending when it
	// ended.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout is returned to the caller of a command that received
	// no response within its deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNavigationTimeout is returned when a navigation did not complete
	// within its deadline.
	ErrNavigationTimeout = errors.New("navigation timed out")

	// ErrFrameNotFound is returned when a navigation refers to a frame that
	// is not (or no longer) tracked.
	ErrFrameNotFound = errors.New("frame not found")

	// ErrTargetClosed is returned when the target a request was bound to was
	// destroyed before the request finished.
	ErrTargetClosed = errors.New("target closed")
)

// DeadlineError reports that a command chain's awaited response did not
// arrive before its deadline.
type DeadlineError struct {
	Method   string
	Deadline time.Time
	Now      time.Time
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("deadline exceeded waiting for %q response (deadline: %s, now: %s)",
		e.Method, e.Deadline.Format(time.RFC3339Nano), e.Now.Format(time.RFC3339Nano))
}

// Is makes DeadlineError match ErrRequestTimeout in errors.Is chains.
func (e *DeadlineError) Is(target error) bool {
	return target == ErrRequestTimeout
}
