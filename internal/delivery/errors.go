package delivery

import "errors"

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the notification's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStaleDispatch is returned when a dispatch result arrives after the
	// notification was cancelled, read or re-dispatched.
	ErrStaleDispatch = errors.New("stale dispatch result")
)
