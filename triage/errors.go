package triage

import "errors"

var (
	// ErrBusy indicates another mutation is in flight for the same thread
	// or unmatched email. Callers should retry.
	ErrBusy = errors.New("resource busy")

	// ErrInvalidTransition indicates the requested status change is not
	// allowed from the thread's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRawUnavailable indicates no archived original exists for a message,
	// either because archiving is disabled or the message was never
	// delivered as raw RFC 5322.
	ErrRawUnavailable = errors.New("raw message not archived")
)
