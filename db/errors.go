package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrThreadNotFound indicates that a thread was not found in the database
	ErrThreadNotFound = errors.New("thread not found")

	// ErrMessageNotFound indicates that a message was not found in the database
	ErrMessageNotFound = errors.New("message not found")

	// ErrUnmatchedNotFound indicates that an unmatched email does not exist or
	// has already been resolved
	ErrUnmatchedNotFound = errors.New("unmatched email not found")

	// ErrCourseNotFound indicates that no course matched the lookup
	ErrCourseNotFound = errors.New("course not found")

	// ErrAmbiguousCourse indicates that more than one course matched a contact
	// address lookup
	ErrAmbiguousCourse = errors.New("ambiguous course match")

	// ErrSettingsOutOfRange indicates an alert settings update with a threshold
	// outside the allowed bounds
	ErrSettingsOutOfRange = errors.New("alert threshold out of range")
)
