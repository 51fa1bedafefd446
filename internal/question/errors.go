package question

import "errors"

var (
	// ErrNotReady is returned when the transport cannot currently send. Callers may retry later.
	ErrNotReady = errors.New("transport not ready")

	// ErrSendFailed wraps the transport's own error when the outbound question was rejected.
	ErrSendFailed = errors.New("send failed")

	// ErrTimeout is returned when no qualifying reply arrived within the wait window.
	ErrTimeout = errors.New("timed out waiting for reply")

	// ErrEmptyQuestion is returned for a blank question; nothing is sent.
	ErrEmptyQuestion = errors.New("question is required")

	// ErrInvariantViolation marks a state transition that the store's claim discipline
	// should make impossible, such as inserting a duplicate id.
	ErrInvariantViolation = errors.New("internal invariant violation")
)
