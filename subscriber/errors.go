package subscriber

import "errors"

var (
	// ErrConnection is returned by Start when the broker stayed unreachable
	// for every reconnect attempt.
	ErrConnection = errors.New("broker unreachable")
	// ErrUnexpectedTermination is reported by Err when the fetch loop died
	// without being stopped.
	ErrUnexpectedTermination = errors.New("fetch loop terminated unexpectedly")
	// ErrRequestTimeout is returned by RequestNext when no message was
	// delivered before the deadline.
	ErrRequestTimeout = errors.New("no message delivered before deadline")
	ErrStopped        = errors.New("subscriber stopped")
	ErrNotStarted     = errors.New("subscriber not started")
	ErrAlreadyStarted = errors.New("subscriber already started")
	// ErrDecode is returned by Typed when a payload could not be decoded and
	// the error handler chose to fail.
	ErrDecode = errors.New("decode message")
)
