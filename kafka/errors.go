package kafka

import "errors"

var (
	ErrFetchTimeout = errors.New("fetch timed out")
	ErrNotAssigned  = errors.New("partition not assigned")
	ErrClientClosed = errors.New("client closed")
	ErrNoGroup      = errors.New("no consumer group configured")
	// ErrWrongMode is returned when Subscribe is used on a manually assigned
	// client or Assign on a group client.
	ErrWrongMode = errors.New("operation not supported in this consumption mode")
)
