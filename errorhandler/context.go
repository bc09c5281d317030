package errorhandler

import (
	"github.com/hugolhafner/go-subscriber/kafka"
)

// ErrorContext provides context about an error that occurred while consuming.
// It contains all the information a handler needs to make a decision about
// how to handle the error.
type ErrorContext struct {
	// Error is the error that occurred.
	Error error

	// Attempt is current attempt number, 1 indexed. Consecutive failures of
	// the same operation increment it.
	Attempt int

	// Phase indicates where the error occurred.
	Phase ErrorPhase

	// Partitions the failing fetch was issued for. Empty outside PhaseFetch.
	Partitions []kafka.TopicPartition

	// Record that could not be decoded. Zero outside PhaseDecode.
	Record kafka.ConsumerRecord
}

// NewFetchErrorContext describes a failed fetch over partitions.
func NewFetchErrorContext(err error, partitions []kafka.TopicPartition) ErrorContext {
	return ErrorContext{
		Error:      err,
		Attempt:    1,
		Phase:      PhaseFetch,
		Partitions: append([]kafka.TopicPartition(nil), partitions...),
	}
}

// NewDecodeErrorContext describes a delivered record whose payload could not
// be decoded.
func NewDecodeErrorContext(record kafka.ConsumerRecord, err error) ErrorContext {
	return ErrorContext{
		Error:   err,
		Attempt: 1,
		Phase:   PhaseDecode,
		Record:  record.Copy(),
	}
}

func (ec ErrorContext) WithError(err error) ErrorContext {
	ec.Error = err
	return ec
}

func (ec ErrorContext) WithAttempt(attempt int) ErrorContext {
	ec.Attempt = attempt
	return ec
}

func (ec ErrorContext) WithPhase(phase ErrorPhase) ErrorContext {
	ec.Phase = phase
	return ec
}

func (ec ErrorContext) IncrementAttempt() ErrorContext {
	ec.Attempt++
	return ec
}

func (ec ErrorContext) logFields() []any {
	kv := []any{
		"error", ec.Error,
		"phase", ec.Phase.String(),
		"attempt", ec.Attempt,
	}

	switch ec.Phase {
	case PhaseFetch:
		kv = append(kv, "partitions", ec.Partitions)
	case PhaseDecode:
		kv = append(
			kv,
			"key", ec.Record.Key,
			"topic", ec.Record.Topic,
			"partition", ec.Record.Partition,
			"offset", ec.Record.Offset,
		)
	case PhaseUnknown:
	default:
	}

	return kv
}
