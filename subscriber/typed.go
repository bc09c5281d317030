package subscriber

import (
	"context"
	"fmt"
	"time"

	"github.com/hugolhafner/go-subscriber/errorhandler"
	"github.com/hugolhafner/go-subscriber/serde"
)

// TypedMessage is a Message with its value decoded.
type TypedMessage[V any] struct {
	*Message
	Value V
}

// Typed decodes message values before handing them out. Messages that fail
// to decode are passed to the decode error handler: Continue commits past
// them, Retry rolls them back for redelivery and Fail rolls them back and
// returns ErrDecode.
type Typed[V any] struct {
	*Subscriber

	deserialiser serde.Deserialiser[V]
	handler      errorhandler.Handler
}

// NewTyped wraps s. A nil handler logs and fails on the first bad payload.
func NewTyped[V any](s *Subscriber, d serde.Deserialiser[V], handler errorhandler.Handler) *Typed[V] {
	if handler == nil {
		handler = errorhandler.LogAndFail(s.logger)
	}

	return &Typed[V]{
		Subscriber:   s,
		deserialiser: d,
		handler:      errorhandler.NewPhaseRouter(nil, nil, handler),
	}
}

// RequestNext waits for the next message that decodes. Skipped and retried
// messages count against the same timeout.
func (t *Typed[V]) RequestNext(ctx context.Context, timeout time.Duration) (*TypedMessage[V], error) {
	if timeout <= 0 {
		timeout = t.config.RequestTimeout
	}
	deadline := time.Now().Add(timeout)

	attempt := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrRequestTimeout
		}

		m, err := t.Subscriber.RequestNext(ctx, remaining)
		if err != nil {
			return nil, err
		}

		value, err := t.deserialiser.Deserialise(m.Record.Topic, m.Record.Value)
		if err == nil {
			return &TypedMessage[V]{Message: m, Value: value}, nil
		}

		attempt++
		ec := errorhandler.NewDecodeErrorContext(m.Record, err).WithAttempt(attempt)
		action := t.handler.Handle(ctx, ec)

		switch action.Type() {
		case errorhandler.ActionTypeContinue:
			t.Commit(ctx, m.Handle)
			attempt = 0
		case errorhandler.ActionTypeRetry:
			t.Rollback(ctx, m.Handle)
		case errorhandler.ActionTypeFail:
			t.Rollback(ctx, m.Handle)
			return nil, fmt.Errorf(
				"%w: %s offset %d: %w", ErrDecode, m.Handle.Partition(), m.Handle.Offset(), err,
			)
		}
	}
}
