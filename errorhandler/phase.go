package errorhandler

import (
	"context"
)

// ErrorPhase indicates where an error occurred
type ErrorPhase int

const (
	PhaseUnknown ErrorPhase = iota // zero value - uninitialized phase
	PhaseFetch                     // error fetching from the broker
	PhaseDecode                    // error decoding a delivered payload
)

func (p ErrorPhase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhaseFetch:
		return "fetch"
	case PhaseDecode:
		return "decode"
	default:
		return "unknown"
	}
}

var _ Handler = (*PhaseRouter)(nil)

type PhaseRouter struct {
	handler       Handler
	fetchHandler  Handler
	decodeHandler Handler
}

// NewPhaseRouter creates a new PhaseRouter with the provided handlers for each phase.
// If a handler for a specific phase is nil, the router will fall back to the default handler.
// If the default handler is unset, defaults to SilentFail, which fails without logging at the error handler level.
func NewPhaseRouter(handler Handler, fetchHandler Handler, decodeHandler Handler) *PhaseRouter {
	if handler == nil {
		handler = SilentFail()
	}

	return &PhaseRouter{
		handler:       handler,
		fetchHandler:  fetchHandler,
		decodeHandler: decodeHandler,
	}
}

func (r *PhaseRouter) Handle(ctx context.Context, ec ErrorContext) Action {
	switch ec.Phase {
	case PhaseFetch:
		if r.fetchHandler != nil {
			return r.fetchHandler.Handle(ctx, ec)
		}
	case PhaseDecode:
		if r.decodeHandler != nil {
			return r.decodeHandler.Handle(ctx, ec)
		}
	case PhaseUnknown:
	default:
	}

	return r.handler.Handle(ctx, ec)
}
