//go:build unit

package errorhandler_test

import (
	"context"
	"testing"

	"github.com/hugolhafner/go-subscriber/errorhandler"
	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/stretchr/testify/require"
)

func TestErrorPhase_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		phase    errorhandler.ErrorPhase
		expected string
	}{
		{errorhandler.PhaseUnknown, "unknown"},
		{errorhandler.PhaseFetch, "fetch"},
		{errorhandler.PhaseDecode, "decode"},
		{errorhandler.ErrorPhase(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(
			tt.expected, func(t *testing.T) {
				t.Parallel()
				require.Equal(t, tt.expected, tt.phase.String())
			},
		)
	}
}

// actionHandler returns a handler that always returns the given action.
func actionHandler(a errorhandler.Action) errorhandler.Handler {
	return errorhandler.HandlerFunc(
		func(_ context.Context, _ errorhandler.ErrorContext) errorhandler.Action {
			return a
		},
	)
}

func ecWithPhase(phase errorhandler.ErrorPhase) errorhandler.ErrorContext {
	return errorhandler.ErrorContext{Attempt: 1}.WithPhase(phase)
}

func TestPhaseRouter_RoutesToFetchHandler(t *testing.T) {
	t.Parallel()
	router := errorhandler.NewPhaseRouter(
		actionHandler(errorhandler.ActionFail{}),
		actionHandler(errorhandler.ActionContinue{}), // fetch
		nil,
	)

	action := router.Handle(context.Background(), ecWithPhase(errorhandler.PhaseFetch))
	require.IsType(t, errorhandler.ActionContinue{}, action)
}

func TestPhaseRouter_RoutesToDecodeHandler(t *testing.T) {
	t.Parallel()
	router := errorhandler.NewPhaseRouter(
		actionHandler(errorhandler.ActionFail{}),
		nil,
		actionHandler(errorhandler.ActionRetry{}), // decode
	)

	action := router.Handle(context.Background(), ecWithPhase(errorhandler.PhaseDecode))
	require.IsType(t, errorhandler.ActionRetry{}, action)
}

func TestPhaseRouter_FallsBackToDefaultHandler(t *testing.T) {
	t.Parallel()
	router := errorhandler.NewPhaseRouter(
		actionHandler(errorhandler.ActionRetry{}), // default
		nil, nil,
	)

	tests := []errorhandler.ErrorPhase{
		errorhandler.PhaseUnknown,
		errorhandler.PhaseFetch,
		errorhandler.PhaseDecode,
	}

	for _, phase := range tests {
		t.Run(
			phase.String(), func(t *testing.T) {
				t.Parallel()
				action := router.Handle(context.Background(), ecWithPhase(phase))
				require.IsType(t, errorhandler.ActionRetry{}, action)
			},
		)
	}
}

func TestPhaseRouter_UnknownPhaseFallsBackToDefault(t *testing.T) {
	t.Parallel()
	router := errorhandler.NewPhaseRouter(
		actionHandler(errorhandler.ActionContinue{}),
		actionHandler(errorhandler.ActionFail{}),  // fetch - should NOT be selected
		actionHandler(errorhandler.ActionRetry{}), // decode
	)

	action := router.Handle(context.Background(), ecWithPhase(errorhandler.ErrorPhase(99)))
	require.IsType(t, errorhandler.ActionContinue{}, action)
}

func TestPhaseRouter_NilDefaultUsesSilentFail(t *testing.T) {
	t.Parallel()
	router := errorhandler.NewPhaseRouter(nil, nil, nil)

	action := router.Handle(context.Background(), ecWithPhase(errorhandler.PhaseFetch))
	require.IsType(t, errorhandler.ActionFail{}, action)
}

func TestPhaseRouter_PassesErrorContextToHandler(t *testing.T) {
	t.Parallel()
	var captured errorhandler.ErrorContext
	captureHandler := errorhandler.HandlerFunc(
		func(_ context.Context, ec errorhandler.ErrorContext) errorhandler.Action {
			captured = ec
			return errorhandler.ActionContinue{}
		},
	)

	router := errorhandler.NewPhaseRouter(
		actionHandler(errorhandler.ActionFail{}),
		nil,
		captureHandler, // decode
	)

	ec := errorhandler.NewDecodeErrorContext(
		kafka.ConsumerRecord{Topic: "test-topic", Partition: 3, Offset: 42}, nil,
	).WithAttempt(2)

	router.Handle(context.Background(), ec)

	require.Equal(t, "test-topic", captured.Record.Topic)
	require.Equal(t, int32(3), captured.Record.Partition)
	require.Equal(t, int64(42), captured.Record.Offset)
	require.Equal(t, 2, captured.Attempt)
	require.Equal(t, errorhandler.PhaseDecode, captured.Phase)
}
