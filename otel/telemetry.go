package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/hugolhafner/go-subscriber"

// Telemetry holds all OpenTelemetry instruments for the subscriber
// When no providers are configured, all instruments are noops with zero overhead
type Telemetry struct {
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator

	// Delivery metrics
	MessagesConsumed metric.Int64Counter
	MessageSize      metric.Int64Histogram
	FetchDuration    metric.Float64Histogram
	Redeliveries     metric.Int64Counter

	// Commit metrics
	CommitDuration metric.Float64Histogram
	Commits        metric.Int64Counter

	// Partition state metrics
	InFlight   metric.Int64UpDownCounter
	Rebalances metric.Int64Counter
}

// NewTelemetry creates a Telemetry instance from the given providers.
// all providers are optional and defaulted to noops if nil
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) (
	*Telemetry, error,
) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	if prop == nil {
		prop = propagation.TraceContext{}
	}

	tracer := tp.Tracer(scopeName)
	meter := mp.Meter(scopeName)

	messagesConsumed, err := meter.Int64Counter(
		"messaging.consumer.messages",
		metric.WithDescription("Records delivered to the application"),
	)
	if err != nil {
		return nil, err
	}

	messageSize, err := meter.Int64Histogram(
		"subscriber.message.size",
		metric.WithDescription("Key and value bytes per delivered record"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	fetchDuration, err := meter.Float64Histogram(
		"subscriber.fetch.duration",
		metric.WithDescription("Time per single-record fetch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	redeliveries, err := meter.Int64Counter(
		"subscriber.redeliveries",
		metric.WithDescription("Records sought back for redelivery"),
	)
	if err != nil {
		return nil, err
	}

	commitDuration, err := meter.Float64Histogram(
		"subscriber.commit.duration",
		metric.WithDescription("Time per offset commit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	commits, err := meter.Int64Counter(
		"subscriber.commits",
		metric.WithDescription("Offset commits by outcome"),
	)
	if err != nil {
		return nil, err
	}

	inFlight, err := meter.Int64UpDownCounter(
		"subscriber.inflight",
		metric.WithDescription("Partitions with a delivered, unacknowledged record"),
	)
	if err != nil {
		return nil, err
	}

	rebalances, err := meter.Int64Counter(
		"subscriber.rebalances",
		metric.WithDescription("Partition assignment changes"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:           tracer,
		Propagator:       prop,
		MessagesConsumed: messagesConsumed,
		MessageSize:      messageSize,
		FetchDuration:    fetchDuration,
		Redeliveries:     redeliveries,
		CommitDuration:   commitDuration,
		Commits:          commits,
		InFlight:         inFlight,
		Rebalances:       rebalances,
	}, nil
}

// Noop returns a Telemetry instance with all noop instruments
func Noop() *Telemetry {
	t, _ := NewTelemetry(nil, nil, nil)
	return t
}
