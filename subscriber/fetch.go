package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hugolhafner/go-subscriber/errorhandler"
	"github.com/hugolhafner/go-subscriber/kafka"
	streamsotel "github.com/hugolhafner/go-subscriber/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// startFetchingLocked replaces the running fetch loop. The new loop waits for
// the previous one to exit so two loops never fetch at once. s.mu must be
// held.
func (s *Subscriber) startFetchingLocked() {
	s.stopFetchingLocked()

	ctx, cancel := context.WithCancel(s.runCtx)
	prev := s.fetchDone
	done := make(chan struct{})
	s.fetchCancel = cancel
	s.fetchDone = done

	go s.runFetchLoop(ctx, prev, done)
}

func (s *Subscriber) stopFetchingLocked() {
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
}

// waitFetchStopped blocks until the most recent fetch loop has exited.
func (s *Subscriber) waitFetchStopped(ctx context.Context) error {
	s.mu.Lock()
	done := s.fetchDone
	s.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscriber) runFetchLoop(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)

	if prev != nil {
		<-prev
	}

	s.logger.Debug("Fetch loop started")
	for {
		err := s.fetchLoop(ctx)
		if ctx.Err() != nil {
			s.logger.Debug("Fetch loop stopped")
			return
		}

		if err != nil {
			s.terminate(err)
			return
		}
		s.logger.Error("Fetch loop exited while running, restarting")
	}
}

func (s *Subscriber) fetchLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrUnexpectedTermination, r)
		}
	}()

	attempt := 0
	for ctx.Err() == nil {
		assignment := s.broker.Assignment()
		if dropped := s.inflight.Prune(assignment); len(dropped) > 0 {
			s.telemetry.InFlight.Add(ctx, -int64(len(dropped)))
			s.logger.Debug("Released in-flight partitions no longer assigned", "partitions", dropped)
		}

		s.inflight.Clear()
		active := s.inflight.Active(assignment)
		if len(active) == 0 {
			s.inflight.WaitFreed(ctx, s.config.IdleWait)
			continue
		}

		record, err := s.fetchOne(ctx, active)
		switch {
		case err == nil:
			attempt = 0
			s.dispatch(ctx, record)
		case errors.Is(err, errFreed), errors.Is(err, kafka.ErrFetchTimeout):
			attempt = 0
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, kafka.ErrClientClosed):
			return fmt.Errorf("%w: %w", ErrUnexpectedTermination, err)
		default:
			attempt++
			action := s.errorHandler.Handle(
				ctx, errorhandler.NewFetchErrorContext(err, active).WithAttempt(attempt),
			)
			if ctx.Err() != nil {
				return nil
			}

			switch action.Type() {
			case errorhandler.ActionTypeFail:
				return fmt.Errorf("%w: %w", ErrUnexpectedTermination, err)
			case errorhandler.ActionTypeContinue:
				attempt = 0
			case errorhandler.ActionTypeRetry:
			}
		}
	}

	return nil
}

// fetchOne fetches a single record from active. A partition freed by Commit
// or Rollback mid-fetch aborts the call with errFreed so the next fetch can
// include it.
func (s *Subscriber) fetchOne(ctx context.Context, active []kafka.TopicPartition) (kafka.ConsumerRecord, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	watched := make(chan bool, 1)
	go func() {
		select {
		case <-s.inflight.Freed():
			cancel()
			watched <- true
		case <-stop:
			watched <- false
		}
	}()

	start := time.Now()
	record, err := s.broker.FetchOne(fetchCtx, active)
	close(stop)
	freed := <-watched

	status := streamsotel.StatusSuccess
	switch {
	case err == nil:
	case errors.Is(err, kafka.ErrFetchTimeout):
		status = streamsotel.StatusTimeout
	default:
		status = streamsotel.StatusError
	}
	s.telemetry.FetchDuration.Record(
		ctx, time.Since(start).Seconds(), metric.WithAttributes(
			streamsotel.AttrFetchStatus.String(status),
		),
	)

	if err != nil && freed && ctx.Err() == nil {
		return kafka.ConsumerRecord{}, errFreed
	}
	return record, err
}

// dispatch marks the record's partition in flight and offers it to a waiting
// requester. Unclaimed records are sought back and their partition freed.
func (s *Subscriber) dispatch(ctx context.Context, record kafka.ConsumerRecord) {
	tp := record.TopicPartition()
	h := newAckHandle(record)

	if !s.inflight.Acquire(h) {
		s.logger.Warn(
			"Fetched from a partition already in flight, seeking back",
			"topic", tp.Topic, "partition", tp.Partition, "offset", record.Offset,
		)
		s.broker.Seek(tp, record.Position())
		return
	}
	s.telemetry.InFlight.Add(ctx, 1)

	partitionID := strconv.FormatInt(int64(tp.Partition), 10)
	attrs := metric.WithAttributes(
		semconv.MessagingDestinationName(tp.Topic),
		semconv.MessagingDestinationPartitionID(partitionID),
	)
	s.telemetry.MessagesConsumed.Add(ctx, 1, attrs)
	s.telemetry.MessageSize.Record(ctx, int64(record.Size()), attrs)

	_, span := s.telemetry.Tracer.Start(
		s.telemetry.Extract(ctx, record), tp.Topic+" receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationTypeReceive,
			semconv.MessagingDestinationName(tp.Topic),
			semconv.MessagingDestinationPartitionID(partitionID),
			semconv.MessagingKafkaOffsetKey.Int64(record.Offset),
			semconv.MessagingConsumerGroupName(s.broker.GroupID()),
			semconv.MessagingMessageBodySize(len(record.Value)),
		),
	)
	defer span.End()

	m := &Message{
		Record:     record,
		Handle:     h,
		ReceivedAt: time.Now(),
		tel:        s.telemetry,
	}

	if s.delivery.offer(ctx, m, s.config.PollInterval/2) {
		return
	}

	span.SetStatus(codes.Error, "unclaimed")
	s.logger.Debug("No requester claimed message, seeking back", "topic", tp.Topic, "partition", tp.Partition, "offset", record.Offset)

	s.broker.Seek(tp, h.offset)
	s.release(h)
	s.countRedelivery(ctx, tp, streamsotel.RedeliveryUnclaimed)
}
