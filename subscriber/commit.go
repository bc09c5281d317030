package subscriber

import (
	"context"
	"strconv"
	"time"

	"github.com/hugolhafner/go-subscriber/kafka"
	streamsotel "github.com/hugolhafner/go-subscriber/otel"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Commit durably stores the offset after the handle's message and frees its
// partition for the next fetch. On failure the partition is rewound so the
// message is delivered again, and Commit returns false. Without a consumer
// group nothing is stored and Commit only frees the partition.
func (s *Subscriber) Commit(ctx context.Context, h *AckHandle) bool {
	if h == nil || !h.spend() {
		s.logger.Warn("Commit called with a spent handle", "handle", h)
		return false
	}

	tp := h.partition
	if !s.inflight.Holds(h) {
		s.logger.Warn(
			"Commit called for a message no longer in flight, partition was reassigned",
			"topic", tp.Topic, "partition", tp.Partition, "offset", h.offset.Offset,
		)
		return false
	}
	defer s.release(h)

	if s.broker.GroupID() == "" {
		s.logger.Debug("No consumer group, releasing without commit", "partition", tp, "offset", h.offset.Offset)
		return true
	}

	start := time.Now()
	err := s.broker.CommitOffsets(
		ctx, map[kafka.TopicPartition]kafka.Offset{
			tp: {Offset: h.offset.Offset + 1, LeaderEpoch: h.offset.LeaderEpoch},
		},
	)

	status := streamsotel.StatusSuccess
	if err != nil {
		status = streamsotel.StatusFailed
	}
	attrs := metric.WithAttributes(
		semconv.MessagingDestinationName(tp.Topic),
		semconv.MessagingDestinationPartitionID(strconv.FormatInt(int64(tp.Partition), 10)),
		streamsotel.AttrCommitStatus.String(status),
	)
	s.telemetry.CommitDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	s.telemetry.Commits.Add(ctx, 1, attrs)

	if err != nil {
		s.logger.Error(
			"Commit failed, message will be redelivered",
			"error", err, "topic", tp.Topic, "partition", tp.Partition, "offset", h.offset.Offset,
		)
		s.broker.Seek(tp, h.offset)
		s.countRedelivery(ctx, tp, streamsotel.RedeliveryCommitFailed)
		return false
	}

	s.logger.Debug("Committed", "topic", tp.Topic, "partition", tp.Partition, "offset", h.offset.Offset)
	return true
}

// Rollback rewinds the handle's partition so the message is delivered again
// and frees the partition. Nothing is committed.
func (s *Subscriber) Rollback(ctx context.Context, h *AckHandle) {
	if h == nil || !h.spend() {
		s.logger.Warn("Rollback called with a spent handle", "handle", h)
		return
	}

	tp := h.partition
	if !s.inflight.Holds(h) {
		s.logger.Warn(
			"Rollback called for a message no longer in flight, partition was reassigned",
			"topic", tp.Topic, "partition", tp.Partition, "offset", h.offset.Offset,
		)
		return
	}

	s.broker.Seek(tp, h.offset)
	s.release(h)
	s.countRedelivery(ctx, tp, streamsotel.RedeliveryRollback)

	s.logger.Debug("Rolled back", "topic", tp.Topic, "partition", tp.Partition, "offset", h.offset.Offset)
}

func (s *Subscriber) release(h *AckHandle) {
	if s.inflight.Release(h) {
		s.telemetry.InFlight.Add(context.Background(), -1)
	}
}

func (s *Subscriber) countRedelivery(ctx context.Context, tp kafka.TopicPartition, reason string) {
	s.telemetry.Redeliveries.Add(
		ctx, 1, metric.WithAttributes(
			semconv.MessagingDestinationName(tp.Topic),
			streamsotel.AttrRedeliveryKind.String(reason),
		),
	)
}
