package subscriber

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/hugolhafner/go-subscriber/otel"
)

// Message is a record delivered by RequestNext. Exactly one of Commit or
// Rollback must be called with its Handle before the partition it came from
// delivers again.
type Message struct {
	Record     kafka.ConsumerRecord
	Handle     *AckHandle
	ReceivedAt time.Time

	tel *otel.Telemetry
}

// Context returns ctx carrying the producer's span context propagated in the
// record headers.
func (m *Message) Context(ctx context.Context) context.Context {
	if m.tel == nil {
		return ctx
	}
	return m.tel.Extract(ctx, m.Record)
}

// AckHandle identifies a delivered message for Commit or Rollback. It is
// spent by the first of either.
type AckHandle struct {
	partition kafka.TopicPartition
	offset    kafka.Offset
	spent     atomic.Bool
}

func newAckHandle(r kafka.ConsumerRecord) *AckHandle {
	return &AckHandle{partition: r.TopicPartition(), offset: r.Position()}
}

func (h *AckHandle) Partition() kafka.TopicPartition {
	return h.partition
}

func (h *AckHandle) Offset() int64 {
	return h.offset.Offset
}

func (h *AckHandle) Spent() bool {
	return h.spent.Load()
}

func (h *AckHandle) spend() bool {
	return h.spent.CompareAndSwap(false, true)
}
