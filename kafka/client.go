package kafka

import (
	"context"
)

// Broker is the subset of a Kafka client the subscriber drives. Implementations
// own connection bootstrap, heartbeating and the group protocol.
type Broker interface {
	Consumer

	Ping(ctx context.Context) error
	GroupID() string
	Close()
}

type Consumer interface {
	// Subscribe replaces the group subscription with topics. The listener is
	// invoked around every rebalance that follows.
	Subscribe(topics []string, listener RebalanceListener) error
	// Assign replaces the manually assigned partitions. Partitions that were
	// already assigned keep their position.
	Assign(ctx context.Context, partitions []TopicPartition) error

	// FetchOne returns exactly one record from any of the given partitions.
	// It returns ErrFetchTimeout if nothing arrived within the broker's fetch
	// window.
	FetchOne(ctx context.Context, partitions []TopicPartition) (ConsumerRecord, error)
	CommitOffsets(ctx context.Context, offsets map[TopicPartition]Offset) error
	Seek(tp TopicPartition, offset Offset)
	SeekToEnd(ctx context.Context, partitions ...TopicPartition) error

	Assignment() []TopicPartition
	Subscription() []string
}

// RebalanceListener is invoked synchronously by the broker client around a
// group rebalance. Both callbacks must return promptly.
type RebalanceListener interface {
	OnPartitionsRevoked(ctx context.Context, partitions []TopicPartition)
	OnPartitionsAssigned(ctx context.Context, partitions []TopicPartition)
}
