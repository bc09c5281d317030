package subscriber

import (
	"context"
	"fmt"
	"slices"

	"github.com/hugolhafner/go-subscriber/kafka"
)

// NewAssign returns a Subscriber that consumes partition 0 of every topic it
// is subscribed to without joining a consumer group. When the broker has a
// group id, offsets are still committed and resumed from. Without one every
// newly added topic starts from its end.
func NewAssign(broker kafka.Broker, opts ...Option) *Subscriber {
	return newSubscriber(broker, strategyAssign, opts)
}

func (s *Subscriber) assignTopics(ctx context.Context, topics []string) error {
	current := s.broker.Assignment()

	var added []kafka.TopicPartition
	for _, topic := range topics {
		tp := kafka.TopicPartition{Topic: topic, Partition: 0}
		if !slices.Contains(current, tp) && !slices.Contains(added, tp) {
			added = append(added, tp)
		}
	}
	if len(added) == 0 {
		return nil
	}

	wanted := append(slices.Clone(current), added...)
	kafka.SortPartitions(wanted)

	if err := s.reassign(ctx, current, wanted, added); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}

	s.logger.Info("Assigned", "partitions", wanted)
	return nil
}

func (s *Subscriber) unassignTopics(ctx context.Context, topics []string) error {
	current := s.broker.Assignment()

	wanted := make([]kafka.TopicPartition, 0, len(current))
	for _, tp := range current {
		if !slices.Contains(topics, tp.Topic) {
			wanted = append(wanted, tp)
		}
	}
	if len(wanted) == len(current) {
		return nil
	}

	if err := s.reassign(ctx, current, wanted, nil); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", topics, err)
	}

	s.logger.Info("Unassigned", "topics", topics, "remaining", wanted)
	return nil
}

// reassign moves the broker from current to wanted through the same revoke
// and assign steps a group rebalance takes, so the fetch loop and in-flight
// state behave identically in both strategies.
func (s *Subscriber) reassign(ctx context.Context, current, wanted, added []kafka.TopicPartition) error {
	if len(current) > 0 {
		s.handleRevoked(ctx, current)
	}

	if err := s.broker.Assign(ctx, wanted); err != nil {
		return err
	}

	if s.broker.GroupID() == "" && len(added) > 0 {
		if err := s.broker.SeekToEnd(ctx, added...); err != nil {
			return err
		}
	}

	if len(wanted) > 0 {
		s.handleAssigned(ctx, wanted)
	}
	return nil
}
