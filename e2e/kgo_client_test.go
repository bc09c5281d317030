//go:build e2e

package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/stretchr/testify/require"
)

// fetchOne retries FetchOne through poll timeouts until a record arrives.
func fetchOne(t *testing.T, client *kafka.KgoClient, partitions ...kafka.TopicPartition) kafka.ConsumerRecord {
	t.Helper()

	deadline := time.Now().Add(requestWait)
	for time.Now().Before(deadline) {
		record, err := client.FetchOne(context.Background(), partitions)
		if errors.Is(err, kafka.ErrFetchTimeout) {
			continue
		}
		require.NoError(t, err)
		return record
	}

	t.Fatalf("no record from %v within %v", partitions, requestWait)
	return kafka.ConsumerRecord{}
}

func TestE2E_KgoClient_AssignModeCommitsToGroup(t *testing.T) {
	t.Parallel()

	topic := testTopicName("kgo-commit")
	groupID := testGroupID("kgo-commit")
	c := newCluster(t, 1, topic)
	produceValues(t, c, topic, 0, "a", "b")

	client := newKgoClient(t, c, subscriberSetup{groupID: groupID, assign: true})
	t.Cleanup(client.Close)

	tp := kafka.TopicPartition{Topic: topic, Partition: 0}
	require.NoError(t, client.Assign(context.Background(), []kafka.TopicPartition{tp}))

	record := fetchOne(t, client, tp)
	require.Equal(t, "a", string(record.Value))

	require.NoError(
		t, client.CommitOffsets(
			context.Background(), map[kafka.TopicPartition]kafka.Offset{
				tp: {Offset: record.Offset + 1, LeaderEpoch: record.LeaderEpoch},
			},
		),
	)
	require.Equal(t, int64(1), committedOffsets(t, c, groupID)[topic][0])
}

func TestE2E_KgoClient_PausedPartitionResumesInOrder(t *testing.T) {
	t.Parallel()

	topic := testTopicName("kgo-pause")
	c := newCluster(t, 2, topic)
	produceValues(t, c, topic, 0, "p0-0", "p0-1")
	produceValues(t, c, topic, 1, "p1-0", "p1-1")

	client := newKgoClient(t, c, subscriberSetup{assign: true})
	t.Cleanup(client.Close)

	p0 := kafka.TopicPartition{Topic: topic, Partition: 0}
	p1 := kafka.TopicPartition{Topic: topic, Partition: 1}
	require.NoError(t, client.Assign(context.Background(), []kafka.TopicPartition{p0, p1}))

	first := fetchOne(t, client, p0, p1)
	require.Equal(t, int64(0), first.Offset)

	other := p1
	if first.Partition == p1.Partition {
		other = p0
	}
	owner := first.TopicPartition()

	// records of owner buffered alongside first are put back while it is paused
	next := fetchOne(t, client, other)
	require.Equal(t, other, next.TopicPartition())
	require.Equal(t, int64(0), next.Offset)

	resumed := fetchOne(t, client, owner)
	require.Equal(t, owner, resumed.TopicPartition())
	require.Equal(t, int64(1), resumed.Offset)

	last := fetchOne(t, client, other)
	require.Equal(t, other, last.TopicPartition())
	require.Equal(t, int64(1), last.Offset)
}
