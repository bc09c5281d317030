//go:build e2e

package e2e

import (
	"context"
	"testing"

	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/stretchr/testify/require"
)

func TestE2E_Assign_WithoutGroupStartsAtEnd(t *testing.T) {
	t.Parallel()

	topic := testTopicName("assign-end")
	c := newCluster(t, 1, topic)
	produceValues(t, c, topic, 0, "old-0", "old-1")

	s, client := startSubscriber(t, c, subscriberSetup{assign: true, topics: []string{topic}})
	waitAssigned(t, client, 1)
	require.Equal(t, []kafka.TopicPartition{{Topic: topic, Partition: 0}}, client.Assignment())

	produceValues(t, c, topic, 0, "new")

	m := requestNext(t, s)
	require.Equal(t, "new", string(m.Record.Value))
	require.Equal(t, int64(2), m.Record.Offset)
	require.True(t, s.Commit(context.Background(), m.Handle))
}

func TestE2E_Assign_WithGroupResumesFromCommitted(t *testing.T) {
	t.Parallel()

	topic := testTopicName("assign-group")
	groupID := testGroupID("assign-group")
	c := newCluster(t, 1, topic)
	produceValues(t, c, topic, 0, "a", "b", "c")

	setup := subscriberSetup{groupID: groupID, assign: true, topics: []string{topic}}

	first, client := startSubscriber(t, c, setup)
	waitAssigned(t, client, 1)
	require.Equal(t, []string{"a"}, consumeCommitted(t, first, 1))
	stopSubscriber(t, first)

	require.Equal(t, int64(1), committedOffsets(t, c, groupID)[topic][0])

	second, client := startSubscriber(t, c, setup)
	waitAssigned(t, client, 1)
	require.Equal(t, []string{"b", "c"}, consumeCommitted(t, second, 2))
	require.Equal(t, int64(3), committedOffsets(t, c, groupID)[topic][0])
}
