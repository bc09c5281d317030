package mockkafka

import (
	"testing"

	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/stretchr/testify/require"
)

// AssertCommitted verifies that an offset was committed for the topic-partition.
func (c *Client) AssertCommitted(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()

	_, ok := c.CommittedOffset(tp)
	require.True(tb, ok, "committed offset not found for %s", tp)
}

// AssertNotCommitted verifies that nothing was ever committed for the topic-partition.
func (c *Client) AssertNotCommitted(tb testing.TB, tp kafka.TopicPartition) {
	tb.Helper()

	offset, ok := c.CommittedOffset(tp)
	require.False(tb, ok, "expected no committed offset for %s, got %d", tp, offset.Offset)
}

// AssertCommittedOffset verifies that a specific offset was committed. The
// committed offset is the next offset to consume (record offset + 1).
func (c *Client) AssertCommittedOffset(tb testing.TB, tp kafka.TopicPartition, expectedOffset int64) {
	tb.Helper()

	actual, ok := c.CommittedOffset(tp)
	require.True(tb, ok, "expected offset %d to be committed for %s, but none found", expectedOffset, tp)

	require.Equal(
		tb, expectedOffset, actual.Offset,
		"expected offset %d to be committed for %s, got %d", expectedOffset, tp, actual.Offset,
	)
}

// AssertCommitCount verifies the number of successful CommitOffsets calls.
func (c *Client) AssertCommitCount(tb testing.TB, expected int) {
	tb.Helper()

	actual := len(c.Commits())
	require.Equal(tb, expected, actual, "expected %d commits, got %d", expected, actual)
}

// AssertPosition verifies the offset the next fetch of tp will read.
func (c *Client) AssertPosition(tb testing.TB, tp kafka.TopicPartition, expected int64) {
	tb.Helper()

	actual := c.Position(tp)
	require.Equal(tb, expected, actual, "expected position %d for %s, got %d", expected, tp, actual)
}

// AssertSubscribed verifies that the client is subscribed to exactly the given topics.
func (c *Client) AssertSubscribed(tb testing.TB, topics ...string) {
	tb.Helper()

	require.ElementsMatch(tb, topics, c.Subscription(), "unexpected subscription")
}

// AssertAssigned verifies that the given partitions are currently assigned.
func (c *Client) AssertAssigned(tb testing.TB, partitions ...kafka.TopicPartition) {
	tb.Helper()

	assigned := c.Assignment()
	assignedMap := make(map[kafka.TopicPartition]bool, len(assigned))
	for _, p := range assigned {
		assignedMap[p] = true
	}

	for _, p := range partitions {
		if !assignedMap[p] {
			tb.Errorf("expected partition %s to be assigned, but it is not", p)
		}
	}
}

// AssertClosed verifies that Close() was called.
func (c *Client) AssertClosed(tb testing.TB) {
	tb.Helper()

	require.True(tb, c.IsClosed(), "expected client to be closed")
}

// AssertNotClosed verifies that Close() was not called.
func (c *Client) AssertNotClosed(tb testing.TB) {
	tb.Helper()

	require.False(tb, c.IsClosed(), "expected client to not be closed, but it is")
}
