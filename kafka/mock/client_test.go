//go:build unit

package mockkafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hugolhafner/go-subscriber/kafka"
	mockkafka "github.com/hugolhafner/go-subscriber/kafka/mock"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu       sync.Mutex
	assigned [][]kafka.TopicPartition
	revoked  [][]kafka.TopicPartition
}

func (l *recordingListener) OnPartitionsRevoked(_ context.Context, partitions []kafka.TopicPartition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revoked = append(l.revoked, partitions)
}

func (l *recordingListener) OnPartitionsAssigned(_ context.Context, partitions []kafka.TopicPartition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assigned = append(l.assigned, partitions)
}

func (l *recordingListener) assignCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.assigned)
}

func TestMockClient_FetchOneReturnsRecordsInOrder(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	tp := mockkafka.TP("topic", 0)
	client.AddRecords("topic", 0, mockkafka.SimpleRecords("k1", "v1", "k2", "v2")...)
	client.TriggerAssign(tp)

	r1, err := client.FetchOne(context.Background(), []kafka.TopicPartition{tp})
	require.NoError(t, err)
	require.Equal(t, int64(0), r1.Offset)
	require.Equal(t, []byte("k1"), r1.Key)

	r2, err := client.FetchOne(context.Background(), []kafka.TopicPartition{tp})
	require.NoError(t, err)
	require.Equal(t, int64(1), r2.Offset)

	_, err = client.FetchOne(context.Background(), []kafka.TopicPartition{tp})
	require.ErrorIs(t, err, kafka.ErrFetchTimeout)
}

func TestMockClient_FetchOneOnlyFromRequestedPartitions(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	p0, p1 := mockkafka.TP("topic", 0), mockkafka.TP("topic", 1)
	client.AddRecords("topic", 0, mockkafka.SimpleRecord("a", "a"))
	client.AddRecords("topic", 1, mockkafka.SimpleRecord("b", "b"))
	client.TriggerAssign(p0, p1)

	r, err := client.FetchOne(context.Background(), []kafka.TopicPartition{p1})
	require.NoError(t, err)
	require.Equal(t, p1, r.TopicPartition())

	_, err = client.FetchOne(context.Background(), []kafka.TopicPartition{p1})
	require.ErrorIs(t, err, kafka.ErrFetchTimeout)
}

func TestMockClient_FetchOneSkipsUnassigned(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	tp := mockkafka.TP("topic", 0)
	client.AddRecords("topic", 0, mockkafka.SimpleRecord("a", "a"))

	_, err := client.FetchOne(context.Background(), []kafka.TopicPartition{tp})
	require.ErrorIs(t, err, kafka.ErrFetchTimeout)
}

func TestMockClient_FetchOneWakesOnAppend(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient(mockkafka.WithFetchWait(5 * time.Second))
	tp := mockkafka.TP("topic", 0)
	client.CreateTopic("topic", 1)
	client.TriggerAssign(tp)

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.AddRecords("topic", 0, mockkafka.SimpleRecord("late", "v"))
	}()

	start := time.Now()
	r, err := client.FetchOne(context.Background(), []kafka.TopicPartition{tp})
	require.NoError(t, err)
	require.Equal(t, []byte("late"), r.Key)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestMockClient_FetchOneRespectsContext(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient(mockkafka.WithFetchWait(5 * time.Second))
	tp := mockkafka.TP("topic", 0)
	client.TriggerAssign(tp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchOne(ctx, []kafka.TopicPartition{tp})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMockClient_FetchError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	client := mockkafka.NewClient(mockkafka.WithFetchError(boom))

	_, err := client.FetchOne(context.Background(), nil)
	require.ErrorIs(t, err, boom)

	client.SetFetchError(nil)
	_, err = client.FetchOne(context.Background(), nil)
	require.ErrorIs(t, err, kafka.ErrFetchTimeout)
}

func TestMockClient_FetchAfterClose(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	client.Close()

	_, err := client.FetchOne(context.Background(), nil)
	require.ErrorIs(t, err, kafka.ErrClientClosed)
	client.AssertClosed(t)
}

func TestMockClient_SeekRewindsPosition(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	tp := mockkafka.TP("topic", 0)
	client.AddRecords("topic", 0, mockkafka.SimpleRecords("k1", "v1", "k2", "v2")...)
	client.TriggerAssign(tp)

	r, err := client.FetchOne(context.Background(), []kafka.TopicPartition{tp})
	require.NoError(t, err)
	client.AssertPosition(t, tp, 1)

	client.Seek(tp, r.Position())
	client.AssertPosition(t, tp, 0)

	again, err := client.FetchOne(context.Background(), []kafka.TopicPartition{tp})
	require.NoError(t, err)
	require.Equal(t, r.Offset, again.Offset)
	require.Len(t, client.Seeks(), 1)
}

func TestMockClient_SeekToEnd(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	tp := mockkafka.TP("topic", 0)
	client.AddRecords("topic", 0, mockkafka.SimpleRecords("k1", "v1", "k2", "v2")...)
	client.TriggerAssign(tp)

	require.NoError(t, client.SeekToEnd(context.Background(), tp))
	client.AssertPosition(t, tp, 2)
}

func TestMockClient_CommitOffsets(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	tp := mockkafka.TP("topic", 0)
	client.TriggerAssign(tp)

	err := client.CommitOffsets(context.Background(), map[kafka.TopicPartition]kafka.Offset{tp: {Offset: 3}})
	require.NoError(t, err)

	client.AssertCommittedOffset(t, tp, 3)
	client.AssertCommitCount(t, 1)
}

func TestMockClient_CommitOffsetsErrors(t *testing.T) {
	t.Parallel()

	tp := mockkafka.TP("topic", 0)
	offsets := map[kafka.TopicPartition]kafka.Offset{tp: {Offset: 1}}

	tests := []struct {
		name   string
		client func() *mockkafka.Client
		target error
	}{
		{
			name:   "not assigned",
			client: func() *mockkafka.Client { return mockkafka.NewClient() },
			target: kafka.ErrNotAssigned,
		},
		{
			name: "no group",
			client: func() *mockkafka.Client {
				c := mockkafka.NewClient(mockkafka.WithoutGroup())
				c.TriggerAssign(tp)
				return c
			},
			target: kafka.ErrNoGroup,
		},
		{
			name: "injected",
			client: func() *mockkafka.Client {
				c := mockkafka.NewClient(mockkafka.WithCommitError(kafka.ErrClientClosed))
				c.TriggerAssign(tp)
				return c
			},
			target: kafka.ErrClientClosed,
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()

				c := tt.client()
				err := c.CommitOffsets(context.Background(), offsets)
				require.ErrorIs(t, err, tt.target)
				c.AssertNotCommitted(t, tp)
			},
		)
	}
}

func TestMockClient_ReassignResumesFromCommitted(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	tp := mockkafka.TP("topic", 0)
	client.AddRecords("topic", 0, mockkafka.SimpleRecords("k1", "v1", "k2", "v2", "k3", "v3")...)
	client.TriggerAssign(tp)

	for i := 0; i < 3; i++ {
		_, err := client.FetchOne(context.Background(), []kafka.TopicPartition{tp})
		require.NoError(t, err)
	}
	require.NoError(
		t, client.CommitOffsets(context.Background(), map[kafka.TopicPartition]kafka.Offset{tp: {Offset: 1}}),
	)

	client.TriggerRevoke(tp)
	client.TriggerAssign(tp)

	client.AssertPosition(t, tp, 1)
}

func TestMockClient_TriggerRebalanceCallsListener(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	listener := &recordingListener{}
	require.NoError(t, client.Subscribe([]string{"topic"}, listener))
	client.AssertSubscribed(t, "topic")

	tp := mockkafka.TP("topic", 0)
	client.TriggerAssign(tp)
	client.AssertAssigned(t, tp)

	client.TriggerRevoke(tp)
	require.Empty(t, client.Assignment())

	require.Equal(t, [][]kafka.TopicPartition{{tp}}, listener.assigned)
	require.Equal(t, [][]kafka.TopicPartition{{tp}}, listener.revoked)
}

func TestMockClient_AutoAssignOnSubscribe(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient(mockkafka.WithAutoAssign(), mockkafka.WithTopic("topic", 3))
	listener := &recordingListener{}
	require.NoError(t, client.Subscribe([]string{"topic"}, listener))

	require.Eventually(t, func() bool { return listener.assignCount() == 1 }, time.Second, 5*time.Millisecond)
	client.AssertAssigned(t, client.PartitionsOf("topic")...)
	require.Len(t, client.Assignment(), 3)
}

func TestMockClient_AssignKeepsExistingPositions(t *testing.T) {
	t.Parallel()

	client := mockkafka.NewClient()
	a, b := mockkafka.TP("a", 0), mockkafka.TP("b", 0)
	client.AddRecords("a", 0, mockkafka.SimpleRecords("k1", "v1", "k2", "v2")...)

	require.NoError(t, client.Assign(context.Background(), []kafka.TopicPartition{a}))
	_, err := client.FetchOne(context.Background(), []kafka.TopicPartition{a})
	require.NoError(t, err)

	require.NoError(t, client.Assign(context.Background(), []kafka.TopicPartition{a, b}))
	client.AssertPosition(t, a, 1)
	client.AssertAssigned(t, a, b)
}

func TestMockClient_PingFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("unreachable")
	client := mockkafka.NewClient(mockkafka.WithPingError(boom, 2))

	require.ErrorIs(t, client.Ping(context.Background()), boom)
	require.ErrorIs(t, client.Ping(context.Background()), boom)
	require.NoError(t, client.Ping(context.Background()))
	require.Equal(t, 3, client.PingCalls())
}
