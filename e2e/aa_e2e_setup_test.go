//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/hugolhafner/go-subscriber/subscriber"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	pollInterval = 2 * time.Second
	shutdownWait = 10 * time.Second
	eventualWait = 15 * time.Second
	requestWait  = 10 * time.Second
)

func testTopicName(suffix string) string {
	return fmt.Sprintf("e2e-test-%s-%d", suffix, time.Now().UnixNano())
}

func testGroupID(suffix string) string {
	return testTopicName(suffix + "-group")
}

func newCluster(t *testing.T, partitions int32, topics ...string) *kfake.Cluster {
	t.Helper()

	c, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(partitions, topics...))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c
}

func adminClient(t *testing.T, c *kfake.Cluster) *kadm.Client {
	t.Helper()

	client, err := kgo.NewClient(kgo.SeedBrokers(c.ListenAddrs()...))
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return kadm.NewClient(client)
}

func produceValues(t *testing.T, c *kfake.Cluster, topic string, partition int32, values ...string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.ListenAddrs()...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	require.NoError(t, err)
	defer client.Close()

	for i, v := range values {
		record := &kgo.Record{
			Topic:     topic,
			Partition: partition,
			Key:       []byte(fmt.Sprintf("key-%d", i)),
			Value:     []byte(v),
		}
		require.NoError(t, client.ProduceSync(ctx, record).FirstErr(), "failed to produce %q", v)
	}
}

type subscriberSetup struct {
	groupID string
	assign  bool
	topics  []string
}

func newKgoClient(t *testing.T, c *kfake.Cluster, setup subscriberSetup) *kafka.KgoClient {
	t.Helper()

	opts := []kafka.KgoOption{
		kafka.WithBootstrapServers(c.ListenAddrs()),
		kafka.WithGroupID(setup.groupID),
		kafka.WithPollInterval(pollInterval),
		kafka.WithHealthCheckInterval(time.Second),
		kafka.WithPollTimeout(500 * time.Millisecond),
		kafka.WithRetryBackoff(100 * time.Millisecond),
	}
	if setup.assign {
		opts = append(opts, kafka.WithAssignMode())
	}

	client, err := kafka.NewKgoClient(opts...)
	require.NoError(t, err)

	return client
}

// startSubscriber starts a subscriber on a real client and stops it when the
// test ends.
func startSubscriber(t *testing.T, c *kfake.Cluster, setup subscriberSetup) (*subscriber.Subscriber, *kafka.KgoClient) {
	t.Helper()

	client := newKgoClient(t, c, setup)
	opts := []subscriber.Option{
		subscriber.WithTopics(setup.topics...),
		subscriber.WithPollInterval(pollInterval),
		subscriber.WithFreezeTime(0),
		subscriber.WithIdleWait(50 * time.Millisecond),
		subscriber.WithReconnect(3, backoff.NewFixed(100*time.Millisecond)),
	}

	var s *subscriber.Subscriber
	if setup.assign {
		s = subscriber.NewAssign(client, opts...)
	} else {
		s = subscriber.New(client, opts...)
	}

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { stopSubscriber(t, s) })

	return s, client
}

func stopSubscriber(t *testing.T, s *subscriber.Subscriber) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func waitAssigned(t *testing.T, client *kafka.KgoClient, n int) {
	t.Helper()

	require.Eventually(
		t, func() bool { return len(client.Assignment()) == n },
		eventualWait, 50*time.Millisecond, "expected %d assigned partitions", n,
	)
}

func requestNext(t *testing.T, s *subscriber.Subscriber) *subscriber.Message {
	t.Helper()

	m, err := s.RequestNext(context.Background(), requestWait)
	require.NoError(t, err)
	return m
}

// consumeCommitted requests and commits n messages, returning their values.
func consumeCommitted(t *testing.T, s *subscriber.Subscriber, n int) []string {
	t.Helper()

	values := make([]string, 0, n)
	for len(values) < n {
		m := requestNext(t, s)
		require.True(t, s.Commit(context.Background(), m.Handle), "commit offset %d", m.Record.Offset)
		values = append(values, string(m.Record.Value))
	}
	return values
}

func committedOffsets(t *testing.T, c *kfake.Cluster, groupID string) map[string]map[int32]int64 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offsets, err := adminClient(t, c).FetchOffsets(ctx, groupID)
	require.NoError(t, err)

	result := make(map[string]map[int32]int64)
	offsets.Each(
		func(o kadm.OffsetResponse) {
			if _, ok := result[o.Topic]; !ok {
				result[o.Topic] = make(map[int32]int64)
			}
			result[o.Topic][o.Partition] = o.Offset.At
		},
	)

	return result
}
