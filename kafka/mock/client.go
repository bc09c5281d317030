package mockkafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugolhafner/go-subscriber/kafka"
)

var _ kafka.Broker = (*Client)(nil)

// SeekCall records a single call to Seek or SeekToEnd.
type SeekCall struct {
	Partition kafka.TopicPartition
	Offset    int64
}

// Client is an in-memory kafka.Broker. Each partition is an append-only log
// with a read cursor, committed offsets survive reassignment, and rebalances
// are driven by the test through TriggerAssign and TriggerRevoke.
type Client struct {
	mu sync.Mutex

	groupID string

	logs       map[kafka.TopicPartition][]kafka.ConsumerRecord
	partitions map[string]int32
	positions  map[kafka.TopicPartition]int64
	committed  map[kafka.TopicPartition]kafka.Offset
	commits    []map[kafka.TopicPartition]kafka.Offset
	seeks      []SeekCall

	subscriptions []string
	listener      kafka.RebalanceListener
	assigned      []kafka.TopicPartition
	autoAssign    bool

	fetchWait time.Duration
	notify    chan struct{}
	rr        int

	fetchErr     func(partitions []kafka.TopicPartition) error
	commitErr    func(offsets map[kafka.TopicPartition]kafka.Offset) error
	pingErr      error
	pingFailures int

	pingCalls  int
	fetchCalls int
	closed     bool
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		groupID:    "mock-group",
		logs:       make(map[kafka.TopicPartition][]kafka.ConsumerRecord),
		partitions: make(map[string]int32),
		positions:  make(map[kafka.TopicPartition]int64),
		committed:  make(map[kafka.TopicPartition]kafka.Offset),
		fetchWait:  20 * time.Millisecond,
		notify:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) GroupID() string {
	return c.groupID
}

// Ping fails while failures configured through SetPingError remain.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pingCalls++
	if c.pingFailures != 0 {
		if c.pingFailures > 0 {
			c.pingFailures--
		}
		return c.pingErr
	}
	return nil
}

// Subscribe records the subscription and listener. With auto-assign enabled
// every known partition of the subscribed topics is assigned asynchronously,
// the way a group coordinator would after a join.
func (c *Client) Subscribe(topics []string, listener kafka.RebalanceListener) error {
	c.mu.Lock()
	c.subscriptions = append([]string(nil), topics...)
	c.listener = listener
	auto := c.autoAssign
	var wanted []kafka.TopicPartition
	if auto {
		wanted = c.partitionsOfLocked(topics)
	}
	c.mu.Unlock()

	if auto {
		go c.Rebalance(wanted)
	}

	return nil
}

func (c *Client) Assign(ctx context.Context, partitions []kafka.TopicPartition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		if !c.isAssignedLocked(tp) {
			c.resetPositionLocked(tp)
		}
	}
	c.assigned = append([]kafka.TopicPartition(nil), partitions...)
	kafka.SortPartitions(c.assigned)
	c.signalLocked()

	return nil
}

// FetchOne returns the next unread record of the given partitions, rotating
// across them. It blocks until data arrives, ctx is done or the fetch wait
// elapses.
func (c *Client) FetchOne(ctx context.Context, partitions []kafka.TopicPartition) (kafka.ConsumerRecord, error) {
	timer := time.NewTimer(c.fetchWait)
	defer timer.Stop()

	for {
		c.mu.Lock()
		c.fetchCalls++

		if c.closed {
			c.mu.Unlock()
			return kafka.ConsumerRecord{}, kafka.ErrClientClosed
		}

		if c.fetchErr != nil {
			if err := c.fetchErr(partitions); err != nil {
				c.mu.Unlock()
				return kafka.ConsumerRecord{}, err
			}
		}

		if record, ok := c.nextLocked(partitions); ok {
			c.mu.Unlock()
			return record, nil
		}

		notify := c.notify
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.ConsumerRecord{}, ctx.Err()
		case <-timer.C:
			return kafka.ConsumerRecord{}, kafka.ErrFetchTimeout
		case <-notify:
		}
	}
}

func (c *Client) nextLocked(partitions []kafka.TopicPartition) (kafka.ConsumerRecord, bool) {
	n := len(partitions)
	for i := 0; i < n; i++ {
		tp := partitions[(c.rr+i)%n]
		if !c.isAssignedLocked(tp) {
			continue
		}

		log := c.logs[tp]
		pos := c.positions[tp]
		if pos >= int64(len(log)) {
			continue
		}

		c.positions[tp] = pos + 1
		c.rr = (c.rr + i + 1) % n
		return log[pos].Copy(), true
	}

	return kafka.ConsumerRecord{}, false
}

func (c *Client) CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]kafka.Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.groupID == "" {
		return fmt.Errorf("commit: %w", kafka.ErrNoGroup)
	}

	if c.commitErr != nil {
		if err := c.commitErr(offsets); err != nil {
			return err
		}
	}

	for tp := range offsets {
		if !c.isAssignedLocked(tp) {
			return fmt.Errorf("commit %s: %w", tp, kafka.ErrNotAssigned)
		}
	}

	snapshot := make(map[kafka.TopicPartition]kafka.Offset, len(offsets))
	for tp, o := range offsets {
		c.committed[tp] = o
		snapshot[tp] = o
	}
	c.commits = append(c.commits, snapshot)

	return nil
}

func (c *Client) Seek(tp kafka.TopicPartition, offset kafka.Offset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.positions[tp] = offset.Offset
	c.seeks = append(c.seeks, SeekCall{Partition: tp, Offset: offset.Offset})
	c.signalLocked()
}

func (c *Client) SeekToEnd(ctx context.Context, partitions ...kafka.TopicPartition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range partitions {
		end := int64(len(c.logs[tp]))
		c.positions[tp] = end
		c.seeks = append(c.seeks, SeekCall{Partition: tp, Offset: end})
	}

	return nil
}

func (c *Client) Assignment() []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]kafka.TopicPartition(nil), c.assigned...)
}

func (c *Client) Subscription() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.subscriptions...)
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.signalLocked()
}

// CreateTopic declares a topic with the given partition count so it can be
// assigned before any record is produced.
func (c *Client) CreateTopic(topic string, partitions int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if partitions > c.partitions[topic] {
		c.partitions[topic] = partitions
	}
}

// AddRecords appends records to a partition log. Topic, partition and offset
// are overwritten so offsets stay contiguous from zero.
func (c *Client) AddRecords(topic string, partition int32, records ...kafka.ConsumerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tp := kafka.TopicPartition{Topic: topic, Partition: partition}
	if partition+1 > c.partitions[topic] {
		c.partitions[topic] = partition + 1
	}

	base := int64(len(c.logs[tp]))
	for i := range records {
		records[i].Topic = topic
		records[i].Partition = partition
		records[i].Offset = base + int64(i)
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = time.Now()
		}
	}

	c.logs[tp] = append(c.logs[tp], records...)
	c.signalLocked()
}

// TriggerAssign simulates the coordinator adding partitions to this member.
// Partitions resume from their committed offset, or the start of the log.
func (c *Client) TriggerAssign(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	for _, tp := range partitions {
		if !c.isAssignedLocked(tp) {
			c.assigned = append(c.assigned, tp)
		}
		c.resetPositionLocked(tp)
	}
	kafka.SortPartitions(c.assigned)
	cb := c.listener
	c.signalLocked()
	c.mu.Unlock()

	if cb != nil {
		cb.OnPartitionsAssigned(context.Background(), partitions)
	}
}

// TriggerRevoke simulates the coordinator taking partitions away. The
// listener is invoked before the partitions leave the assignment.
func (c *Client) TriggerRevoke(partitions ...kafka.TopicPartition) {
	c.mu.Lock()
	cb := c.listener
	c.mu.Unlock()

	if cb != nil {
		cb.OnPartitionsRevoked(context.Background(), partitions)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	revoked := make(map[kafka.TopicPartition]struct{}, len(partitions))
	for _, tp := range partitions {
		revoked[tp] = struct{}{}
	}

	remaining := make([]kafka.TopicPartition, 0, len(c.assigned))
	for _, tp := range c.assigned {
		if _, ok := revoked[tp]; !ok {
			remaining = append(remaining, tp)
		}
	}
	c.assigned = remaining
}

// Rebalance revokes the whole current assignment and assigns partitions, as an
// eager rebalance would.
func (c *Client) Rebalance(partitions []kafka.TopicPartition) {
	current := c.Assignment()
	if len(current) > 0 {
		c.TriggerRevoke(current...)
	}
	c.TriggerAssign(partitions...)
}

// PartitionsOf returns every known partition of the given topics.
func (c *Client) PartitionsOf(topics ...string) []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.partitionsOfLocked(topics)
}

func (c *Client) partitionsOfLocked(topics []string) []kafka.TopicPartition {
	var tps []kafka.TopicPartition
	for _, topic := range topics {
		for p := int32(0); p < c.partitions[topic]; p++ {
			tps = append(tps, kafka.TopicPartition{Topic: topic, Partition: p})
		}
	}
	kafka.SortPartitions(tps)
	return tps
}

func (c *Client) resetPositionLocked(tp kafka.TopicPartition) {
	if o, ok := c.committed[tp]; ok {
		c.positions[tp] = o.Offset
		return
	}
	c.positions[tp] = 0
}

func (c *Client) isAssignedLocked(tp kafka.TopicPartition) bool {
	for _, a := range c.assigned {
		if a == tp {
			return true
		}
	}
	return false
}

// signalLocked wakes every FetchOne call waiting for data.
func (c *Client) signalLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// SetFetchError configures an error to be returned on all FetchOne calls.
// Pass nil to clear the error.
func (c *Client) SetFetchError(err error) {
	if err == nil {
		c.SetFetchErrorFunc(nil)
		return
	}
	c.SetFetchErrorFunc(func([]kafka.TopicPartition) error { return err })
}

func (c *Client) SetFetchErrorFunc(fn func(partitions []kafka.TopicPartition) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetchErr = fn
}

// SetCommitError configures an error to be returned on all CommitOffsets
// calls. Pass nil to clear the error.
func (c *Client) SetCommitError(err error) {
	if err == nil {
		c.SetCommitErrorFunc(nil)
		return
	}
	c.SetCommitErrorFunc(func(map[kafka.TopicPartition]kafka.Offset) error { return err })
}

func (c *Client) SetCommitErrorFunc(fn func(offsets map[kafka.TopicPartition]kafka.Offset) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commitErr = fn
}

// SetPingError makes the next failures Ping calls return err. A negative
// count fails every call.
func (c *Client) SetPingError(err error, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pingErr = err
	c.pingFailures = failures
}

// CommittedOffsets returns a copy of all committed offsets.
func (c *Client) CommittedOffsets() map[kafka.TopicPartition]kafka.Offset {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[kafka.TopicPartition]kafka.Offset, len(c.committed))
	for k, v := range c.committed {
		result[k] = v
	}
	return result
}

// CommittedOffset returns the committed offset for a specific topic-partition.
func (c *Client) CommittedOffset(tp kafka.TopicPartition) (kafka.Offset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offset, ok := c.committed[tp]
	return offset, ok
}

// Commits returns every successful CommitOffsets call in order.
func (c *Client) Commits() []map[kafka.TopicPartition]kafka.Offset {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]map[kafka.TopicPartition]kafka.Offset(nil), c.commits...)
}

func (c *Client) Seeks() []SeekCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]SeekCall(nil), c.seeks...)
}

// Position returns the offset the next fetch of tp will read.
func (c *Client) Position(tp kafka.TopicPartition) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.positions[tp]
}

func (c *Client) PingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pingCalls
}

func (c *Client) FetchCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fetchCalls
}

// IsClosed returns whether Close has been called.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}
