package kafka

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hugolhafner/go-subscriber/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.opentelemetry.io/otel/trace"
)

var _ Broker = (*KgoClient)(nil)

// MaxTimeMultiplier scales the configured poll and health-check intervals into
// the broker-side eviction timers (max poll interval and session timeout).
const MaxTimeMultiplier = 10

type KgoClientConfig struct {
	BootstrapServers []string
	GroupID          string
	ClientID         string
	// AssignMode consumes manually assigned partitions instead of joining the
	// group. GroupID, if set, is only used to store and resume offsets.
	AssignMode bool

	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	RequestTimeout      time.Duration
	PollTimeout         time.Duration
	MetadataMaxAge      time.Duration
	RetryBackoff        time.Duration

	Logger logger.Logger

	hooks []kgo.Hook
}

func defaultConfig() KgoClientConfig {
	return KgoClientConfig{
		BootstrapServers:    []string{"localhost:9092"},
		PollInterval:        10 * time.Second,
		HealthCheckInterval: 3 * time.Second,
		RequestTimeout:      30 * time.Second,
		PollTimeout:         3 * time.Second,
		MetadataMaxAge:      5 * time.Minute,
		RetryBackoff:        time.Second,
		Logger:              logger.NewNoopLogger(),
	}
}

type KgoOption func(*KgoClientConfig)

func WithBootstrapServers(servers []string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.BootstrapServers = servers
	}
}

func WithGroupID(id string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.GroupID = id
	}
}

func WithClientID(id string) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.ClientID = id
	}
}

// WithAssignMode switches the client to manual partition assignment.
func WithAssignMode() KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.AssignMode = true
	}
}

// WithPollInterval sets how often the application is expected to poll. The
// broker evicts the member after MaxTimeMultiplier times this interval without
// progress.
func WithPollInterval(d time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		if d > 0 {
			cfg.PollInterval = d
		}
	}
}

// WithHealthCheckInterval sets the heartbeat interval. The session times out
// after MaxTimeMultiplier heartbeats.
func WithHealthCheckInterval(d time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		if d > 0 {
			cfg.HealthCheckInterval = d
		}
	}
}

func WithRequestTimeout(d time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		if d > 0 {
			cfg.RequestTimeout = d
		}
	}
}

// WithPollTimeout bounds a single FetchOne call.
func WithPollTimeout(d time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		if d > 0 {
			cfg.PollTimeout = d
		}
	}
}

func WithMetadataMaxAge(d time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		if d > 0 {
			cfg.MetadataMaxAge = d
		}
	}
}

func WithRetryBackoff(d time.Duration) KgoOption {
	return func(cfg *KgoClientConfig) {
		if d > 0 {
			cfg.RetryBackoff = d
		}
	}
}

func WithLogger(l logger.Logger) KgoOption {
	return func(cfg *KgoClientConfig) {
		cfg.Logger = l.With("client", "kgo")
	}
}

// WithPrometheus registers franz-go client metrics (connections, bytes,
// fetch batches) on reg under namespace.
func WithPrometheus(namespace string, reg prometheus.Registerer) KgoOption {
	return func(cfg *KgoClientConfig) {
		m := kprom.NewMetrics(namespace, kprom.Registerer(reg))
		cfg.hooks = append(cfg.hooks, m)
	}
}

// WithTracerProvider traces broker requests made by the underlying client.
func WithTracerProvider(tp trace.TracerProvider) KgoOption {
	return func(cfg *KgoClientConfig) {
		tracer := kotel.NewTracer(kotel.TracerProvider(tp))
		k := kotel.NewKotel(kotel.WithTracer(tracer))
		cfg.hooks = append(cfg.hooks, k.Hooks()...)
	}
}

// NodeID returns a client id unique to this process: the hostname followed by
// a random suffix.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "subscriber"
	}
	return host + "-" + uuid.NewString()[:8]
}

// KgoClient implements Broker on top of franz-go. It either joins a consumer
// group (Subscribe) or consumes manually assigned partitions (Assign).
type KgoClient struct {
	client *kgo.Client
	admin  *kadm.Client
	config KgoClientConfig

	mu       sync.RWMutex
	listener RebalanceListener
	topics   []string
	assigned map[TopicPartition]struct{}
	paused   map[TopicPartition]struct{}

	logger logger.Logger
}

func NewKgoClient(opts ...KgoOption) (*KgoClient, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if !cfg.AssignMode && cfg.GroupID == "" {
		return nil, fmt.Errorf("create kgo client: %w", ErrNoGroup)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = NodeID()
	}

	kc := &KgoClient{
		config:   cfg,
		assigned: make(map[TopicPartition]struct{}),
		paused:   make(map[TopicPartition]struct{}),
		logger:   cfg.Logger,
	}

	retryBackoff := cfg.RetryBackoff
	kgoOpts := []kgo.Opt{
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.ClientID(cfg.ClientID),
		kgo.WithLogger(newKgoLogger(kc.logger)),
		kgo.MetadataMaxAge(cfg.MetadataMaxAge),
		kgo.RequestTimeoutOverhead(cfg.RequestTimeout),
		kgo.RetryBackoffFn(func(int) time.Duration { return retryBackoff }),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}

	if !cfg.AssignMode {
		kgoOpts = append(
			kgoOpts,
			kgo.ConsumerGroup(cfg.GroupID),
			// eager: every assignment follows a revoke of everything owned
			kgo.Balancers(kgo.StickyBalancer()),
			kgo.DisableAutoCommit(),
			kgo.HeartbeatInterval(cfg.HealthCheckInterval),
			kgo.SessionTimeout(cfg.HealthCheckInterval*MaxTimeMultiplier),
			kgo.RebalanceTimeout(cfg.PollInterval*MaxTimeMultiplier),
			kgo.OnPartitionsAssigned(kc.onAssigned),
			kgo.OnPartitionsRevoked(kc.onRevoked),
			kgo.OnPartitionsLost(kc.onRevoked),
		)
	}

	if len(cfg.hooks) > 0 {
		kgoOpts = append(kgoOpts, kgo.WithHooks(cfg.hooks...))
	}

	client, err := kgo.NewClient(kgoOpts...)
	if err != nil {
		return nil, fmt.Errorf("create kgo client: %w", err)
	}

	kc.client = client
	kc.admin = kadm.NewClient(client)

	return kc, nil
}

func (k *KgoClient) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	partitions := mapToTopicPartitions(assigned)

	k.mu.Lock()
	for _, tp := range partitions {
		k.assigned[tp] = struct{}{}
	}
	cb := k.listener
	k.mu.Unlock()

	if cb == nil {
		return
	}

	cb.OnPartitionsAssigned(ctx, partitions)
}

func (k *KgoClient) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	partitions := mapToTopicPartitions(revoked)

	k.mu.Lock()
	for _, tp := range partitions {
		delete(k.assigned, tp)
		delete(k.paused, tp)
	}
	cb := k.listener
	k.mu.Unlock()

	if cb == nil {
		return
	}

	cb.OnPartitionsRevoked(ctx, partitions)
}

func (k *KgoClient) GroupID() string {
	return k.config.GroupID
}

func (k *KgoClient) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

func (k *KgoClient) Subscribe(topics []string, listener RebalanceListener) error {
	if k.config.AssignMode {
		return fmt.Errorf("subscribe: %w", ErrWrongMode)
	}

	k.mu.Lock()
	old := k.topics
	k.topics = append([]string(nil), topics...)
	k.listener = listener
	k.mu.Unlock()

	removed := topicsDifference(old, topics)
	added := topicsDifference(topics, old)

	if len(removed) > 0 {
		k.logger.Debug("Removing topics from consumption", "topics", removed)
		k.client.PurgeTopicsFromConsuming(removed...)
	}

	if len(added) > 0 {
		k.logger.Debug("Adding topics to consumption", "topics", added)
		k.client.AddConsumeTopics(added...)
	}

	return nil
}

func (k *KgoClient) Assign(ctx context.Context, partitions []TopicPartition) error {
	if !k.config.AssignMode {
		return fmt.Errorf("assign: %w", ErrWrongMode)
	}

	wanted := make(map[TopicPartition]struct{}, len(partitions))
	for _, tp := range partitions {
		wanted[tp] = struct{}{}
	}

	k.mu.RLock()
	var added, removed []TopicPartition
	for tp := range wanted {
		if _, ok := k.assigned[tp]; !ok {
			added = append(added, tp)
		}
	}
	for tp := range k.assigned {
		if _, ok := wanted[tp]; !ok {
			removed = append(removed, tp)
		}
	}
	k.mu.RUnlock()

	if len(removed) > 0 {
		k.client.RemoveConsumePartitions(topicPartitionsToMap(removed))
	}

	if len(added) > 0 {
		starts, err := k.startOffsets(ctx, added)
		if err != nil {
			return fmt.Errorf("assign: %w", err)
		}
		k.client.AddConsumePartitions(starts)
	}

	k.mu.Lock()
	for _, tp := range removed {
		delete(k.assigned, tp)
		delete(k.paused, tp)
	}
	for _, tp := range added {
		k.assigned[tp] = struct{}{}
	}
	k.mu.Unlock()

	return nil
}

// startOffsets resumes newly assigned partitions from the group's committed
// offsets, falling back to the start of the log.
func (k *KgoClient) startOffsets(ctx context.Context, partitions []TopicPartition) (
	map[string]map[int32]kgo.Offset, error,
) {
	starts := make(map[string]map[int32]kgo.Offset)
	for _, tp := range partitions {
		if starts[tp.Topic] == nil {
			starts[tp.Topic] = make(map[int32]kgo.Offset)
		}
		starts[tp.Topic][tp.Partition] = kgo.NewOffset().AtStart()
	}

	if k.config.GroupID == "" {
		return starts, nil
	}

	committed, err := k.admin.FetchOffsetsForTopics(ctx, k.config.GroupID, topicsOf(partitions)...)
	if errors.Is(err, kerr.GroupIDNotFound) {
		// nothing was ever committed for the group
		return starts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch committed offsets: %w", err)
	}

	for _, tp := range partitions {
		o, ok := committed.Lookup(tp.Topic, tp.Partition)
		if !ok || o.Err != nil || o.At < 0 {
			continue
		}
		starts[tp.Topic][tp.Partition] = kgo.NewOffset().At(o.At)
	}

	return starts, nil
}

func (k *KgoClient) FetchOne(ctx context.Context, partitions []TopicPartition) (ConsumerRecord, error) {
	allowed := make(map[TopicPartition]struct{}, len(partitions))
	for _, tp := range partitions {
		allowed[tp] = struct{}{}
	}
	k.restrictFetching(allowed)

	pollCtx, cancel := context.WithTimeout(ctx, k.config.PollTimeout)
	defer cancel()

	for {
		fetches := k.client.PollRecords(pollCtx, 1)
		if fetches.IsClientClosed() {
			return ConsumerRecord{}, ErrClientClosed
		}

		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
				continue
			}
			return ConsumerRecord{}, fmt.Errorf("fetch %s-%d: %w", fe.Topic, fe.Partition, fe.Err)
		}

		records := fetches.Records()
		if len(records) == 0 {
			if ctx.Err() != nil {
				return ConsumerRecord{}, ctx.Err()
			}
			if pollCtx.Err() != nil {
				return ConsumerRecord{}, ErrFetchTimeout
			}
			continue
		}

		record := convertRecord(records[0])
		if _, ok := allowed[record.TopicPartition()]; ok {
			return record, nil
		}

		// Buffered before the partition was paused: rewind so it resumes here.
		// This runs between two PollRecords calls on the polling goroutine,
		// never alongside a poll, and only while the partition is owned, so
		// the set cannot race a poll or land on a revoked partition.
		if k.owns(record.TopicPartition()) {
			k.Seek(record.TopicPartition(), record.Position())
		}
	}
}

// restrictFetching pauses every assigned partition outside allowed and resumes
// the allowed ones.
func (k *KgoClient) restrictFetching(allowed map[TopicPartition]struct{}) {
	k.mu.Lock()
	var toPause, toResume []TopicPartition
	for tp := range k.assigned {
		_, isAllowed := allowed[tp]
		_, isPaused := k.paused[tp]

		switch {
		case isAllowed && isPaused:
			toResume = append(toResume, tp)
			delete(k.paused, tp)
		case !isAllowed && !isPaused:
			toPause = append(toPause, tp)
			k.paused[tp] = struct{}{}
		}
	}
	k.mu.Unlock()

	if len(toPause) > 0 {
		k.client.PauseFetchPartitions(topicPartitionsToMap(toPause))
	}
	if len(toResume) > 0 {
		k.client.ResumeFetchPartitions(topicPartitionsToMap(toResume))
	}
}

func (k *KgoClient) CommitOffsets(ctx context.Context, offsets map[TopicPartition]Offset) error {
	if k.config.GroupID == "" {
		return fmt.Errorf("commit: %w", ErrNoGroup)
	}

	for tp := range offsets {
		if !k.owns(tp) {
			return fmt.Errorf("commit %s: %w", tp, ErrNotAssigned)
		}
	}

	if k.config.AssignMode {
		resp, err := standaloneCommitRequest(k.config.GroupID, offsets).RequestWith(ctx, k.client)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if err := commitResponseErr(resp); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}

	var commitErr error
	k.client.CommitOffsetsSync(
		ctx, toEpochOffsets(offsets),
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				commitErr = err
				return
			}
			commitErr = commitResponseErr(resp)
		},
	)

	if commitErr != nil {
		return fmt.Errorf("commit: %w", commitErr)
	}
	return nil
}

// standaloneCommitRequest commits outside any group generation. Topics are
// addressed by name.
func standaloneCommitRequest(group string, offsets map[TopicPartition]Offset) *kmsg.OffsetCommitRequest {
	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = group
	req.Generation = -1
	req.MemberID = ""

	index := make(map[string]int)
	for tp, o := range offsets {
		i, ok := index[tp.Topic]
		if !ok {
			rt := kmsg.NewOffsetCommitRequestTopic()
			rt.Topic = tp.Topic
			req.Topics = append(req.Topics, rt)
			i = len(req.Topics) - 1
			index[tp.Topic] = i
		}

		rp := kmsg.NewOffsetCommitRequestTopicPartition()
		rp.Partition = tp.Partition
		rp.Offset = o.Offset
		rp.LeaderEpoch = o.LeaderEpoch
		req.Topics[i].Partitions = append(req.Topics[i].Partitions, rp)
	}
	return req
}

func commitResponseErr(resp *kmsg.OffsetCommitResponse) error {
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return fmt.Errorf("%s-%d: %w", t.Topic, p.Partition, err)
			}
		}
	}
	return nil
}

func (k *KgoClient) Seek(tp TopicPartition, offset Offset) {
	k.client.SetOffsets(
		map[string]map[int32]kgo.EpochOffset{
			tp.Topic: {tp.Partition: {Epoch: offset.LeaderEpoch, Offset: offset.Offset}},
		},
	)
}

func (k *KgoClient) SeekToEnd(ctx context.Context, partitions ...TopicPartition) error {
	if len(partitions) == 0 {
		return nil
	}

	ends, err := k.admin.ListEndOffsets(ctx, topicsOf(partitions)...)
	if err != nil {
		return fmt.Errorf("list end offsets: %w", err)
	}

	seeks := make(map[string]map[int32]kgo.EpochOffset)
	for _, tp := range partitions {
		end, ok := ends.Lookup(tp.Topic, tp.Partition)
		if !ok {
			return fmt.Errorf("list end offsets %s: %w", tp, ErrNotAssigned)
		}
		if end.Err != nil {
			return fmt.Errorf("list end offsets %s: %w", tp, end.Err)
		}

		if seeks[tp.Topic] == nil {
			seeks[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		seeks[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: end.LeaderEpoch, Offset: end.Offset}
	}

	k.client.SetOffsets(seeks)
	return nil
}

func (k *KgoClient) Assignment() []TopicPartition {
	k.mu.RLock()
	defer k.mu.RUnlock()

	tps := make([]TopicPartition, 0, len(k.assigned))
	for tp := range k.assigned {
		tps = append(tps, tp)
	}
	SortPartitions(tps)
	return tps
}

func (k *KgoClient) Subscription() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.config.AssignMode {
		return topicsOfSet(k.assigned)
	}
	return append([]string(nil), k.topics...)
}

func (k *KgoClient) owns(tp TopicPartition) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.assigned[tp]
	return ok
}

func (k *KgoClient) Close() {
	k.client.CloseAllowingRebalance()
}

func convertRecord(r *kgo.Record) ConsumerRecord {
	return ConsumerRecord{
		Topic:       r.Topic,
		Partition:   r.Partition,
		Offset:      r.Offset,
		Key:         r.Key,
		Value:       r.Value,
		Headers:     convertFromKgoHeaders(r.Headers),
		Timestamp:   r.Timestamp,
		LeaderEpoch: r.LeaderEpoch,
	}
}

func convertFromKgoHeaders(headers []kgo.RecordHeader) []Header {
	converted := make([]Header, len(headers))
	for i, h := range headers {
		converted[i] = Header{Key: h.Key, Value: h.Value}
	}
	return converted
}

func toEpochOffsets(offsets map[TopicPartition]Offset) map[string]map[int32]kgo.EpochOffset {
	m := make(map[string]map[int32]kgo.EpochOffset)
	for tp, o := range offsets {
		if m[tp.Topic] == nil {
			m[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		m[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: o.LeaderEpoch, Offset: o.Offset}
	}
	return m
}

func topicPartitionsToMap(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

func mapToTopicPartitions(m map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, partitions := range m {
		for _, partition := range partitions {
			tps = append(
				tps, TopicPartition{
					Topic:     topic,
					Partition: partition,
				},
			)
		}
	}

	SortPartitions(tps)
	return tps
}

func topicsOf(tps []TopicPartition) []string {
	seen := make(map[string]struct{}, len(tps))
	topics := make([]string, 0, len(tps))
	for _, tp := range tps {
		if _, ok := seen[tp.Topic]; ok {
			continue
		}
		seen[tp.Topic] = struct{}{}
		topics = append(topics, tp.Topic)
	}
	return topics
}

func topicsOfSet(set map[TopicPartition]struct{}) []string {
	tps := make([]TopicPartition, 0, len(set))
	for tp := range set {
		tps = append(tps, tp)
	}
	SortPartitions(tps)
	return topicsOf(tps)
}

// topicsDifference returns the topics in a that are not in b.
func topicsDifference(a, b []string) []string {
	exclude := make(map[string]struct{}, len(b))
	for _, t := range b {
		exclude[t] = struct{}{}
	}

	var diff []string
	for _, t := range a {
		if _, ok := exclude[t]; !ok {
			diff = append(diff, t)
		}
	}
	return diff
}
