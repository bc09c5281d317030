package subscriber

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-subscriber/errorhandler"
	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/hugolhafner/go-subscriber/logger"
	"github.com/hugolhafner/go-subscriber/otel"
)

type state int

const (
	stateNew state = iota
	stateStarting
	stateRunning
	stateStopped
)

// strategy is how topics turn into partitions: joining the consumer group or
// assigning partition 0 of every topic directly.
type strategy int

const (
	strategyGroup strategy = iota
	strategyAssign
)

// Subscriber delivers messages from a Kafka broker one at a time per
// partition. A partition fetches again only after its last message was
// committed or rolled back.
type Subscriber struct {
	broker   kafka.Broker
	config   Config
	strategy strategy
	freeze   time.Duration

	inflight     *inFlightTracker
	delivery     *deliveryChannel
	listener     *rebalanceListener
	errorHandler errorhandler.Handler

	mu         sync.Mutex
	state      state
	runCtx     context.Context
	runCancel  context.CancelFunc
	generation uint64

	fetchCancel  context.CancelFunc
	fetchDone    chan struct{}
	freezeCancel context.CancelFunc
	freezeDone   chan struct{}

	// serialises Subscribe and Unsubscribe
	subMu sync.Mutex

	ready atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error

	logger    logger.Logger
	telemetry *otel.Telemetry
}

// New returns a Subscriber that joins the broker's consumer group.
func New(broker kafka.Broker, opts ...Option) *Subscriber {
	return newSubscriber(broker, strategyGroup, opts)
}

func newSubscriber(broker kafka.Broker, strat strategy, opts []Option) *Subscriber {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	l := config.Logger.With("component", "subscriber")
	if broker.GroupID() != "" {
		l = l.With("group", broker.GroupID())
	}

	handler := config.FetchErrorHandler
	if handler == nil {
		handler = errorhandler.WithBackoff(backoff.NewFixed(time.Second), errorhandler.LogAndContinue(l))
	}

	s := &Subscriber{
		broker:       broker,
		config:       config,
		strategy:     strat,
		freeze:       config.freeze(),
		inflight:     newInFlightTracker(),
		delivery:     newDeliveryChannel(),
		errorHandler: errorhandler.NewPhaseRouter(nil, handler, nil),
		done:         make(chan struct{}),
		logger:       l,
		telemetry:    config.Telemetry,
	}
	s.listener = newRebalanceListener(s)

	return s
}

// Start connects to the broker and subscribes to the configured topics. It
// returns an error wrapping ErrConnection if the broker stayed unreachable.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateNew {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = stateStarting
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := s.runCtx
	s.mu.Unlock()

	err := s.connect(ctx, runCtx)

	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("Unable to connect to broker", "error", err)
		s.shutdown(context.Background(), err)
		return err
	}
	s.state = stateRunning
	s.mu.Unlock()

	if len(s.config.Topics) > 0 {
		if err := s.Subscribe(ctx, s.config.Topics...); err != nil {
			s.shutdown(context.Background(), err)
			return err
		}
	}

	s.logger.Info("Subscriber started", "topics", s.config.Topics, "freeze", s.freeze)
	return nil
}

// connect pings the broker until it answers. Stop cancels runCtx, which ends
// the attempts early.
func (s *Subscriber) connect(ctx, runCtx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	var err error
	for attempt := 0; attempt < s.config.ReconnectAttempts; attempt++ {
		if err = s.broker.Ping(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
		}

		wait := s.config.ReconnectBackoff.Next(uint(attempt))
		s.logger.Warn("Broker unreachable", "attempt", attempt+1, "retry_in", wait, "error", err)

		if attempt == s.config.ReconnectAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%w: %d attempts exhausted: %w", ErrConnection, s.config.ReconnectAttempts, err)
}

// Stop cancels fetching, waits for the fetch and freeze goroutines to exit
// within ctx and closes the broker. It is safe to call more than once and
// after the subscriber terminated on its own.
func (s *Subscriber) Stop(ctx context.Context) error {
	return s.shutdown(ctx, nil)
}

func (s *Subscriber) shutdown(ctx context.Context, cause error) error {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.state = stateStopped
	s.generation++
	s.stopFetchingLocked()
	s.cancelFreezeLocked()
	fetchDone, freezeDone := s.fetchDone, s.freezeDone
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()

	s.ready.Store(false)
	if cause != nil {
		s.setErr(cause)
	}

	var waitErr error
	for _, ch := range []chan struct{}{fetchDone, freezeDone} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
	}
	if waitErr != nil {
		s.logger.Warn("Timed out waiting for fetch loop to stop", "error", waitErr)
	}

	s.broker.Close()
	s.doneOnce.Do(func() { close(s.done) })

	s.logger.Info("Subscriber stopped")
	return waitErr
}

// terminate stops the subscriber after a fatal error. It never blocks the
// calling goroutine, which may be the fetch loop itself.
func (s *Subscriber) terminate(err error) {
	s.logger.Error("Subscriber terminating", "error", err)
	s.setErr(err)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.shutdown(ctx, err)
	}()
}

func (s *Subscriber) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

// Done is closed once the subscriber has stopped, deliberately or not.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscriber stopped on its own. It is nil while running
// and after a deliberate Stop.
func (s *Subscriber) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

// Ready reports whether partitions are currently assigned.
func (s *Subscriber) Ready() bool {
	return s.ready.Load()
}

// Subscribe adds topics to the subscription.
func (s *Subscriber) Subscribe(ctx context.Context, topics ...string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.strategy == strategyAssign {
		return s.assignTopics(ctx, topics)
	}

	wanted := union(s.broker.Subscription(), topics)
	if err := s.broker.Subscribe(wanted, s.listener); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}

	s.logger.Info("Subscribed", "topics", wanted)
	return nil
}

// Unsubscribe removes topics from the subscription. Topics that were not
// subscribed are ignored.
func (s *Subscriber) Unsubscribe(ctx context.Context, topics ...string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.strategy == strategyAssign {
		return s.unassignTopics(ctx, topics)
	}

	wanted := difference(s.broker.Subscription(), topics)
	if err := s.broker.Subscribe(wanted, s.listener); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", topics, err)
	}

	s.logger.Info("Unsubscribed", "topics", topics, "remaining", wanted)
	return nil
}

// Subscription returns the topics currently consumed.
func (s *Subscriber) Subscription() []string {
	if s.strategy == strategyAssign {
		return partitionTopics(s.broker.Assignment())
	}

	topics := s.broker.Subscription()
	slices.Sort(topics)
	return topics
}

// RequestNext waits for the next message from any partition that is not in
// flight. A timeout of zero uses the configured request timeout. When the
// deadline passes first it returns ErrRequestTimeout and the message, if one
// was fetched, stays on the broker for the next request.
func (s *Subscriber) RequestNext(ctx context.Context, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = s.config.RequestTimeout
	}

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch st {
	case stateNew, stateStarting:
		return nil, ErrNotStarted
	case stateStopped:
		return nil, ErrStopped
	case stateRunning:
	}

	return s.delivery.request(ctx, timeout, s.done)
}

func (s *Subscriber) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	default:
		return ErrNotStarted
	}
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, t := range b {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

func difference(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, t := range a {
		if !slices.Contains(b, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

func partitionTopics(tps []kafka.TopicPartition) []string {
	var topics []string
	for _, tp := range tps {
		if !slices.Contains(topics, tp.Topic) {
			topics = append(topics, tp.Topic)
		}
	}
	slices.Sort(topics)
	return topics
}

var errFreed = errors.New("partition freed")
