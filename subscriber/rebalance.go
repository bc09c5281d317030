package subscriber

import (
	"context"
	"time"
	"weak"

	"github.com/hugolhafner/go-subscriber/kafka"
	streamsotel "github.com/hugolhafner/go-subscriber/otel"
	"go.opentelemetry.io/otel/metric"
)

var _ kafka.RebalanceListener = (*rebalanceListener)(nil)

// rebalanceListener forwards broker rebalance callbacks to the subscriber
// without keeping it reachable.
type rebalanceListener struct {
	sub weak.Pointer[Subscriber]
}

func newRebalanceListener(s *Subscriber) *rebalanceListener {
	return &rebalanceListener{sub: weak.Make(s)}
}

func (l *rebalanceListener) OnPartitionsRevoked(ctx context.Context, partitions []kafka.TopicPartition) {
	if s := l.sub.Value(); s != nil {
		s.handleRevoked(ctx, partitions)
	}
}

func (l *rebalanceListener) OnPartitionsAssigned(ctx context.Context, partitions []kafka.TopicPartition) {
	if s := l.sub.Value(); s != nil {
		s.handleAssigned(ctx, partitions)
	}
}

// handleRevoked stops fetching and frees revoked partitions. Handles for
// messages of those partitions become stale.
func (s *Subscriber) handleRevoked(ctx context.Context, partitions []kafka.TopicPartition) {
	s.mu.Lock()
	s.ready.Store(false)
	s.generation++
	s.stopFetchingLocked()
	s.cancelFreezeLocked()
	s.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, s.config.PollInterval)
	defer cancel()
	if err := s.waitFetchStopped(waitCtx); err != nil {
		s.logger.Warn("Fetch loop still running after revoke", "error", err)
	}

	if dropped := s.inflight.Drop(partitions); len(dropped) > 0 {
		s.telemetry.InFlight.Add(ctx, -int64(len(dropped)))
	}

	s.telemetry.Rebalances.Add(
		ctx, 1, metric.WithAttributes(
			streamsotel.AttrRebalanceKind.String(streamsotel.RebalanceRevoked),
		),
	)
	s.logger.Info("Partitions revoked", "partitions", partitions)
}

// handleAssigned restarts fetching once the freeze has elapsed. A revoke or
// a newer assignment during the freeze cancels the pending start.
func (s *Subscriber) handleAssigned(ctx context.Context, partitions []kafka.TopicPartition) {
	s.telemetry.Rebalances.Add(
		ctx, 1, metric.WithAttributes(
			streamsotel.AttrRebalanceKind.String(streamsotel.RebalanceAssigned),
		),
	)
	s.logger.Info("Partitions assigned", "partitions", partitions, "freeze", s.freeze)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning && s.state != stateStarting {
		return
	}
	s.ready.Store(true)

	s.generation++
	s.stopFetchingLocked()
	s.cancelFreezeLocked()

	if s.freeze <= 0 {
		s.startFetchingLocked()
		return
	}

	s.freezeLocked(s.generation)
}

// freezeLocked starts fetching after the freeze unless gen is superseded
// first. s.mu must be held.
func (s *Subscriber) freezeLocked(gen uint64) {
	ctx, cancel := context.WithCancel(s.runCtx)
	done := make(chan struct{})
	s.freezeCancel = cancel
	s.freezeDone = done

	go func() {
		defer close(done)

		timer := time.NewTimer(s.freeze)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.generation != gen || s.state != stateRunning {
			return
		}
		s.logger.Debug("Freeze elapsed, fetching")
		s.startFetchingLocked()
	}()
}

func (s *Subscriber) cancelFreezeLocked() {
	if s.freezeCancel != nil {
		s.freezeCancel()
		s.freezeCancel = nil
	}
}
