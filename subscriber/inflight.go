package subscriber

import (
	"context"
	"sync"
	"time"

	"github.com/hugolhafner/go-subscriber/kafka"
)

// inFlightTracker holds the partitions whose last fetched message has not
// been acknowledged yet, keyed to the handle that owns the slot.
type inFlightTracker struct {
	mu      sync.Mutex
	holders map[kafka.TopicPartition]*AckHandle
	freed   chan struct{}
}

func newInFlightTracker() *inFlightTracker {
	return &inFlightTracker{
		holders: make(map[kafka.TopicPartition]*AckHandle),
		freed:   make(chan struct{}, 1),
	}
}

// Acquire marks the handle's partition in flight. It fails if the partition
// is already held.
func (t *inFlightTracker) Acquire(h *AckHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.holders[h.partition]; ok {
		return false
	}
	t.holders[h.partition] = h
	return true
}

// Release frees the handle's partition if h still holds it and signals the
// fetch loop.
func (t *inFlightTracker) Release(h *AckHandle) bool {
	t.mu.Lock()
	if t.holders[h.partition] != h {
		t.mu.Unlock()
		return false
	}
	delete(t.holders, h.partition)
	t.mu.Unlock()

	t.signal()
	return true
}

func (t *inFlightTracker) Holds(h *AckHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.holders[h.partition] == h
}

// Active returns the partitions of assignment that are not in flight.
func (t *inFlightTracker) Active(assignment []kafka.TopicPartition) []kafka.TopicPartition {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := make([]kafka.TopicPartition, 0, len(assignment))
	for _, tp := range assignment {
		if _, ok := t.holders[tp]; !ok {
			active = append(active, tp)
		}
	}
	return active
}

// Prune drops in-flight partitions that are no longer assigned and returns
// them.
func (t *inFlightTracker) Prune(assignment []kafka.TopicPartition) []kafka.TopicPartition {
	owned := make(map[kafka.TopicPartition]struct{}, len(assignment))
	for _, tp := range assignment {
		owned[tp] = struct{}{}
	}

	t.mu.Lock()
	var dropped []kafka.TopicPartition
	for tp := range t.holders {
		if _, ok := owned[tp]; !ok {
			delete(t.holders, tp)
			dropped = append(dropped, tp)
		}
	}
	t.mu.Unlock()

	if len(dropped) > 0 {
		kafka.SortPartitions(dropped)
		t.signal()
	}
	return dropped
}

// Drop frees the given partitions whoever holds them and returns the ones
// that were in flight.
func (t *inFlightTracker) Drop(partitions []kafka.TopicPartition) []kafka.TopicPartition {
	t.mu.Lock()
	var dropped []kafka.TopicPartition
	for _, tp := range partitions {
		if _, ok := t.holders[tp]; ok {
			delete(t.holders, tp)
			dropped = append(dropped, tp)
		}
	}
	t.mu.Unlock()

	if len(dropped) > 0 {
		t.signal()
	}
	return dropped
}

func (t *inFlightTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.holders)
}

// Freed fires once after one or more releases. Receiving from it clears the
// signal.
func (t *inFlightTracker) Freed() <-chan struct{} {
	return t.freed
}

// Clear discards a pending freed signal. Releases before the call are
// reflected by a following Active, so only later ones should interrupt a
// fetch.
func (t *inFlightTracker) Clear() {
	select {
	case <-t.freed:
	default:
	}
}

// WaitFreed blocks until a partition is freed, d elapses or ctx is done. It
// reports whether a release was observed.
func (t *inFlightTracker) WaitFreed(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.freed:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *inFlightTracker) signal() {
	select {
	case t.freed <- struct{}{}:
	default:
	}
}
