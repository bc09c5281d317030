package subscriber

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	requestPending int32 = iota
	requestDelivered
	requestWithdrawn
)

// pendingRequest is a single RequestNext call waiting for a message. Exactly
// one of deliver and withdraw succeeds.
type pendingRequest struct {
	state  atomic.Int32
	result chan *Message
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{result: make(chan *Message, 1)}
}

func (r *pendingRequest) deliver(m *Message) bool {
	if !r.state.CompareAndSwap(requestPending, requestDelivered) {
		return false
	}
	r.result <- m
	return true
}

func (r *pendingRequest) withdraw() bool {
	return r.state.CompareAndSwap(requestPending, requestWithdrawn)
}

// deliveryChannel hands fetched messages to at most one waiting requester.
// Further requesters queue on the slot until it frees or their own deadline
// passes.
type deliveryChannel struct {
	slot     chan struct{}
	requests chan *pendingRequest
}

func newDeliveryChannel() *deliveryChannel {
	return &deliveryChannel{
		slot:     make(chan struct{}, 1),
		requests: make(chan *pendingRequest),
	}
}

// request waits until a message is delivered, timeout elapses, ctx is done
// or stopped is closed.
func (d *deliveryChannel) request(
	ctx context.Context, timeout time.Duration, stopped <-chan struct{},
) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d.slot <- struct{}{}:
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopped:
		return nil, ErrStopped
	}
	defer func() { <-d.slot }()

	req := newPendingRequest()

	select {
	case d.requests <- req:
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopped:
		return nil, ErrStopped
	}

	var cause error
	select {
	case m := <-req.result:
		return m, nil
	case <-timer.C:
		cause = ErrRequestTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	case <-stopped:
		cause = ErrStopped
	}

	if req.withdraw() {
		return nil, cause
	}

	// lost the race, the message is ours
	return <-req.result, nil
}

// offer waits up to wait for a requester and hands it m. It reports whether
// m was delivered.
func (d *deliveryChannel) offer(ctx context.Context, m *Message, wait time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case req := <-d.requests:
		return req.deliver(m)
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
