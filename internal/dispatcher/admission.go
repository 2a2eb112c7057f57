package dispatcher

import (
	"context"
	"sync/atomic"
	"time"
)

// Admission bounds in-flight request concurrency with a semaphore plus a
// waiting queue, rejecting outright once the queue itself is full (spec
// §4.E "Admission control").
type Admission struct {
	sem   chan struct{}
	queue chan struct{}

	timeoutRequests     atomic.Int64
	queueFullRejections atomic.Int64
}

// NewAdmission creates an Admission with maxConcurrent permits and a
// waiting-queue capacity of queueSize.
func NewAdmission(maxConcurrent, queueSize int) *Admission {
	if maxConcurrent <= 0 {
		maxConcurrent = 30
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Admission{
		sem:   make(chan struct{}, maxConcurrent),
		queue: make(chan struct{}, queueSize),
	}
}

// ErrQueueFull is returned by Acquire when the waiting queue is already
// at capacity.
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string { return "admission queue is full" }

// ErrAdmissionTimeout is returned by Acquire when timeout elapses before
// a permit becomes available.
type ErrAdmissionTimeout struct{}

func (ErrAdmissionTimeout) Error() string { return "admission timed out waiting for a permit" }

// Acquire blocks until a permit is available, timeout elapses, or ctx is
// cancelled. The returned release func must be called exactly once.
func (a *Admission) Acquire(ctx context.Context, timeout time.Duration) (release func(), err error) {
	select {
	case a.queue <- struct{}{}:
	default:
		a.queueFullRejections.Add(1)
		return nil, ErrQueueFull{}
	}
	defer func() { <-a.queue }()

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case a.sem <- struct{}{}:
		return func() { <-a.sem }, nil
	case <-acquireCtx.Done():
		a.timeoutRequests.Add(1)
		return nil, ErrAdmissionTimeout{}
	}
}

// TimeoutRequests reports the running count of admission timeouts.
func (a *Admission) TimeoutRequests() int64 { return a.timeoutRequests.Load() }

// QueueFullRejections reports the running count of queue-overflow rejections.
func (a *Admission) QueueFullRejections() int64 { return a.queueFullRejections.Load() }

// QueueDepth reports how many requests are currently waiting for a
// permit; a request leaves the queue as soon as Acquire returns.
func (a *Admission) QueueDepth() int { return len(a.queue) }
