package pipeline

import (
	"context"
	"sync"

	"github.com/droverhq/drover/internal/job"
)

// Queue is an unbounded thread-safe FIFO. A job is handed off between stages
// by queue insertion: the pusher must not touch it afterwards, so a job lives
// on at most one queue at any instant.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the head of the queue without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// keep the wakeup token alive for the next waiter
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return v, true
}

// Pop blocks until an item is available or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, true
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Queues is the fixed set of named stage queues. Within one queue insertion
// order is the only guarantee; across queues there is none.
type Queues struct {
	Jobs     *Queue[*job.Job]
	Payloads *Queue[*job.Job]
	DataIn   *Queue[*job.Job]
	DataOut  *Queue[*job.Job]

	ValidatedJobs     *Queue[*job.Job]
	ValidatedPayloads *Queue[*job.Job]

	FinishedJobs     *Queue[*job.Job]
	FinishedPayloads *Queue[*job.Job]
	FinishedDataIn   *Queue[*job.Job]
	FinishedDataOut  *Queue[*job.Job]

	FailedJobs     *Queue[*job.Job]
	FailedPayloads *Queue[*job.Job]
	FailedDataIn   *Queue[*job.Job]
	FailedDataOut  *Queue[*job.Job]
}

func NewQueues() *Queues {
	return &Queues{
		Jobs:     NewQueue[*job.Job](),
		Payloads: NewQueue[*job.Job](),
		DataIn:   NewQueue[*job.Job](),
		DataOut:  NewQueue[*job.Job](),

		ValidatedJobs:     NewQueue[*job.Job](),
		ValidatedPayloads: NewQueue[*job.Job](),

		FinishedJobs:     NewQueue[*job.Job](),
		FinishedPayloads: NewQueue[*job.Job](),
		FinishedDataIn:   NewQueue[*job.Job](),
		FinishedDataOut:  NewQueue[*job.Job](),

		FailedJobs:     NewQueue[*job.Job](),
		FailedPayloads: NewQueue[*job.Job](),
		FailedDataIn:   NewQueue[*job.Job](),
		FailedDataOut:  NewQueue[*job.Job](),
	}
}
