// Package retryq holds work that failed and should be retried after a
// delay. Items become visible again once their backoff elapses; the
// queue itself never drops anything, callers decide when an item's
// retry count has run out.
package retryq

import (
	"sync"
	"time"

	pq "github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/emirpasic/gods/utils"
)

// Backoff maps a retry count to the delay before the item is visible
// again.
type Backoff func(retries int) time.Duration

// Linear returns a backoff of retries*step.
func Linear(step time.Duration) Backoff {
	return func(retries int) time.Duration {
		return time.Duration(retries) * step
	}
}

// Item wraps a queued value with its retry count so the count survives
// the round trip through processing and back into the queue.
type Item[T any] struct {
	Value   T
	Retries int
	readyAt time.Time
}

type Queue[T any] struct {
	mu      sync.Mutex
	queue   pq.Queue // ordered by readyAt, not safe for concurrent use
	backoff Backoff
}

func New[T any](backoff Backoff) *Queue[T] {
	return &Queue[T]{queue: *pq.NewWith(byReadyAt[T]), backoff: backoff}
}

func byReadyAt[T any](a, b interface{}) int {
	return utils.TimeComparator(a.(Item[T]).readyAt, b.(Item[T]).readyAt)
}

// Push enqueues a value that has failed `retries` times already. Its
// next attempt is delayed by the backoff for that count.
func (q *Queue[T]) Push(value T, retries int) {
	readyAt := time.Now().Add(q.backoff(retries))

	q.mu.Lock()
	defer q.mu.Unlock()

	q.queue.Enqueue(Item[T]{Value: value, Retries: retries + 1, readyAt: readyAt})
}

// Pop returns the next item whose backoff has elapsed, or ok=false when
// the queue is empty or nothing is ready yet.
func (q *Queue[T]) Pop() (item Item[T], ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	peek, ok := q.queue.Peek()
	if !ok || peek.(Item[T]).readyAt.After(time.Now()) {
		return Item[T]{}, false
	}
	return q.dequeue()
}

// PopAny returns the next item regardless of backoff. For callers that
// must settle the queue now rather than wait, such as a final drain.
func (q *Queue[T]) PopAny() (item Item[T], ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dequeue()
}

func (q *Queue[T]) dequeue() (Item[T], bool) {
	next, ok := q.queue.Dequeue()
	if !ok {
		return Item[T]{}, false
	}
	return next.(Item[T]), true
}

func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.queue.Size()
}
