// Package queue provides an unbounded multi-producer single-consumer queue
// that hands its items to a channel.
//
// Producers never block: Push appends to a lock-free linked list and the
// consumer goroutine moves items from the list to the Recv channel. The
// queue is used for change stream subscriptions and conflict tasks, where a
// slow reader must never stall a write.
//
// Ordering: items pushed by one goroutine are delivered in push order.
// Concurrent producers are ordered by who completed the append first.
//
// A queue created with NewBounded holds at most limit undelivered items
// (plus the one the consumer is handing over); Push rejects items beyond that.
package queue

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Queue is an unbounded MPSC queue. The zero value is not usable, use New.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
	out  chan T

	limit int64        // 0 = unbounded
	size  atomic.Int64 // items in the list

	closed   atomic.Bool   // no more pushes, pending items are still delivered
	canceled chan struct{} // no more deliveries
	cancel   sync.Once
	consumer sync.WaitGroup

	mu   sync.Mutex
	cond *sync.Cond
}

// New creates an unbounded queue and starts its consumer goroutine.
func New[T any]() *Queue[T] {
	return NewBounded[T](0)
}

// NewBounded creates a queue holding at most limit undelivered items.
// A limit <= 0 creates an unbounded queue.
func NewBounded[T any](limit int) *Queue[T] {
	sentinel := &node[T]{}
	q := &Queue[T]{
		out:      make(chan T),
		canceled: make(chan struct{}),
		limit:    int64(max(limit, 0)),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()
	return q
}

// Push appends value. It returns false if the queue is closed or full.
func (q *Queue[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}
	if n := q.size.Add(1); q.limit > 0 && n > q.limit {
		q.size.Add(-1)
		return false
	}

	n := &node[T]{value: value}
	var backoff uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// may fail if another producer already moved the tail forward
				q.tail.CompareAndSwap(tail, n)
				q.signal()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

func (q *Queue[T]) signal() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *Queue[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true
			q.head.Store(next)
			q.size.Add(-1)

			select {
			case q.out <- next.value:
			case <-q.canceled:
				return
			}
			var zero T
			next.value = zero
		}

		if !delivered && q.closed.Load() {
			return
		}
		if !delivered {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() && !q.isCanceled() {
				q.cond.Wait()
			}
			q.mu.Unlock()
			if q.isCanceled() {
				return
			}
		}
	}
}

func (q *Queue[T]) isCanceled() bool {
	select {
	case <-q.canceled:
		return true
	default:
		return false
	}
}

// Recv returns the channel the items are delivered on. It is closed once the
// queue is closed and drained, or canceled.
func (q *Queue[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting items. Items already queued are still delivered.
func (q *Queue[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// Cancel stops accepting and delivering items and waits for the consumer to exit.
// Undelivered items are dropped.
func (q *Queue[T]) Cancel() {
	q.closed.Store(true)
	q.cancel.Do(func() { close(q.canceled) })
	q.signal()
	q.consumer.Wait()
}

// IsClosed reports whether the queue stopped accepting items.
func (q *Queue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len counts the queued items. It walks the list and is meant for tests and debugging.
func (q *Queue[T]) Len() int {
	count := 0
	for cur := q.head.Load().next.Load(); cur != nil; cur = cur.next.Load() {
		count++
	}
	return count
}
