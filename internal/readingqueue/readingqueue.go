// Package readingqueue provides an unbounded FIFO between a producer that
// must never block and a consumer that may lag. Data enter via Push and
// leave via a channel.
package readingqueue

import "sync"

// Queue holds queued items in memory when the consumer falls behind.
// Beware! You almost certainly want T to be a small value type; use
// pointers for large objects.
type Queue[T any] struct {
	mu     sync.Mutex
	buf    []T
	closed bool
	wake   chan struct{}
	out    chan T
}

// New creates a Queue and starts its delivery goroutine.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go q.run()
	return q
}

// Push enqueues one item without blocking. Push after Close panics, as a
// send on a closed channel would.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		panic("readingqueue: Push on closed Queue")
	}
	q.buf = append(q.buf, v)
	q.mu.Unlock()
	q.signal()
}

// Close stops the queue. Items already pushed are still delivered, then
// the output channel is closed. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Out returns the channel items are delivered on, in push order.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len reports how many items are queued but not yet delivered.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				close(q.out)
				return
			}
			<-q.wake
			continue
		}
		v := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		q.out <- v
	}
}
