// Package dispatch delivers callbacks on a context chosen by the caller, so that
// code observing downloads never runs on transport goroutines.
package dispatch

import "sync"

// Dispatcher runs functions in the order they were dispatched.
type Dispatcher interface {
	Dispatch(fn func())
}

// Inline runs functions on the dispatching goroutine.
type Inline struct{}

func (Inline) Dispatch(fn func()) {
	fn()
}

// Queue runs functions one at a time on a dedicated goroutine, in FIFO order.
// Dispatch never blocks; the backlog is unbounded.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)

	go q.loop()

	return q
}

// Dispatch enqueues fn. Functions dispatched after Close are dropped.
func (q *Queue) Dispatch(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.items = append(q.items, fn)
	q.cond.Signal()
}

// Close stops accepting work, runs what is already queued and waits for it.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done

		return
	}

	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()

	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}

		if len(q.items) == 0 {
			q.mu.Unlock()

			return
		}

		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}
