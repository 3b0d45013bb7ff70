// Package fifo runs an unbounded, ordered hand-off from any number of
// producers to a single consumer goroutine.
package fifo

import (
	"sync"

	"github.com/eapache/queue"
)

// FIFO delivers pushed items to fn on its own goroutine in push order.
// Push never blocks.
type FIFO struct {
	mu     sync.Mutex
	q      *queue.Queue
	fn     func(any)
	closed bool
	wake   chan struct{}
	stop   chan struct{}
}

// New starts a FIFO that hands items to fn.
func New(fn func(any)) *FIFO {
	f := &FIFO{
		q:    queue.New(),
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go f.run()
	return f
}

// Push queues v. It reports false once the FIFO is closed.
func (f *FIFO) Push(v any) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.q.Add(v)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

// Len reports the number of queued items.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.q.Length()
}

// Close stops delivery and returns the items that were never handed to
// fn. An item already being handled completes normally. Close may be
// called from fn.
func (f *FIFO) Close() []any {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	rest := make([]any, 0, f.q.Length())
	for f.q.Length() > 0 {
		rest = append(rest, f.q.Remove())
	}
	f.mu.Unlock()
	close(f.stop)
	return rest
}

func (f *FIFO) run() {
	for {
		f.mu.Lock()
		if f.q.Length() == 0 {
			closed := f.closed
			f.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-f.wake:
			case <-f.stop:
			}
			continue
		}
		v := f.q.Remove()
		f.mu.Unlock()
		f.fn(v)
	}
}
