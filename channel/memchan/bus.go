// Package memchan provides in-memory channels for single-process
// deployments and tests: a topic Bus and a connected stream Pipe.
package memchan

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ggoodman/transport-session-go/internal/fifo"
	"github.com/ggoodman/transport-session-go/transport"
)

// ErrClosed is reported by writes on a closed channel.
var ErrClosed = errors.New("memchan: closed")

// Bus is an in-memory publish/subscribe channel. Every subscription has an
// unbounded ordered queue, so publishers never block on slow subscribers.
// State is local to the process.
type Bus struct {
	mu       sync.Mutex
	topics   map[string]map[*fifo.FIFO]struct{}
	handlers map[*handlerEntry]struct{}
	closed   bool
	ready    chan struct{}
}

type handlerEntry struct{ h transport.ChannelHandler }

// New creates an empty bus.
func New() *Bus {
	ready := make(chan struct{})
	close(ready)
	return &Bus{
		topics:   make(map[string]map[*fifo.FIFO]struct{}),
		handlers: make(map[*handlerEntry]struct{}),
		ready:    ready,
	}
}

// Ready implements transport.Connector. A bus is always ready.
func (b *Bus) Ready() <-chan struct{} { return b.ready }

// Notify implements transport.Channel.
func (b *Bus) Notify(h transport.ChannelHandler) func() {
	e := &handlerEntry{h: h}
	b.mu.Lock()
	b.handlers[e] = struct{}{}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, e)
		b.mu.Unlock()
	}
}

// Publish implements transport.TopicChannel. Each subscriber receives its
// own copy of p. done is called once p is queued for every subscriber.
func (b *Bus) Publish(topic string, p []byte, done func(error)) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		done(ErrClosed)
		return
	}
	for sub := range b.topics[topic] {
		sub.Push(bytes.Clone(p))
	}
	b.mu.Unlock()
	done(nil)
}

// Subscribe implements transport.TopicChannel.
func (b *Bus) Subscribe(topic string, fn func(p []byte)) (func(), error) {
	sub := fifo.New(func(v any) { fn(v.([]byte)) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Close()
		return nil, ErrClosed
	}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[*fifo.FIFO]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], sub)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			sub.Close()
		})
	}, nil
}

// Subscribers reports the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Close drops every subscription and notifies handlers that the bus went
// offline. Closing twice is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]map[*fifo.FIFO]struct{})
	handlers := make([]transport.ChannelHandler, 0, len(b.handlers))
	for e := range b.handlers {
		handlers = append(handlers, e.h)
	}
	b.mu.Unlock()

	for _, subs := range topics {
		for sub := range subs {
			sub.Close()
		}
	}
	for _, h := range handlers {
		h.HandleClose()
	}
	return nil
}

var (
	_ transport.TopicChannel = (*Bus)(nil)
	_ transport.Connector    = (*Bus)(nil)
)
