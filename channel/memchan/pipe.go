package memchan

import (
	"bytes"
	"sync"

	"github.com/ggoodman/transport-session-go/internal/fifo"
	"github.com/ggoodman/transport-session-go/transport"
)

// PipeOption configures Pipe.
type PipeOption func(*pipeConfig)

type pipeConfig struct {
	readSize int
}

// WithReadSize splits every write into reads of at most n bytes on the
// receiving end, the way a socket may.
func WithReadSize(n int) PipeOption {
	return func(c *pipeConfig) { c.readSize = n }
}

// Stream is one end of an in-memory duplex byte stream.
type Stream struct {
	peer *Stream
	cfg  pipeConfig
	in   *fifo.FIFO

	mu       sync.Mutex
	handlers map[*handlerEntry]struct{}
	closed   bool
}

type streamEvent struct {
	data  []byte
	end   bool
	close bool
}

// Pipe returns two connected stream ends. Bytes written on one are read,
// in order, on the other.
func Pipe(opts ...PipeOption) (*Stream, *Stream) {
	var cfg pipeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	a := &Stream{cfg: cfg, handlers: make(map[*handlerEntry]struct{})}
	b := &Stream{cfg: cfg, handlers: make(map[*handlerEntry]struct{})}
	a.peer, b.peer = b, a
	a.in = fifo.New(a.dispatch)
	b.in = fifo.New(b.dispatch)
	return a, b
}

// Notify implements transport.Channel.
func (s *Stream) Notify(h transport.ChannelHandler) func() {
	e := &handlerEntry{h: h}
	s.mu.Lock()
	s.handlers[e] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, e)
		s.mu.Unlock()
	}
}

// Write implements transport.StreamChannel.
func (s *Stream) Write(p []byte, done func(error)) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		done(ErrClosed)
		return
	}

	data := bytes.Clone(p)
	n := s.cfg.readSize
	if n <= 0 || len(data) <= n {
		s.peer.in.Push(streamEvent{data: data})
	} else {
		for off := 0; off < len(data); off += n {
			s.peer.in.Push(streamEvent{data: data[off:min(off+n, len(data))]})
		}
	}
	done(nil)
}

// Close shuts both ends. The peer sees an end followed by a close, after
// any bytes already written.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.peer.in.Push(streamEvent{end: true})
	s.peer.in.Push(streamEvent{close: true})
	s.in.Push(streamEvent{close: true})

	s.peer.mu.Lock()
	s.peer.closed = true
	s.peer.mu.Unlock()
	return nil
}

func (s *Stream) dispatch(v any) {
	ev := v.(streamEvent)
	s.mu.Lock()
	handlers := make([]transport.ChannelHandler, 0, len(s.handlers))
	for e := range s.handlers {
		handlers = append(handlers, e.h)
	}
	s.mu.Unlock()

	for i, h := range handlers {
		if i > 0 && ev.data != nil {
			ev.data = bytes.Clone(ev.data)
		}
		switch {
		case ev.close:
			h.HandleClose()
		case ev.end:
			h.HandleEnd()
		default:
			h.HandleData(ev.data)
		}
	}
	if ev.close {
		s.in.Close()
	}
}

var _ transport.StreamChannel = (*Stream)(nil)
