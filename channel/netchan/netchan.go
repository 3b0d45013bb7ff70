// Package netchan implements transport.StreamChannel over a net.Conn or
// any other byte stream, such as a process's standard input and output.
//
// Writes are queued and issued by a single writer goroutine so callers
// never block on the socket; each write's done callback fires once the
// bytes were handed to the connection or the connection failed. A reader
// goroutine forwards every read to the registered handlers.
package netchan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/ggoodman/transport-session-go/internal/fifo"
	"github.com/ggoodman/transport-session-go/transport"
)

// ErrClosed is reported by writes on a closed connection.
var ErrClosed = errors.New("netchan: closed")

// DefaultReadSize is the read buffer size.
const DefaultReadSize = 32 * 1024

// Option configures a Conn.
type Option func(*Conn)

// WithReadSize sets the read buffer size.
func WithReadSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// WithLogger sets the logger used for connection errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// Conn adapts a byte stream to transport.StreamChannel.
type Conn struct {
	conn     io.ReadWriteCloser
	remote   string
	readSize int
	log      *slog.Logger
	out      *fifo.FIFO
	ready    chan struct{}

	mu       sync.Mutex
	handlers map[*handlerEntry]struct{}
	once     sync.Once
	done     chan struct{}
}

type handlerEntry struct{ h transport.ChannelHandler }

type writeReq struct {
	p    []byte
	done func(error)
}

// New wraps conn and starts its reader and writer.
func New(conn net.Conn, opts ...Option) *Conn {
	return newConn(conn, conn.RemoteAddr().String(), opts...)
}

func newConn(conn io.ReadWriteCloser, remote string, opts ...Option) *Conn {
	ready := make(chan struct{})
	close(ready)
	c := &Conn{
		conn:     conn,
		remote:   remote,
		readSize: DefaultReadSize,
		log:      slog.Default(),
		ready:    ready,
		handlers: make(map[*handlerEntry]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.out = fifo.New(c.write)
	go c.readLoop()
	return c
}

// Dial connects to address and wraps the connection.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Ready implements transport.Connector. A wrapped connection is already
// established.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Remote describes the peer, typically its network address.
func (c *Conn) Remote() string { return c.remote }

// Notify implements transport.Channel.
func (c *Conn) Notify(h transport.ChannelHandler) func() {
	e := &handlerEntry{h: h}
	c.mu.Lock()
	c.handlers[e] = struct{}{}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, e)
		c.mu.Unlock()
	}
}

// Write implements transport.StreamChannel. p must not be modified until
// done is called.
func (c *Conn) Write(p []byte, done func(error)) {
	if !c.out.Push(writeReq{p: p, done: done}) {
		done(ErrClosed)
	}
}

// Close closes the connection. Queued writes fail with ErrClosed and
// handlers observe a close.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

func (c *Conn) write(v any) {
	req := v.(writeReq)
	_, err := c.conn.Write(req.p)
	req.done(err)
	if err != nil {
		_ = c.shutdown(err)
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, c.readSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := bytes.Clone(buf[:n])
			for _, h := range c.handlerList() {
				h.HandleData(data)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				for _, h := range c.handlerList() {
					h.HandleEnd()
				}
				err = nil
			}
			_ = c.shutdown(err)
			return
		}
	}
}

// shutdown closes the connection once. A non-nil cause is reported to
// handlers unless the connection was closed locally.
func (c *Conn) shutdown(cause error) error {
	var closeErr error
	c.once.Do(func() {
		closeErr = c.conn.Close()
		for _, v := range c.out.Close() {
			v.(writeReq).done(ErrClosed)
		}
		handlers := c.handlerList()
		if cause != nil && !errors.Is(cause, net.ErrClosed) {
			c.log.Warn("netchan.conn.error", slog.String("remote", c.remote), slog.String("err", cause.Error()))
			for _, h := range handlers {
				h.HandleError(cause)
			}
		}
		for _, h := range handlers {
			h.HandleClose()
		}
		close(c.done)
	})
	return closeErr
}

func (c *Conn) handlerList() []transport.ChannelHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.ChannelHandler, 0, len(c.handlers))
	for e := range c.handlers {
		out = append(out, e.h)
	}
	return out
}

var (
	_ transport.StreamChannel = (*Conn)(nil)
	_ transport.Connector     = (*Conn)(nil)
)
