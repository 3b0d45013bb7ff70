// Package wschan implements transport.StreamChannel over a websocket.
//
// Every physical write becomes one binary message. A websocket preserves
// message boundaries, but sessions treat it as a plain ordered stream so
// the same framing works over TCP and websockets alike.
package wschan

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/transport-session-go/internal/fifo"
	"github.com/ggoodman/transport-session-go/transport"
	"github.com/gorilla/websocket"
)

// ErrClosed is reported by writes on a closed connection.
var ErrClosed = errors.New("wschan: closed")

const closeGrace = time.Second

// Option configures a Conn.
type Option func(*Conn)

// WithReadLimit bounds the size of one inbound message.
func WithReadLimit(n int64) Option {
	return func(c *Conn) { c.readLimit = n }
}

// WithLogger sets the logger used for connection errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// Conn adapts a websocket connection to transport.StreamChannel.
type Conn struct {
	ws        *websocket.Conn
	readLimit int64
	log       *slog.Logger
	out       *fifo.FIFO
	ready     chan struct{}

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

// New wraps ws and starts its reader and writer.
func New(ws *websocket.Conn, opts ...Option) *Conn {
	ready := make(chan struct{})
	close(ready)
	c := &Conn{
		ws:       ws,
		log:      slog.Default(),
		ready:    ready,
		handlers: make(map[*handlerEntry]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.readLimit > 0 {
		ws.SetReadLimit(c.readLimit)
	}
	c.out = fifo.New(c.write)
	go c.readLoop()
	return c
}

// Dial opens a websocket to url.
func Dial(ctx context.Context, url string, header http.Header, opts ...Option) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return New(ws, opts...), nil
}

// Handler upgrades requests to websockets and passes each connection to
// handle. The connection is closed when handle returns.
func Handler(upgrader *websocket.Upgrader, handle func(r *http.Request, c *Conn), opts ...Option) http.Handler {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error.
			return
		}
		c := New(ws, opts...)
		defer c.Close()
		handle(r, c)
	})
}

// Ready implements transport.Connector.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

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

// Write implements transport.StreamChannel.
func (c *Conn) Write(p []byte, done func(error)) {
	if !c.out.Push(writeReq{p: p, done: done}) {
		done(ErrClosed)
	}
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return c.shutdown(nil)
}

func (c *Conn) write(v any) {
	req := v.(writeReq)
	err := c.ws.WriteMessage(websocket.BinaryMessage, req.p)
	req.done(err)
	if err != nil {
		_ = c.shutdown(err)
	}
}

func (c *Conn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				for _, h := range c.handlerList() {
					h.HandleEnd()
				}
				err = nil
			}
			_ = c.shutdown(err)
			return
		}
		for _, h := range c.handlerList() {
			h.HandleData(msg)
		}
	}
}

func (c *Conn) shutdown(cause error) error {
	var closeErr error
	c.once.Do(func() {
		closeErr = c.ws.Close()
		for _, v := range c.out.Close() {
			v.(writeReq).done(ErrClosed)
		}
		handlers := c.handlerList()
		if cause != nil && websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			c.log.Warn("wschan.conn.error", slog.String("err", cause.Error()))
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
