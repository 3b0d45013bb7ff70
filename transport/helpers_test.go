package transport_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/transport-session-go/channel/memchan"
	"github.com/ggoodman/transport-session-go/internal/logctx"
	"github.com/ggoodman/transport-session-go/message"
	"github.com/ggoodman/transport-session-go/packet"
	"github.com/ggoodman/transport-session-go/transport"
)

// logBridge forwards slog records to t.Log until the test finishes.
type logBridge struct {
	slog.Handler
	t      *testing.T
	buf    *bytes.Buffer
	mu     *sync.Mutex
	closed *bool
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if *b.closed {
		return nil
	}
	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *b
	cp.Handler = b.Handler.WithAttrs(attrs)
	return &cp
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	cp := *b
	cp.Handler = b.Handler.WithGroup(name)
	return &cp
}

func testLogger(t *testing.T) *slog.Logger {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}, closed: new(bool)}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	t.Cleanup(func() {
		b.mu.Lock()
		*b.closed = true
		b.mu.Unlock()
	})
	return slog.New(logctx.Handler{Handler: b})
}

func newSession(t *testing.T, ch transport.Channel, opts transport.Options) *transport.Session {
	t.Helper()
	s, err := transport.New(ch, opts, transport.WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	t.Cleanup(s.Destroy)
	return s
}

// serve answers every inbound request on s with fn's result until s is
// destroyed.
func serve(s *transport.Session, fn func(p *packet.Packet, v any) any) {
	go func() {
		for ev := range s.Events() {
			if ev.Kind != transport.EventMessage || ev.Packet.ReplyTo == "" {
				continue
			}
			_ = s.Reply(context.Background(), ev.Packet, fn(ev.Packet, ev.Value))
		}
	}()
}

// echo replies with the request data as the result.
func echo(_ *packet.Packet, v any) any {
	m, ok := v.(*message.Any)
	if !ok || !m.IsRequest() {
		return message.NewErrorResponse(message.ErrorCodeInvalidMessage, "expected request", nil)
	}
	return &message.Response{Result: m.Data}
}

func topicPair(t *testing.T, clientOpts, serverOpts transport.Options) (*memchan.Bus, *transport.Session, *transport.Session) {
	t.Helper()
	bus := memchan.New()
	t.Cleanup(func() { _ = bus.Close() })
	serverOpts.ServerSide = true
	server := newSession(t, bus, serverOpts)
	client := newSession(t, bus, clientOpts)
	return bus, client, server
}

func nextEvent(t *testing.T, s *transport.Session, kind transport.EventKind) transport.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("events closed waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
