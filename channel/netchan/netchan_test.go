package netchan

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ggoodman/transport-session-go/channel/channeltest"
	"github.com/ggoodman/transport-session-go/message"
	"github.com/ggoodman/transport-session-go/transport"
)

func TestConn(t *testing.T) {
	channeltest.RunStreamChannelTests(t, func(t *testing.T) (transport.StreamChannel, transport.StreamChannel, func() error) {
		ca, cb := net.Pipe()
		a, b := New(ca), New(cb, WithReadSize(7))
		t.Cleanup(func() {
			_ = a.Close()
			_ = b.Close()
		})
		return a, b, a.Close
	})
}

func TestStdio(t *testing.T) {
	channeltest.RunStreamChannelTests(t, func(t *testing.T) (transport.StreamChannel, transport.StreamChannel, func() error) {
		ar, bw := io.Pipe()
		br, aw := io.Pipe()
		a, b := NewStdio(ar, aw), NewStdio(br, bw, WithReadSize(5))
		t.Cleanup(func() {
			_ = a.Close()
			_ = b.Close()
		})
		if a.Remote() != "stdio" {
			t.Fatalf("unexpected remote %q", a.Remote())
		}
		return a, b, a.Close
	})
}

func TestConn_WriteAfterClose(t *testing.T) {
	t.Parallel()

	ca, _ := net.Pipe()
	c := New(ca)
	_ = c.Close()

	errc := make(chan error, 1)
	c.Write([]byte("x"), func(err error) { errc <- err })
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
}

func TestServe_TCPRequestReply(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, ln, func(ctx context.Context, c *Conn) {
			s, err := transport.New(c, transport.Options{ServerSide: true})
			if err != nil {
				return
			}
			defer s.Destroy()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-s.Events():
					if !ok || ev.Kind == transport.EventClose {
						return
					}
					if m, ok := ev.Value.(*message.Any); ok && m.IsRequest() {
						_ = s.Reply(ctx, ev.Packet, &message.Response{Result: m.Data})
					}
				}
			}
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	dctx, dcancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer dcancel()
	conn, err := Dial(dctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	client, err := transport.New(conn, transport.Options{MaxSize: 256})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	defer client.Destroy()

	req, _ := message.NewRequest("ping", map[string]int{"n": 42})
	v, err := client.Request(dctx, "ping", req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if m := v.(*message.Any); string(m.Result) != `{"n":42}` {
		t.Fatalf("unexpected result %s", m.Result)
	}
}
