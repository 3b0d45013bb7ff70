package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/transport-session-go/channel/memchan"
	"github.com/ggoodman/transport-session-go/codings"
	"github.com/ggoodman/transport-session-go/message"
	"github.com/ggoodman/transport-session-go/packet"
	"github.com/ggoodman/transport-session-go/transport"
)

func echoRequest(t *testing.T, data any) *message.Request {
	t.Helper()
	req, err := message.NewRequest("echo", data)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func resultString(t *testing.T, v any) string {
	t.Helper()
	m, ok := v.(*message.Any)
	if !ok {
		t.Fatalf("expected *message.Any reply, got %T", v)
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return s
}

func TestSession_TopicRoundTrip(t *testing.T) {
	t.Parallel()

	_, client, server := topicPair(t, transport.Options{}, transport.Options{})
	if err := server.Subscribe("echo"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	serve(server, echo)

	ctx := testContext(t)
	v, err := client.Request(ctx, "echo", echoRequest(t, "hello"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got := resultString(t, v); got != "hello" {
		t.Fatalf("want hello, got %q", got)
	}
	if client.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", client.Pending())
	}
}

func TestSession_ChunkedTopicRoundTrip(t *testing.T) {
	t.Parallel()

	opts := transport.Options{MaxSize: 256}
	_, client, server := topicPair(t, opts, opts)
	if err := server.Subscribe("echo"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	serve(server, echo)

	big := strings.Repeat("chunked payload ", 200)
	v, err := client.Request(testContext(t), "echo", echoRequest(t, big))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got := resultString(t, v); got != big {
		t.Fatalf("payload changed across chunking: got %d bytes want %d", len(got), len(big))
	}
}

func TestSession_StreamRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := memchan.Pipe(memchan.WithReadSize(3))
	t.Cleanup(func() { _ = a.Close() })
	opts := transport.Options{MaxSize: 192}
	client := newSession(t, a, opts)
	opts.ServerSide = true
	server := newSession(t, b, opts)
	serve(server, echo)

	if client.State() != transport.StateListening {
		t.Fatalf("stream sessions listen once bound, got %s", client.State())
	}

	ctx := testContext(t)
	calls := make([]*transport.Call, 0, 5)
	for _, s := range []string{"one", "two", strings.Repeat("three", 50), "four", "five"} {
		call, err := client.Send(ctx, "echo", echoRequest(t, s))
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		calls = append(calls, call)
	}
	for i, want := range []string{"one", "two", strings.Repeat("three", 50), "four", "five"} {
		v, err := calls[i].Wait(ctx)
		if err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
		if got := resultString(t, v); got != want {
			t.Fatalf("call %d: want %q got %q", i, want, got)
		}
	}
}

func TestSession_ReplyAddressing(t *testing.T) {
	t.Parallel()

	_, client, server := topicPair(t, transport.Options{}, transport.Options{})
	if err := server.Subscribe("svc"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	serve(server, echo)

	call, err := client.Send(testContext(t), "svc", echoRequest(t, 1), transport.WithReplyTo("custom.inbox"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if call.ReplyTo() != "custom.inbox" || call.Packet().ReplyTo != "custom.inbox" {
		t.Fatalf("reply subject not applied: %q", call.ReplyTo())
	}
	r, err := call.WaitReply(testContext(t))
	if err != nil {
		t.Fatalf("WaitReply: %v", err)
	}
	if r.Packet.ID != call.ID() || r.Packet.Topic != "custom.inbox" {
		t.Fatalf("reply must carry the request id on the reply subject: %+v", r.Packet)
	}

	def, err := client.Send(testContext(t), "svc", echoRequest(t, 2))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if def.ReplyTo() != "svc"+transport.ReplySuffix {
		t.Fatalf("default reply subject %q", def.ReplyTo())
	}
	if def.ID() == call.ID() {
		t.Fatalf("correlation ids must be unique")
	}
}

func TestSession_RemoteError(t *testing.T) {
	t.Parallel()

	_, client, server := topicPair(t, transport.Options{}, transport.Options{})
	_ = server.Subscribe("fail")
	serve(server, func(*packet.Packet, any) any {
		return message.NewErrorResponse(message.ErrorCodeInvalidData, "bad input", nil)
	})

	_, err := client.Request(testContext(t), "fail", echoRequest(t, nil))
	var remote *transport.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	var merr *message.Error
	if !errors.As(err, &merr) || merr.Code != message.ErrorCodeInvalidData {
		t.Fatalf("remote error should unwrap to message.Error, got %v", err)
	}
}

func TestSession_TimeoutCleansUpAndDropsLateReply(t *testing.T) {
	t.Parallel()

	_, client, server := topicPair(t, transport.Options{}, transport.Options{})
	_ = server.Subscribe("slow")
	release := make(chan struct{})
	serve(server, func(p *packet.Packet, v any) any {
		<-release
		return echo(p, v)
	})

	_, err := client.Request(testContext(t), "slow", echoRequest(t, "late"), transport.WithTimeout(30*time.Millisecond))
	var te *transport.TimeoutError
	if !errors.As(err, &te) || !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if client.Pending() != 0 {
		t.Fatalf("timed out request must leave the pending table, got %d", client.Pending())
	}

	close(release)
	select {
	case ev := <-client.Events():
		t.Fatalf("late reply must be dropped, got %s event", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_SubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := memchan.New()
	s := newSession(t, bus, transport.Options{})
	if s.State() != transport.StateBound {
		t.Fatalf("want bound, got %s", s.State())
	}
	for range 3 {
		if err := s.Subscribe("a"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	if n := bus.Subscribers("a"); n != 1 {
		t.Fatalf("want one listener, got %d", n)
	}
	if s.State() != transport.StateListening {
		t.Fatalf("want listening, got %s", s.State())
	}

	s.Unsubscribe("a")
	if n := bus.Subscribers("a"); n != 0 {
		t.Fatalf("want no listeners after unsubscribe, got %d", n)
	}
}

func TestSession_DestroyDuringPendingRequest(t *testing.T) {
	t.Parallel()

	bus := memchan.New()
	s := newSession(t, bus, transport.Options{})
	call, err := s.Send(testContext(t), "nobody", echoRequest(t, nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	s.Destroy()
	s.Destroy()

	if _, err := call.Wait(testContext(t)); !errors.Is(err, transport.ErrSessionDestroyed) {
		t.Fatalf("expected ErrSessionDestroyed, got %v", err)
	}
	if _, ok := <-s.Events(); ok {
		t.Fatalf("events must be closed after destroy")
	}
	if s.State() != transport.StateDestroyed {
		t.Fatalf("want destroyed, got %s", s.State())
	}
	if n := bus.Subscribers("nobody.reply"); n != 0 {
		t.Fatalf("destroy must release subscriptions, got %d", n)
	}
	if _, err := s.Send(testContext(t), "nobody", echoRequest(t, nil)); !errors.Is(err, transport.ErrSessionDestroyed) {
		t.Fatalf("send after destroy: %v", err)
	}
	if err := s.Subscribe("x"); !errors.Is(err, transport.ErrSessionDestroyed) {
		t.Fatalf("subscribe after destroy: %v", err)
	}
}

func TestSession_OfflineRejectsPending(t *testing.T) {
	t.Parallel()

	bus := memchan.New()
	s := newSession(t, bus, transport.Options{})
	call, err := s.Send(testContext(t), "nobody", echoRequest(t, nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	_ = bus.Close()
	if _, err := call.Wait(testContext(t)); !errors.Is(err, transport.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	nextEvent(t, s, transport.EventClose)
}

func TestSession_CancelOnContext(t *testing.T) {
	t.Parallel()

	s := newSession(t, memchan.New(), transport.Options{})
	call, err := s.Send(testContext(t), "nobody", echoRequest(t, nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, transport.ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("cancel must remove the pending entry")
	}
	if call.Cancel() {
		t.Fatalf("second cancel should find nothing pending")
	}
}

func TestSession_NoHandler(t *testing.T) {
	t.Parallel()

	s := newSession(t, memchan.New(), transport.Options{Group: "orders"})
	_, err := s.Send(testContext(t), "x", struct{ N int }{1})
	var nh *codings.NoHandlerError
	if !errors.As(err, &nh) {
		t.Fatalf("expected NoHandlerError, got %v", err)
	}
	if nh.Group != "orders" || !strings.Contains(nh.Error(), "struct") {
		t.Fatalf("error should name type and group: %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("failed send must not leave a pending request")
	}
}

func TestSession_MalformedFrameRecovers(t *testing.T) {
	t.Parallel()

	bus := memchan.New()
	s := newSession(t, bus, transport.Options{})
	_ = s.Subscribe("in")

	bus.Publish("in", []byte("garbage\n"), func(error) {})
	ev := nextEvent(t, s, transport.EventError)
	var mf *transport.MalformedFrameError
	if !errors.As(ev.Err, &mf) || mf.Topic != "in" {
		t.Fatalf("expected malformed frame on in, got %v", ev.Err)
	}

	sender := newSession(t, bus, transport.Options{})
	if err := sender.Emit(testContext(t), "in", "plain text", transport.WithHeaders(packet.Header{packet.HeaderContentType: "text/plain"})); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	msg := nextEvent(t, s, transport.EventMessage)
	if msg.Value != "plain text" {
		t.Fatalf("want decoded text, got %#v", msg.Value)
	}
	if msg.Packet.ReplyTo != "" {
		t.Fatalf("emitted packets carry no reply subject")
	}
}

func TestSession_DecodeErrorEvent(t *testing.T) {
	t.Parallel()

	bus := memchan.New()
	s := newSession(t, bus, transport.Options{})
	_ = s.Subscribe("in")

	sender := newSession(t, bus, transport.Options{})
	if err := sender.Emit(testContext(t), "in", "not json"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ev := nextEvent(t, s, transport.EventError)
	var de *transport.DecodeError
	if !errors.As(ev.Err, &de) || de.Packet.Topic != "in" {
		t.Fatalf("expected DecodeError for in, got %v", ev.Err)
	}
}

func TestSession_UnsupportedChannel(t *testing.T) {
	t.Parallel()

	_, err := transport.New(notifyOnly{}, transport.Options{})
	if !errors.Is(err, transport.ErrUnsupportedChannel) {
		t.Fatalf("expected ErrUnsupportedChannel, got %v", err)
	}
}

type notifyOnly struct{}

func (notifyOnly) Notify(transport.ChannelHandler) func() { return func() {} }

func TestSession_ReplyWithoutTarget(t *testing.T) {
	t.Parallel()

	s := newSession(t, memchan.New(), transport.Options{ServerSide: true})
	err := s.Reply(testContext(t), packet.New("1", "t", nil), &message.Response{})
	if !errors.Is(err, transport.ErrNoReplyTarget) {
		t.Fatalf("expected ErrNoReplyTarget, got %v", err)
	}
}

// gatedStream records writes and completes each one only when the test
// releases it.
type gatedStream struct {
	mu       sync.Mutex
	inflight int
	overlap  bool
	writes   [][]byte
	release  chan func()
}

func newGatedStream() *gatedStream {
	return &gatedStream{release: make(chan func(), 64)}
}

func (g *gatedStream) Notify(transport.ChannelHandler) func() { return func() {} }

func (g *gatedStream) Write(p []byte, done func(error)) {
	g.mu.Lock()
	if g.inflight > 0 {
		g.overlap = true
	}
	g.inflight++
	g.writes = append(g.writes, append([]byte(nil), p...))
	g.mu.Unlock()
	g.release <- func() {
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
		done(nil)
	}
}

func TestSession_StreamWritesWaitForCompletion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		payloads []string
	}{
		{"single chunked packet", []string{strings.Repeat("a", 900)}},
		{"concurrent chunked packets", []string{strings.Repeat("a", 900), strings.Repeat("b", 700)}},
		{"chunked and small packets", []string{strings.Repeat("a", 900), "b", strings.Repeat("c", 500), "d"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := newGatedStream()
			s := newSession(t, g, transport.Options{MaxSize: 256})
			ctx := testContext(t)

			errs := make(chan error, len(tc.payloads))
			for _, body := range tc.payloads {
				go func() {
					errs <- s.Emit(ctx, "t", body, transport.WithHeaders(packet.Header{packet.HeaderContentType: "text/plain"}))
				}()
			}
			for finished := 0; finished < len(tc.payloads); {
				select {
				case release := <-g.release:
					// Give an early write the chance to show up before this one completes.
					time.Sleep(time.Millisecond)
					release()
				case err := <-errs:
					if err != nil {
						t.Fatalf("Emit: %v", err)
					}
					finished++
				case <-ctx.Done():
					t.Fatalf("emits did not finish: %v", ctx.Err())
				}
			}

			g.mu.Lock()
			defer g.mu.Unlock()
			if g.overlap {
				t.Fatalf("a write was issued before the previous one completed")
			}

			// Each packet must occupy a contiguous run of writes: a header
			// frame followed by exactly its declared payload bytes.
			var got []string
			for i := 0; i < len(g.writes); {
				h, n, err := packet.ParseFrameHeader(g.writes[i], transport.DefaultDelimiter)
				if err != nil || n == 0 || !h.First() {
					t.Fatalf("write %d should open a packet: n=%d err=%v", i, n, err)
				}
				body := append([]byte(nil), g.writes[i][n:]...)
				for i++; len(body) < h.ContentLength(); i++ {
					if i == len(g.writes) {
						t.Fatalf("packet %s truncated at %d of %d bytes", h.ID, len(body), h.ContentLength())
					}
					body = append(body, g.writes[i]...)
				}
				if len(body) != h.ContentLength() {
					t.Fatalf("packet %s spans into the next packet: %d of %d bytes", h.ID, len(body), h.ContentLength())
				}
				got = append(got, string(body))
			}
			if len(got) != len(tc.payloads) {
				t.Fatalf("want %d packets on the wire, got %d", len(tc.payloads), len(got))
			}
			for _, body := range got {
				core := strings.Trim(body, `"`)
				if core == "" || strings.Trim(core, core[:1]) != "" {
					t.Fatalf("packet payload mixes bytes of several packets: %.40q", body)
				}
			}
		})
	}
}

func TestSession_UnsubscribeForgetsReplySubject(t *testing.T) {
	t.Parallel()

	bus := memchan.New()
	s := newSession(t, bus, transport.Options{})
	if _, err := s.Send(testContext(t), "svc", echoRequest(t, nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s.Unsubscribe("svc" + transport.ReplySuffix)
	if err := s.Subscribe("svc" + transport.ReplySuffix); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sender := newSession(t, bus, transport.Options{})
	err := sender.Emit(testContext(t), "svc"+transport.ReplySuffix, "plain text",
		transport.WithHeaders(packet.Header{packet.HeaderContentType: "text/plain"}))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	msg := nextEvent(t, s, transport.EventMessage)
	if msg.Value != "plain text" {
		t.Fatalf("want delivered message, got %#v", msg.Value)
	}
}
