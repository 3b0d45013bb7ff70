// Package channeltest is a conformance suite for transport channel
// implementations.
package channeltest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/transport-session-go/message"
	"github.com/ggoodman/transport-session-go/transport"
)

// TopicFactory returns two endpoints attached to the same backing bus.
type TopicFactory func(t *testing.T) (a, b transport.TopicChannel)

// StreamFactory returns the two connected ends of one stream. Closing a
// must eventually be observed by b's handlers.
type StreamFactory func(t *testing.T) (a, b transport.StreamChannel, closeA func() error)

const waitFor = 5 * time.Second

// RunTopicChannelTests runs the topic channel suite against factory.
func RunTopicChannelTests(t *testing.T, factory TopicFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("OrderPreservedPerTopic", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		testUnsubscribe(t, factory)
	})
	t.Run("SessionRequestReply", func(t *testing.T) {
		a, b := factory(t)
		testSessionRequestReply(t, a, b, transport.Options{MaxSize: 512})
	})
}

// RunStreamChannelTests runs the stream channel suite against factory.
func RunStreamChannelTests(t *testing.T, factory StreamFactory) {
	t.Run("WritesArriveInOrder", func(t *testing.T) {
		testStreamOrder(t, factory)
	})
	t.Run("CloseReachesPeer", func(t *testing.T) {
		testStreamClose(t, factory)
	})
	t.Run("SessionRequestReply", func(t *testing.T) {
		a, b, _ := factory(t)
		testSessionRequestReply(t, a, b, transport.Options{MaxSize: 512})
	})
}

// recorder collects the messages delivered to one subscription.
type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
	wake chan struct{}
}

func newRecorder() *recorder { return &recorder{wake: make(chan struct{}, 1)} }

func (r *recorder) add(p []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, p)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *recorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.msgs...)
}

// wait blocks until at least n messages arrived.
func (r *recorder) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		if msgs := r.snapshot(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-r.wake:
		case <-deadline:
			t.Fatalf("expected %d messages, got %d", n, len(r.snapshot()))
		}
	}
}

func publish(t *testing.T, ch transport.TopicChannel, topic string, p []byte) {
	t.Helper()
	done := make(chan error, 1)
	ch.Publish(topic, p, func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish %s: %v", topic, err)
		}
	case <-time.After(waitFor):
		t.Fatalf("publish %s: done never called", topic)
	}
}

func subscribe(t *testing.T, ch transport.TopicChannel, topic string) (*recorder, func()) {
	t.Helper()
	r := newRecorder()
	unsub, err := ch.Subscribe(topic, r.add)
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	t.Cleanup(unsub)
	return r, unsub
}

func uniqueTopic(t *testing.T, name string) string {
	return fmt.Sprintf("channeltest.%s.%d", strings.ReplaceAll(t.Name(), "/", "."), time.Now().UnixNano()) + "." + name
}

func testPublishAndSubscribe(t *testing.T, factory TopicFactory) {
	a, b := factory(t)
	topic := uniqueTopic(t, "pub")
	r, _ := subscribe(t, b, topic)

	payload := []byte("{\"id\":\"x\"}\n\x00binary\xff")
	publish(t, a, topic, payload)

	got := r.wait(t, 1)
	if !bytes.Equal(got[0], payload) {
		t.Fatalf("payload mismatch: got %q want %q", got[0], payload)
	}
}

func testOrderPreserved(t *testing.T, factory TopicFactory) {
	a, b := factory(t)
	topic := uniqueTopic(t, "order")
	r, _ := subscribe(t, b, topic)

	const n = 50
	for i := range n {
		publish(t, a, topic, []byte(fmt.Sprintf("msg-%03d", i)))
	}
	got := r.wait(t, n)
	for i := range n {
		if want := fmt.Sprintf("msg-%03d", i); string(got[i]) != want {
			t.Fatalf("message %d out of order: got %q want %q", i, got[i], want)
		}
	}
}

func testTopicIsolation(t *testing.T, factory TopicFactory) {
	a, b := factory(t)
	t1, t2 := uniqueTopic(t, "one"), uniqueTopic(t, "two")
	r1, _ := subscribe(t, b, t1)
	r2, _ := subscribe(t, b, t2)

	publish(t, a, t1, []byte("for-one"))
	publish(t, a, t2, []byte("for-two"))

	if got := r1.wait(t, 1); string(got[0]) != "for-one" {
		t.Fatalf("topic one got %q", got[0])
	}
	if got := r2.wait(t, 1); string(got[0]) != "for-two" {
		t.Fatalf("topic two got %q", got[0])
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(r1.snapshot()); n != 1 {
		t.Fatalf("topic one received %d messages, want 1", n)
	}
}

func testMultipleSubscribers(t *testing.T, factory TopicFactory) {
	a, b := factory(t)
	topic := uniqueTopic(t, "fanout")
	r1, _ := subscribe(t, b, topic)
	r2, _ := subscribe(t, a, topic)

	publish(t, a, topic, []byte("hello"))
	r1.wait(t, 1)
	r2.wait(t, 1)
}

func testUnsubscribe(t *testing.T, factory TopicFactory) {
	a, b := factory(t)
	topic := uniqueTopic(t, "unsub")
	r, unsub := subscribe(t, b, topic)

	publish(t, a, topic, []byte("first"))
	r.wait(t, 1)
	unsub()
	unsub()

	publish(t, a, topic, []byte("second"))
	time.Sleep(100 * time.Millisecond)
	if n := len(r.snapshot()); n != 1 {
		t.Fatalf("received %d messages after unsubscribe, want 1", n)
	}
}

type streamRecorder struct {
	recorder
	closed chan struct{}
	once   sync.Once
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{recorder: recorder{wake: make(chan struct{}, 1)}, closed: make(chan struct{})}
}

func (r *streamRecorder) HandleData(p []byte) { r.add(p) }
func (r *streamRecorder) HandleError(error)   {}
func (r *streamRecorder) HandleEnd()          {}
func (r *streamRecorder) HandleClose()        { r.once.Do(func() { close(r.closed) }) }

func (r *streamRecorder) bytes() []byte {
	var out []byte
	for _, m := range r.snapshot() {
		out = append(out, m...)
	}
	return out
}

func write(t *testing.T, ch transport.StreamChannel, p []byte) {
	t.Helper()
	done := make(chan error, 1)
	ch.Write(p, func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write: %v", err)
		}
	case <-time.After(waitFor):
		t.Fatalf("write: done never called")
	}
}

func testStreamOrder(t *testing.T, factory StreamFactory) {
	a, b, _ := factory(t)
	r := newStreamRecorder()
	t.Cleanup(b.Notify(r))

	var want []byte
	for i := range 100 {
		chunk := []byte(fmt.Sprintf("chunk-%03d|", i))
		want = append(want, chunk...)
		write(t, a, chunk)
	}

	deadline := time.After(waitFor)
	for !bytes.Equal(r.bytes(), want) {
		select {
		case <-r.wake:
		case <-deadline:
			t.Fatalf("stream bytes differ: got %d bytes want %d", len(r.bytes()), len(want))
		}
	}
}

func testStreamClose(t *testing.T, factory StreamFactory) {
	_, b, closeA := factory(t)
	r := newStreamRecorder()
	t.Cleanup(b.Notify(r))

	if err := closeA(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-r.closed:
	case <-time.After(waitFor):
		t.Fatalf("peer never observed close")
	}
}

// testSessionRequestReply drives a chunked request/reply between two
// sessions bound to a and b.
func testSessionRequestReply(t *testing.T, a, b transport.Channel, opts transport.Options) {
	client, err := transport.New(a, opts)
	if err != nil {
		t.Fatalf("client session: %v", err)
	}
	t.Cleanup(client.Destroy)
	opts.ServerSide = true
	server, err := transport.New(b, opts)
	if err != nil {
		t.Fatalf("server session: %v", err)
	}
	t.Cleanup(server.Destroy)

	target := uniqueTopic(t, "svc")
	if err := server.Subscribe(target); err != nil {
		t.Fatalf("server subscribe: %v", err)
	}
	go func() {
		for ev := range server.Events() {
			if ev.Kind != transport.EventMessage {
				continue
			}
			m, ok := ev.Value.(*message.Any)
			if !ok || !m.IsRequest() {
				continue
			}
			_ = server.Reply(context.Background(), ev.Packet, &message.Response{Result: m.Data})
		}
	}()

	ctx, cancel := context.WithTimeout(t.Context(), waitFor)
	defer cancel()

	body := strings.Repeat("conformance ", 40)
	req, _ := message.NewRequest("echo", body)
	v, err := client.Request(ctx, target, req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	m, ok := v.(*message.Any)
	if !ok {
		t.Fatalf("unexpected reply type %T", v)
	}
	var got string
	if err := json.Unmarshal(m.Result, &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got != body {
		t.Fatalf("reply body mismatch: got %d bytes want %d", len(got), len(body))
	}
}
