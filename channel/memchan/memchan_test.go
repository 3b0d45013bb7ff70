package memchan

import (
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/transport-session-go/channel/channeltest"
	"github.com/ggoodman/transport-session-go/transport"
)

func TestBus(t *testing.T) {
	channeltest.RunTopicChannelTests(t, func(t *testing.T) (transport.TopicChannel, transport.TopicChannel) {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b, b
	})
}

func TestPipe(t *testing.T) {
	channeltest.RunStreamChannelTests(t, func(t *testing.T) (transport.StreamChannel, transport.StreamChannel, func() error) {
		a, b := Pipe()
		t.Cleanup(func() { _ = a.Close() })
		return a, b, a.Close
	})
}

func TestPipe_ShortReads(t *testing.T) {
	channeltest.RunStreamChannelTests(t, func(t *testing.T) (transport.StreamChannel, transport.StreamChannel, func() error) {
		a, b := Pipe(WithReadSize(5))
		t.Cleanup(func() { _ = a.Close() })
		return a, b, a.Close
	})
}

func TestBus_ClosedRejectsWork(t *testing.T) {
	t.Parallel()

	b := New()
	closed := make(chan struct{})
	b.Notify(transport.ChannelHandlerFuncs{OnClose: func() { close(closed) }})
	_ = b.Close()
	_ = b.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("handlers were not notified of close")
	}

	var err error
	b.Publish("t", []byte("x"), func(e error) { err = e })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}
	if _, err := b.Subscribe("t", func([]byte) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
}

func TestBus_NotifyRemove(t *testing.T) {
	t.Parallel()

	b := New()
	called := false
	remove := b.Notify(transport.ChannelHandlerFuncs{OnClose: func() { called = true }})
	remove()
	_ = b.Close()
	if called {
		t.Fatal("removed handler must not be notified")
	}
}

func TestPipe_WriteAfterClose(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	_ = a.Close()
	for _, s := range []*Stream{a, b} {
		var err error
		s.Write([]byte("x"), func(e error) { err = e })
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("write after close: %v", err)
		}
	}
}
