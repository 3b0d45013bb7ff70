package outbound

import (
	"errors"
	"testing"
	"time"
)

var errTimeout = errors.New("timeout")

func TestDispatcher_TakeOutOfOrder(t *testing.T) {
	t.Parallel()

	d := New()
	c1, err := d.Begin("1", "a.reply", 0, nil)
	if err != nil {
		t.Fatalf("begin 1: %v", err)
	}
	c2, err := d.Begin("2", "a.reply", 0, nil)
	if err != nil {
		t.Fatalf("begin 2: %v", err)
	}

	if got := d.Take("a.reply", "2", true); got != c2 {
		t.Fatalf("expected call 2")
	}
	c2.Complete("two", nil)
	if got := d.Take("a.reply", "1", true); got != c1 {
		t.Fatalf("expected call 1")
	}
	c1.Complete("one", nil)

	if v, _ := c2.Result(); v != "two" {
		t.Fatalf("call 2 result %v", v)
	}
	if v, _ := c1.Result(); v != "one" {
		t.Fatalf("call 1 result %v", v)
	}
	if d.Len() != 0 {
		t.Fatalf("expected no pending calls, got %d", d.Len())
	}
}

func TestDispatcher_SubjectMismatch(t *testing.T) {
	t.Parallel()

	d := New()
	if _, err := d.Begin("1", "a.reply", 0, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if d.Take("b.reply", "1", true) != nil {
		t.Fatalf("subject mismatch must not match")
	}
	if d.Take("b.reply", "1", false) == nil {
		t.Fatalf("id-only matching should ignore subject")
	}
}

func TestDispatcher_DuplicateID(t *testing.T) {
	t.Parallel()

	d := New()
	if _, err := d.Begin("1", "", 0, nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := d.Begin("1", "", 0, nil); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	t.Parallel()

	d := New()
	timedOut := make(chan string, 1)
	d.OnTimeout = func(c *Call) { timedOut <- c.ID() }

	c, err := d.Begin("1", "", 20*time.Millisecond, func() error { return errTimeout })
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not time out")
	}
	if _, err := c.Result(); !errors.Is(err, errTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if id := <-timedOut; id != "1" {
		t.Fatalf("unexpected timeout hook id %q", id)
	}
	if d.Take("", "1", false) != nil {
		t.Fatalf("late reply must not match an expired call")
	}
}

func TestDispatcher_CloseFailsPendingAndRejectsNew(t *testing.T) {
	t.Parallel()

	d := New()
	c, _ := d.Begin("1", "", 0, nil)
	closeErr := errors.New("gone")
	d.Close(closeErr)
	d.Close(nil)

	if _, err := c.Result(); !errors.Is(err, closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if _, err := d.Begin("2", "", 0, nil); !errors.Is(err, closeErr) {
		t.Fatalf("expected begin to fail with close error, got %v", err)
	}
}

func TestDispatcher_FailAllKeepsOpen(t *testing.T) {
	t.Parallel()

	d := New()
	c, _ := d.Begin("1", "", 0, nil)
	offline := errors.New("offline")
	if n := d.FailAll(offline); n != 1 {
		t.Fatalf("expected 1 failed call, got %d", n)
	}
	if _, err := c.Result(); !errors.Is(err, offline) {
		t.Fatalf("expected offline, got %v", err)
	}
	if _, err := d.Begin("2", "", 0, nil); err != nil {
		t.Fatalf("dispatcher should stay open: %v", err)
	}
}
