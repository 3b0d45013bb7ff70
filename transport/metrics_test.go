package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// gathered returns the value of the series name{labels} from reg.
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(WithMetricsRegistry(reg), WithMetricsNamespace("test"))

	m.sent("topic", 3)
	m.sent("topic", 1)
	m.received("stream", 2)
	m.malformedFrame("stream")
	m.requestStarted()
	m.requestSettled("ok", 0.01)
	m.lateReply()

	if got := gathered(t, reg, "test_session_packets_sent_total", map[string]string{"framer": "topic"}); got != 2 {
		t.Errorf("packets sent = %v, want 2", got)
	}
	if got := gathered(t, reg, "test_session_frames_written_total", map[string]string{"framer": "topic"}); got != 4 {
		t.Errorf("frames written = %v, want 4", got)
	}
	if got := gathered(t, reg, "test_session_packets_received_total", map[string]string{"framer": "stream"}); got != 2 {
		t.Errorf("packets received = %v, want 2", got)
	}
	if got := gathered(t, reg, "test_session_pending_requests", nil); got != 0 {
		t.Errorf("pending = %v, want 0", got)
	}
	if got := gathered(t, reg, "test_session_requests_total", map[string]string{"outcome": "ok"}); got != 1 {
		t.Errorf("ok requests = %v, want 1", got)
	}
	if got := gathered(t, reg, "test_session_late_replies_total", nil); got != 1 {
		t.Errorf("late replies = %v, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.sent("topic", 1)
	m.received("topic", 1)
	m.malformedFrame("topic")
	m.requestStarted()
	m.requestSettled("ok", 1)
	m.lateReply()
	m.sessionOpened()
	m.sessionClosed()
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"ok":        nil,
		"timeout":   &TimeoutError{ID: "1"},
		"offline":   ErrOffline,
		"destroyed": fmt.Errorf("wrapped: %w", ErrSessionDestroyed),
		"canceled":  ErrCanceled,
		"remote":    &RemoteError{ID: "1", Err: errors.New("boom")},
		"error":     errors.New("other"),
	}
	for want, err := range cases {
		if got := outcome(err); got != want {
			t.Errorf("outcome(%v) = %q, want %q", err, got, want)
		}
	}
}
