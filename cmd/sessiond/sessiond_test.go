package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/transport-session-go/channel/memchan"
	"github.com/ggoodman/transport-session-go/config"
	"github.com/ggoodman/transport-session-go/message"
	"github.com/ggoodman/transport-session-go/transport"
	"github.com/prometheus/client_golang/prometheus"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAnswer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		in     any
		result string
		code   message.ErrorCode
	}{
		{name: "echo", in: &message.Any{Pattern: patternEcho, Data: json.RawMessage(`{"a":1}`)}, result: `{"a":1}`},
		{name: "ping", in: &message.Any{Pattern: patternPing}, result: `"pong"`},
		{name: "unknown", in: &message.Any{Pattern: "nope"}, code: message.ErrorCodePatternNotFound},
		{name: "response", in: &message.Any{Result: json.RawMessage(`1`)}, code: message.ErrorCodeInvalidMessage},
		{name: "bytes", in: []byte("raw"), code: message.ErrorCodeInvalidMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := answer(tc.in)
			if tc.code != 0 {
				if res.Error == nil || res.Error.Code != tc.code {
					t.Fatalf("expected error code %d, got %+v", tc.code, res)
				}
				return
			}
			if string(res.Result) != tc.result {
				t.Fatalf("expected %s, got %s", tc.result, res.Result)
			}
		})
	}
}

func TestCall_Memory(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	sess, cleanup, err := dialSession(ctx, testConfig(t), "", discard())
	if err != nil {
		t.Fatalf("dialSession: %v", err)
	}
	defer cleanup()

	req, err := message.NewRequest(patternEcho, map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	var out bytes.Buffer
	if err := call(ctx, &out, sess, "echo", req); err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(out.String(), `{"hello":"world"}`) {
		t.Fatalf("unexpected output %q", out.String())
	}

	unknown, _ := message.NewRequest("missing", nil)
	err = call(ctx, &out, sess, "echo", unknown)
	var remote *transport.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}

func TestAdminRouter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := transport.NewMetrics(transport.WithMetricsRegistry(reg))
	var ready atomic.Bool
	srv := httptest.NewServer(adminRouter(reg, &ready))
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get("/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", code)
	}
	ready.Store(true)
	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", code)
	}

	bus := memchan.New()
	defer bus.Close()
	sess, err := transport.New(bus, testConfig(t).SessionOptions(false), transport.WithMetrics(m), transport.WithLogger(discard()))
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	defer sess.Destroy()

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics status %d", code)
	}
	if !strings.Contains(body, "transport_session_active 1") {
		t.Fatalf("expected active session gauge in metrics output:\n%s", body)
	}
}
