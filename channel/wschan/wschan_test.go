package wschan

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/transport-session-go/channel/channeltest"
	"github.com/ggoodman/transport-session-go/transport"
)

// pair returns a client Conn and the server Conn it is connected to.
func pair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	serverSide := make(chan *Conn, 1)
	srv := httptest.NewServer(Handler(nil, func(r *http.Request, c *Conn) {
		serverSide <- c
		<-c.Done()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server := <-serverSide:
		return client, server
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the websocket")
		return nil, nil
	}
}

func TestConn(t *testing.T) {
	channeltest.RunStreamChannelTests(t, func(t *testing.T) (transport.StreamChannel, transport.StreamChannel, func() error) {
		a, b := pair(t)
		return a, b, a.Close
	})
}

func TestConn_ReverseDirection(t *testing.T) {
	channeltest.RunStreamChannelTests(t, func(t *testing.T) (transport.StreamChannel, transport.StreamChannel, func() error) {
		a, b := pair(t)
		return b, a, b.Close
	})
}
