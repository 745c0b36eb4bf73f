package status

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStateLastWriteWins(t *testing.T) {
	s := NewState()
	if s.Get() != NotYetConnected {
		t.Fatalf("initial=%v", s.Get())
	}
	s.Set(Connected)
	s.Set(ConnectionLost)
	if s.Get() != ConnectionLost {
		t.Fatalf("got %v", s.Get())
	}
	if ConnectionLost.String() != "CONNECTION_LOST" || Code(7).String() != "STATUS_7" {
		t.Fatalf("unexpected names")
	}
}

func dialStatus(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, msg string) string {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func TestStatusChannel(t *testing.T) {
	state := NewState()
	srv := NewServer("127.0.0.1:0", state)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := dialStatus(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	if got := roundTrip(t, c, PingRequest); got != PingReply {
		t.Fatalf("ping=%q", got)
	}
	if got := roundTrip(t, c, LastErrorCall); got != "0" {
		t.Fatalf("initial status=%q", got)
	}

	state.Set(CertificateInvalid)
	// Unknown requests get no answer; the next known request still does.
	if err := c.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := roundTrip(t, c, LastErrorCall); got != "401" {
		t.Fatalf("status=%q", got)
	}
}

func TestListenServeClose(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewState())
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	c := dialStatus(t, "ws://"+srv.Addr().String())
	if got := roundTrip(t, c, PingRequest); got != PingReply {
		t.Fatalf("ping=%q", got)
	}
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}
