package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"

	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
)

func newRelayTestServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(r, conn)
	}))
	return server.URL, server.Close
}

func TestWebSocketURL(t *testing.T) {
	cases := []struct {
		in, model, want string
	}{
		{"http://localhost:8081", "", "ws://localhost:8081"},
		{"https://relay.example.com/", "gpt-4o-realtime", "wss://relay.example.com/?model=gpt-4o-realtime"},
		{"ws://host?model=keep", "other", "ws://host?model=keep"},
		{"", "", "ws://localhost:8081"},
	}
	for _, tc := range cases {
		got, err := WebSocketURL(tc.in, tc.model)
		if err != nil {
			t.Fatalf("WebSocketURL(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("WebSocketURL(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := WebSocketURL("ftp://host", ""); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}

func TestDial_DeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	const total = 600
	serverURL, closeServer := newRelayTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		for i := 0; i < total; i++ {
			_ = conn.WriteJSON(map[string]any{
				"type":    "response.audio_transcript.delta",
				"item_id": "item_1",
				"delta":   fmt.Sprintf("%d,", i),
			})
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	defer closeServer()

	// A small buffer forces backpressure; nothing may be dropped.
	conn, err := Dial(context.Background(), Options{URL: serverURL, EventBuffer: 4})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	var b strings.Builder
	count := 0
	for ev := range conn.Events() {
		delta, ok := ev.(*protocol.DeltaEvent)
		if !ok {
			t.Fatalf("event type %T", ev)
		}
		if count%50 == 0 {
			time.Sleep(time.Millisecond)
		}
		b.WriteString(delta.Delta)
		count++
	}
	if count != total {
		t.Fatalf("count=%d, want %d", count, total)
	}
	parts := strings.Split(strings.TrimSuffix(b.String(), ","), ",")
	for i, p := range parts {
		if p != fmt.Sprint(i) {
			t.Fatalf("event %d carried %q; order broken", i, p)
		}
	}
	if err := conn.Err(); err != nil {
		t.Fatalf("Err()=%v, want nil after normal closure", err)
	}
}

func TestSend_WritesJSONAndPassesModel(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	gotModel := make(chan string, 1)
	serverURL, closeServer := newRelayTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		gotModel <- r.URL.Query().Get("model")
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- string(data)
		_, _, _ = conn.ReadMessage()
	})
	defer closeServer()

	conn, err := Dial(context.Background(), Options{URL: serverURL, Model: "gpt-4o-realtime-preview"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := conn.Send(context.Background(), protocol.NewUserText("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case m := <-gotModel:
		if m != "gpt-4o-realtime-preview" {
			t.Fatalf("model=%q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw the connection")
	}

	select {
	case raw := <-got:
		var msg map[string]any
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg["type"] != protocol.TypeConversationItemCreate {
			t.Fatalf("type=%v", msg["type"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received the event")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	err = conn.Send(context.Background(), protocol.NewResponseCreate())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close err=%v, want ErrClosed", err)
	}
	var gerr *goerr.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("Send after close err=%T, want *goerr.Error", err)
	}
	if got := gerr.Values()["type"]; got != protocol.TypeResponseCreate {
		t.Fatalf("error type value=%v, want %q", got, protocol.TypeResponseCreate)
	}
}

func TestClose_UnblocksPendingDelivery(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newRelayTestServer(t, func(_ *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		for i := 0; i < 10; i++ {
			_ = conn.WriteJSON(map[string]any{"type": "response.created", "response": map[string]any{"id": "r"}})
		}
		_, _, _ = conn.ReadMessage()
	})
	defer closeServer()

	conn, err := Dial(context.Background(), Options{URL: serverURL, EventBuffer: 1})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on an unconsumed event channel")
	}
}

func TestDial_FailureIsTransportError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := Dial(context.Background(), Options{URL: server.URL, DialTimeout: time.Second})
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("err=%v, want *transport.Error", err)
	}
	if te.Op != "dial" {
		t.Fatalf("op=%q", te.Op)
	}
	if te.Status != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", te.Status, http.StatusNotFound)
	}
}

func TestError_HidesUserInfo(t *testing.T) {
	t.Parallel()

	err := &Error{Op: "dial", URL: "ws://user:secret@relay.local/?model=m", Status: 401, Err: errors.New("bad handshake")}
	got := err.Error()
	if strings.Contains(got, "secret") {
		t.Fatalf("error leaks credentials: %q", got)
	}
	want := "relay dial ws://relay.local/?model=m (HTTP 401): bad handshake"
	if got != want {
		t.Fatalf("error=%q, want %q", got, want)
	}
}
