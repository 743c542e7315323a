package handlers

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/vango-go/vai-interview/pkg/relay/config"
	"github.com/vango-go/vai-interview/pkg/relay/sessions"
)

func testConfig(upstream string) config.Config {
	return config.Config{
		APIKey:             "sk-test",
		UpstreamURL:        upstream,
		DefaultModel:       "default-model",
		MaxConnections:     4,
		MaxMessageBytes:    1 << 20,
		MaxPendingMessages: 8,
		HandshakeTimeout:   2 * time.Second,
		PingInterval:       time.Hour,
		WriteTimeout:       2 * time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newUpstream(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv.URL)
}

// collectTypes reads upstream frames and reports their event types.
func collectTypes(out chan<- string) func(*http.Request, *websocket.Conn) {
	return func(_ *http.Request, conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			out <- gjson.GetBytes(msg, "type").String() + "/" + gjson.GetBytes(msg, "event_id").String()
		}
	}
}

func startRelay(t *testing.T, h RelayHandler) string {
	t.Helper()
	if h.Logger == nil {
		h.Logger = quietLogger()
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return wsURL(srv.URL)
}

func dialRelay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return gjson.ParseBytes(msg)
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream frame")
		return ""
	}
}

func TestRelay_ForwardsBothWaysWithCredential(t *testing.T) {
	requests := make(chan *http.Request, 1)
	upURL := newUpstream(t, func(r *http.Request, conn *websocket.Conn) {
		requests <- r
		_, msg, err := conn.ReadMessage()
		if err != nil || gjson.GetBytes(msg, "type").String() != "session.update" {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated","event_id":"evt_up_1"}`))
		_, _, _ = conn.ReadMessage()
	})
	relayURL := startRelay(t, RelayHandler{Config: testConfig(upURL), Tracker: sessions.NewTracker()})

	client := dialRelay(t, relayURL+"/?model=gpt-test")
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.update","session":{}}`)))

	var r *http.Request
	select {
	case r = <-requests:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream was never dialed")
	}
	assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
	assert.Equal(t, "realtime=v1", r.Header.Get("OpenAI-Beta"))
	assert.Equal(t, "gpt-test", r.URL.Query().Get("model"))

	ev := readEvent(t, client)
	assert.Equal(t, "session.updated", ev.Get("type").String())
	assert.Equal(t, "evt_up_1", ev.Get("event_id").String())
}

func TestRelay_DefaultModel(t *testing.T) {
	models := make(chan string, 1)
	upURL := newUpstream(t, func(r *http.Request, conn *websocket.Conn) {
		models <- r.URL.Query().Get("model")
		_, _, _ = conn.ReadMessage()
	})
	relayURL := startRelay(t, RelayHandler{Config: testConfig(upURL), Tracker: sessions.NewTracker()})
	dialRelay(t, relayURL)

	assert.Equal(t, "default-model", recv(t, models))
}

func TestRelay_QueuesUntilUpstreamReady(t *testing.T) {
	gate := make(chan struct{})
	var openGate sync.Once
	release := func() { openGate.Do(func() { close(gate) }) }
	t.Cleanup(release)

	received := make(chan string, 8)
	handle := collectTypes(received)
	upgrader := websocket.Upgrader{}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(r, conn)
	}))
	t.Cleanup(up.Close)

	relayURL := startRelay(t, RelayHandler{Config: testConfig(wsURL(up.URL)), Tracker: sessions.NewTracker()})
	client := dialRelay(t, relayURL)
	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, client.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"conversation.item.create","event_id":"`+id+`"}`)))
	}
	time.Sleep(50 * time.Millisecond)
	release()

	assert.Equal(t, "conversation.item.create/e1", recv(t, received))
	assert.Equal(t, "conversation.item.create/e2", recv(t, received))
	assert.Equal(t, "conversation.item.create/e3", recv(t, received))
}

func TestRelay_AudioRateLimit(t *testing.T) {
	received := make(chan string, 8)
	upURL := newUpstream(t, collectTypes(received))
	cfg := testConfig(upURL)
	cfg.MaxAudioBytesPerSecond = 10
	cfg.InboundBurstSeconds = 1
	relayURL := startRelay(t, RelayHandler{Config: cfg, Tracker: sessions.NewTracker()})

	client := dialRelay(t, relayURL)
	audio := base64.StdEncoding.EncodeToString(make([]byte, 100))
	require.NoError(t, client.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"input_audio_buffer.append","event_id":"evt_c1","audio":"`+audio+`"}`)))

	ev := readEvent(t, client)
	assert.Equal(t, "error", ev.Get("type").String())
	assert.Equal(t, CodeRateLimited, ev.Get("error.code").String())
	assert.Equal(t, "evt_c1", ev.Get("error.event_id").String())

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.create","event_id":"evt_c2"}`)))
	assert.Equal(t, "response.create/evt_c2", recv(t, received), "dropped audio must never reach the provider")
}

func TestRelay_UpstreamUnavailable(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(up.Close)
	relayURL := startRelay(t, RelayHandler{Config: testConfig(wsURL(up.URL)), Tracker: sessions.NewTracker()})

	client := dialRelay(t, relayURL)
	ev := readEvent(t, client)
	assert.Equal(t, CodeUpstreamUnavailable, ev.Get("error.code").String())
	assert.Equal(t, relayErrorType, ev.Get("error.type").String())

	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err=%v", err)
}

func TestRelay_DrainWarnsLiveAndRejectsNew(t *testing.T) {
	upURL := newUpstream(t, func(_ *http.Request, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	tracker := sessions.NewTracker()
	relayURL := startRelay(t, RelayHandler{Config: testConfig(upURL), Tracker: tracker})

	client := dialRelay(t, relayURL)
	require.Eventually(t, func() bool { return tracker.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, tracker.Drain(CodeDraining, "relay is shutting down"))
	ev := readEvent(t, client)
	assert.Equal(t, CodeDraining, ev.Get("error.code").String())

	_, resp, err := websocket.DefaultDialer.Dial(relayURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelay_CancelClosesClient(t *testing.T) {
	upURL := newUpstream(t, func(_ *http.Request, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	tracker := sessions.NewTracker()
	relayURL := startRelay(t, RelayHandler{Config: testConfig(upURL), Tracker: tracker})

	client := dialRelay(t, relayURL)
	require.Eventually(t, func() bool { return tracker.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, tracker.CancelAll())
	_, _, err := client.ReadMessage()
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.True(t, tracker.Wait(ctx))
}

func TestRelay_RejectsBeforeUpgrade(t *testing.T) {
	cfg := testConfig("wss://upstream.invalid/v1/realtime")
	cfg.CORSOrigins = "http://app.example"

	serve := func(h RelayHandler, req *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(RelayHandler{Config: cfg, Tracker: sessions.NewTracker()}, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = serve(RelayHandler{Config: cfg, Tracker: sessions.NewTracker()}, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "origin_not_allowed", gjson.Get(rec.Body.String(), "error.code").String())

	full := sessions.NewTracker()
	full.Register("conn_a", sessions.Handle{})
	limited := cfg
	limited.MaxConnections = 1
	rec = serve(RelayHandler{Config: limited, Tracker: full}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "too_many_connections", gjson.Get(rec.Body.String(), "error.code").String())
}

func TestOriginAllowed(t *testing.T) {
	open := RelayHandler{Config: testConfig("wss://x")}
	listed := RelayHandler{Config: testConfig("wss://x")}
	listed.Config.CORSOrigins = "http://a.example, http://b.example"

	withOrigin := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, open.originAllowed(withOrigin("http://anything.example")))
	assert.True(t, listed.originAllowed(withOrigin("")))
	assert.True(t, listed.originAllowed(withOrigin("http://b.example")))
	assert.False(t, listed.originAllowed(withOrigin("http://c.example")))
}

func TestUpstreamURL(t *testing.T) {
	got, err := UpstreamURL("wss://api.openai.com/v1/realtime", "gpt-4o-realtime-preview")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview", got)

	got, err = UpstreamURL("ws://localhost:9000/rt?model=old", "new")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000/rt?model=new", got)

	_, err = UpstreamURL("https://api.openai.com/v1/realtime", "m")
	assert.Error(t, err)
}

func TestDecodedLen(t *testing.T) {
	assert.Equal(t, 0, decodedLen(""))
	assert.Equal(t, 1, decodedLen("AA=="))
	assert.Equal(t, 2, decodedLen("AAA="))
	assert.Equal(t, 100, decodedLen(base64.StdEncoding.EncodeToString(make([]byte, 100))))
}

func TestCloseReason(t *testing.T) {
	live := context.Background()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, "done", closeReason(live, nil))
	assert.Equal(t, "canceled", closeReason(canceled, nil))
	assert.Equal(t, "client_closed", closeReason(canceled, errClientClosed))
	assert.Equal(t, "upstream_closed", closeReason(live, errUpstreamClosed))
	assert.Equal(t, "upstream_dial", closeReason(live, &UpstreamError{Status: 502, Err: io.EOF}))
	assert.Equal(t, "error", closeReason(live, io.ErrUnexpectedEOF))
}
