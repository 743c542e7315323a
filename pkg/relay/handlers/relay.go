// Package handlers implements the relay's HTTP surface: the realtime
// websocket relay and the health endpoints.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
	"github.com/vango-go/vai-interview/pkg/relay/config"
	"github.com/vango-go/vai-interview/pkg/relay/metrics"
	"github.com/vango-go/vai-interview/pkg/relay/mw"
	"github.com/vango-go/vai-interview/pkg/relay/sessions"
)

// Relay notice codes, sent to clients as realtime error events.
const (
	CodeDraining            = "draining"
	CodeRateLimited         = "rate_limited"
	CodeQueueFull           = "relay_queue_full"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUnsupportedFrame    = "unsupported_frame"

	relayErrorType  = "relay_error"
	typeAudioAppend = "input_audio_buffer.append"
)

var (
	errClientClosed   = goerr.New("client closed the connection")
	errUpstreamClosed = goerr.New("upstream closed the connection")
	errNoticeDropped  = goerr.New("relay notice dropped: queue full")
)

// UpstreamError reports a failed dial to the realtime provider.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream dial failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("upstream dial failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RelayHandler upgrades a client connection and relays realtime events to
// and from the provider, attaching the provider credential on the way out.
type RelayHandler struct {
	Config  config.Config
	Tracker *sessions.Tracker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Dialer reaches the provider; nil builds one from Config.
	Dialer *websocket.Dialer
	Now    func() time.Time
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.Tracker.Draining() {
		writeJSONError(w, http.StatusServiceUnavailable, CodeDraining, "relay is draining")
		return
	}
	if h.Config.MaxConnections > 0 && h.Tracker.Count() >= h.Config.MaxConnections {
		h.Metrics.RateLimited("connections")
		writeJSONError(w, http.StatusServiceUnavailable, "too_many_connections", "relay is at capacity")
		return
	}
	if !h.originAllowed(r) {
		writeJSONError(w, http.StatusForbidden, "origin_not_allowed", "origin is not allowed")
		return
	}

	model := strings.TrimSpace(r.URL.Query().Get("model"))
	if model == "" {
		model = h.Config.DefaultModel
	}
	target, err := UpstreamURL(h.Config.UpstreamURL, model)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "bad_upstream", "upstream URL is invalid")
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Metrics.Error("upgrade")
		return
	}
	defer client.Close()
	if h.Config.MaxMessageBytes > 0 {
		client.SetReadLimit(h.Config.MaxMessageBytes)
	}

	id := sessions.NewID()
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.logger().With("conn_id", id, "request_id", reqID, "model", model)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &relayConn{
		cfg:      h.Config,
		metrics:  h.Metrics,
		logger:   logger,
		client:   client,
		dialer:   h.dialer(),
		audio:    newByteBucket(h.Now, h.Config.MaxAudioBytesPerSecond, h.Config.InboundBurstSeconds),
		priority: make(chan []byte, 16),
		normal:   make(chan []byte, 64),
	}
	unregister := h.Tracker.Register(id, sessions.Handle{Cancel: cancel, Warn: c.warn})
	defer unregister()

	h.Metrics.ConnectionOpened()
	start := time.Now()
	logger.Info("relay connection opened")

	err = c.run(ctx, target)
	reason := closeReason(ctx, err)
	h.Metrics.ConnectionClosed(reason, time.Since(start))
	if reason == "error" || reason == "upstream_dial" {
		logger.Warn("relay connection closed", "reason", reason, "error", err)
		return
	}
	logger.Info("relay connection closed", "reason", reason, "duration_ms", time.Since(start).Milliseconds())
}

func (h RelayHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h RelayHandler) dialer() *websocket.Dialer {
	if h.Dialer != nil {
		return h.Dialer
	}
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: h.Config.HandshakeTimeout,
	}
}

// originAllowed accepts requests without an Origin (non-browser clients) and
// every origin when no allowlist is configured.
func (h RelayHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	allowed := h.Config.AllowedOrigins()
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[origin]
	return ok
}

// UpstreamURL sets the model query parameter on the provider endpoint.
func UpstreamURL(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func closeReason(ctx context.Context, err error) string {
	var upErr *UpstreamError
	switch {
	case ctx.Err() != nil && !errors.Is(err, errClientClosed) && !errors.Is(err, errUpstreamClosed):
		return "canceled"
	case err == nil:
		return "done"
	case errors.Is(err, errClientClosed):
		return "client_closed"
	case errors.Is(err, errUpstreamClosed):
		return "upstream_closed"
	case errors.As(err, &upErr):
		return "upstream_dial"
	default:
		return "error"
	}
}

type relayConn struct {
	cfg     config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	client  *websocket.Conn
	dialer  *websocket.Dialer
	audio   *byteBucket

	priority chan []byte
	normal   chan []byte

	mu       sync.Mutex
	upstream *websocket.Conn
	pending  [][]byte
	closed   bool
}

func (c *relayConn) run(ctx context.Context, target string) error {
	g, gctx := errgroup.WithContext(ctx)
	writerDone := make(chan struct{})

	writer := &clientWriter{
		ws:           c.client,
		ctx:          gctx,
		pingInterval: c.cfg.PingInterval,
		writeTimeout: c.cfg.WriteTimeout,
		priority:     c.priority,
		normal:       c.normal,
	}
	g.Go(func() error {
		defer close(writerDone)
		if err := writer.Run(); err != nil {
			return fmt.Errorf("write client: %w", err)
		}
		return nil
	})
	g.Go(func() error { return c.pumpClient(gctx) })
	g.Go(func() error {
		up, err := c.dial(gctx, target)
		if err != nil {
			return err
		}
		if err := c.attach(gctx, up); err != nil {
			return err
		}
		return c.pumpUpstream(gctx, up)
	})
	g.Go(func() error {
		<-gctx.Done()
		<-writerDone
		_ = c.client.Close()
		c.mu.Lock()
		c.closed = true
		up := c.upstream
		c.mu.Unlock()
		if up != nil {
			_ = up.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = up.Close()
		}
		return nil
	})
	return g.Wait()
}

func (c *relayConn) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	start := time.Now()
	up, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.metrics.Error("upstream_dial")
		_ = c.notice("", CodeUpstreamUnavailable, "the realtime provider could not be reached")
		return nil, &UpstreamError{Status: status, Err: err}
	}
	c.metrics.UpstreamDialed(time.Since(start))
	return up, nil
}

// attach flushes messages queued while dialing, in arrival order, and then
// routes new client messages straight upstream.
func (c *relayConn) attach(ctx context.Context, up *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || ctx.Err() != nil {
		_ = up.Close()
		return ctx.Err()
	}
	for _, msg := range c.pending {
		if err := c.writeUpstream(up, msg); err != nil {
			_ = up.Close()
			return fmt.Errorf("flush pending: %w", err)
		}
	}
	c.metrics.PendingFlushed(len(c.pending))
	c.pending = nil
	c.upstream = up
	return nil
}

func (c *relayConn) pumpClient(ctx context.Context) error {
	for {
		mt, data, err := c.client.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				c.metrics.Error("read_limit")
			}
			return fmt.Errorf("%w: %w", errClientClosed, err)
		}
		if mt != websocket.TextMessage {
			_ = c.notice("", CodeUnsupportedFrame, "only text frames are relayed")
			continue
		}

		typ := gjson.GetBytes(data, "type").String()
		c.metrics.Message(metrics.DirectionClient, typ)
		if typ == typeAudioAppend {
			n := decodedLen(gjson.GetBytes(data, "audio").String())
			if !c.audio.Allow(n) {
				c.metrics.RateLimited("audio")
				_ = c.notice(gjson.GetBytes(data, "event_id").String(), CodeRateLimited, "input audio exceeds the relay rate limit; frame dropped")
				continue
			}
			c.metrics.InputAudio(n)
		}
		if err := c.forward(data); err != nil {
			return err
		}
	}
}

func (c *relayConn) forward(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upstream != nil {
		return c.writeUpstream(c.upstream, data)
	}
	if len(c.pending) >= c.cfg.MaxPendingMessages {
		c.metrics.RateLimited("pending")
		_ = c.notice(gjson.GetBytes(data, "event_id").String(), CodeQueueFull, "the provider is not connected yet; message dropped")
		return nil
	}
	c.pending = append(c.pending, data)
	return nil
}

func (c *relayConn) writeUpstream(up *websocket.Conn, data []byte) error {
	if err := up.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("write upstream: %w", err)
	}
	if err := up.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write upstream: %w", err)
	}
	return nil
}

func (c *relayConn) pumpUpstream(ctx context.Context, up *websocket.Conn) error {
	for {
		mt, data, err := up.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", errUpstreamClosed, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.metrics.Message(metrics.DirectionUpstream, gjson.GetBytes(data, "type").String())
		select {
		case c.normal <- data:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *relayConn) warn(code, message string) error {
	return c.notice("", code, message)
}

// notice queues a realtime-shaped error event on the priority lane. It never
// blocks; a full lane drops the notice.
func (c *relayConn) notice(clientEventID, code, message string) error {
	frame, err := json.Marshal(protocol.ErrorEvent{
		ServerHeader: protocol.ServerHeader{EventID: protocol.NewEventID(), Type: protocol.TypeError},
		Error: protocol.ErrorDetail{
			Type:    relayErrorType,
			Code:    code,
			Message: message,
			EventID: clientEventID,
		},
	})
	if err != nil {
		return err
	}
	select {
	case c.priority <- frame:
		return nil
	default:
		c.logger.Warn("relay notice dropped", "code", code)
		return errNoticeDropped
	}
}

// decodedLen is the PCM byte count carried by a base64 audio field.
func decodedLen(b64 string) int {
	n := base64.StdEncoding.DecodedLen(len(b64))
	return n - strings.Count(b64[max(0, len(b64)-2):], "=")
}

type errorEnvelope struct {
	Error protocol.ErrorDetail `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: protocol.ErrorDetail{
		Type:    relayErrorType,
		Code:    code,
		Message: message,
	}})
}
