// Package transport is the candidate-side websocket link to the relay. Server
// events are decoded and delivered in arrival order on a channel; delivery
// blocks rather than drops, so a slow consumer applies backpressure to the
// socket instead of losing conversation state.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"

	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
)

const (
	DefaultRelayURL     = "http://localhost:8081"
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultEventBuffer  = 256
)

var ErrClosed = goerr.New("realtime connection is closed")

type Options struct {
	// URL of the relay; http(s) is rewritten to ws(s).
	URL string
	// Model is passed as ?model= when set and the URL has none.
	Model        string
	Header       http.Header
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	EventBuffer  int
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

// Conn is a live relay connection.
type Conn struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	events  chan protocol.ServerEvent
	closing chan struct{}
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// WebSocketURL normalizes a relay address into the URL that is dialed.
func WebSocketURL(raw, model string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultRelayURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &Error{Op: "parse", URL: raw, Err: err}
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", &Error{Op: "parse", URL: raw, Err: errors.New("relay URL must use http(s) or ws(s)")}
	}
	if model = strings.TrimSpace(model); model != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", model)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// Dial connects to the relay and starts the read loop.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	wsURL, err := WebSocketURL(opts.URL, opts.Model)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, &Error{Op: "dial", URL: wsURL, Status: resp.StatusCode, Err: err}
		}
		return nil, &Error{Op: "dial", URL: wsURL, Err: err}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	c := &Conn{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		events:       make(chan protocol.ServerEvent, buffer),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events yields server events in arrival order. The channel is closed when
// the connection ends.
func (c *Conn) Events() <-chan protocol.ServerEvent {
	if c == nil {
		return nil
	}
	return c.events
}

// Done is closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes one client event. Writes are serialized.
func (c *Conn) Send(ctx context.Context, ev protocol.ClientEvent) error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return goerr.Wrap(ErrClosed, "send", goerr.V("type", ev.EventType()))
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return &Error{Op: "encode " + ev.EventType(), Err: err}
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return &Error{Op: "send " + ev.EventType(), Err: err}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &Error{Op: "send " + ev.EventType(), Err: err}
	}
	return nil
}

// Close sends a normal closure and waits for the read loop to finish.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal read error, if any, once the connection is done.
func (c *Conn) Err() error {
	if c == nil {
		return nil
	}
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(&Error{Op: "read", Err: err})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.DecodeServerEvent(data)
		if err != nil {
			c.logger.Warn("dropping undecodable realtime frame", "error", err, "bytes", len(data))
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closing:
			return
		}
	}
}
