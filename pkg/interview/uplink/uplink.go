// Package uplink forwards the candidate's editor and spreadsheet state into a
// live conversation as text turns. Each stream only sends when its value has
// changed since the last send and its cooldown has elapsed.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const (
	StreamCode  = "code"
	StreamSheet = "sheet"

	DefaultCooldown = 5 * time.Second

	// EmptyRows is the serialized form of a spreadsheet with no rows.
	EmptyRows = "[]"
)

var ErrUnknownStream = goerr.New("unknown activity stream")

// Sender injects a user text turn into the conversation.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type snapshot struct {
	lastSent   string
	lastSentAt time.Time
	latest     string
	hasLatest  bool
}

type Uplink struct {
	sender   Sender
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]*snapshot
	order   []string
}

type Option func(*Uplink)

func WithCooldown(d time.Duration) Option {
	return func(u *Uplink) {
		if d >= 0 {
			u.cooldown = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(u *Uplink) {
		if now != nil {
			u.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(u *Uplink) {
		if logger != nil {
			u.logger = logger
		}
	}
}

func New(sender Sender, opts ...Option) *Uplink {
	u := &Uplink{
		sender:   sender,
		cooldown: DefaultCooldown,
		now:      time.Now,
		logger:   slog.Default(),
		streams:  make(map[string]*snapshot),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Register adds a stream whose prior value is baseline. Registering an
// existing stream resets it.
func (u *Uplink) Register(stream, baseline string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.streams[stream]; !ok {
		u.order = append(u.order, stream)
	}
	u.streams[stream] = &snapshot{lastSent: baseline}
}

// Update records the latest value of a stream without sending it.
func (u *Uplink) Update(stream, value string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	snap, ok := u.streams[stream]
	if !ok {
		return goerr.Wrap(ErrUnknownStream, "update", goerr.V("stream", stream))
	}
	snap.latest = value
	snap.hasLatest = true
	return nil
}

// Offer records value and sends it if the stream's conditions hold. sent
// reports whether a turn was injected.
func (u *Uplink) Offer(ctx context.Context, stream, value string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	snap, ok := u.streams[stream]
	if !ok {
		return false, goerr.Wrap(ErrUnknownStream, "offer", goerr.V("stream", stream))
	}
	snap.latest = value
	snap.hasLatest = true
	return u.offerLocked(ctx, stream, snap)
}

// Flush offers the latest value of every stream, in registration order. It
// runs at each candidate turn boundary.
func (u *Uplink) Flush(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var errs []error
	for _, stream := range u.order {
		snap := u.streams[stream]
		if !snap.hasLatest {
			continue
		}
		if _, err := u.offerLocked(ctx, stream, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LastSent returns the value most recently sent on stream, or its baseline.
func (u *Uplink) LastSent(stream string) (string, time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	snap, ok := u.streams[stream]
	if !ok {
		return "", time.Time{}, false
	}
	return snap.lastSent, snap.lastSentAt, true
}

// offerLocked holds u.mu across the send so one stream never has two sends
// in flight.
func (u *Uplink) offerLocked(ctx context.Context, stream string, snap *snapshot) (bool, error) {
	if snap.latest == snap.lastSent {
		return false, nil
	}
	now := u.now()
	if !snap.lastSentAt.IsZero() && now.Sub(snap.lastSentAt) < u.cooldown {
		return false, nil
	}
	if err := u.sender.SendText(ctx, snap.latest); err != nil {
		return false, goerr.Wrap(err, "send activity", goerr.V("stream", stream))
	}
	snap.lastSent = snap.latest
	snap.lastSentAt = now
	u.logger.Debug("activity forwarded", "stream", stream, "bytes", len(snap.latest))
	return true, nil
}

// SerializeRows renders spreadsheet rows as a JSON array of [key, value]
// pairs. No rows serialize to EmptyRows.
func SerializeRows(rows [][2]any) (string, error) {
	if len(rows) == 0 {
		return EmptyRows, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rows); err != nil {
		return "", goerr.Wrap(err, "serialize sheet rows")
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
