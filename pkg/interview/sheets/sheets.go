// Package sheets polls the candidate's spreadsheet endpoint and turns its
// snapshot into ordered [key, value] rows.
package sheets

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
)

const (
	DefaultSchedule = "@every 5s"
	DefaultTimeout  = 10 * time.Second

	maxBodyBytes = 1 << 20
)

var (
	ErrNoBody      = goerr.New("spreadsheet response has no body field")
	ErrNotObject   = goerr.New("spreadsheet body is not a JSON object")
	ErrUnavailable = goerr.New("spreadsheet endpoint returned an error status")
)

// Row is one [key, value] pair; values keep their JSON type.
type Row = [2]any

type Config struct {
	Endpoint string
	// Schedule is a cron spec; "@every 5s" style descriptors are accepted.
	Schedule string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

type Poller struct {
	endpoint string
	schedule cron.Schedule
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
	onRows   func(ctx context.Context, rows []Row)
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, onRows func(ctx context.Context, rows []Row)) (*Poller, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, goerr.New("spreadsheet endpoint is required")
	}
	spec := cfg.Schedule
	if strings.TrimSpace(spec) == "" {
		spec = DefaultSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid poll schedule", goerr.V("schedule", spec))
	}
	p := &Poller{
		endpoint: cfg.Endpoint,
		schedule: sched,
		client:   cfg.Client,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		onRows:   onRows,
		now:      time.Now,
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Start begins polling. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

// Stop cancels polling and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := p.now()
		timer := time.NewTimer(p.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		rows, err := p.Poll(ctx)
		switch {
		case err == nil:
			if p.onRows != nil {
				p.onRows(ctx, rows)
			}
		case ctx.Err() != nil:
			return
		default:
			p.logger.Warn("spreadsheet poll failed", "error", err)
		}
	}
}

// Poll fetches the endpoint once.
func (p *Poller) Poll(ctx context.Context) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "build spreadsheet request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "fetch spreadsheet")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, goerr.Wrap(ErrUnavailable, "fetch spreadsheet", goerr.V("status", resp.StatusCode))
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, goerr.Wrap(err, "read spreadsheet response")
	}
	return ParseRows(payload)
}

// ParseRows reads the "body" string field of payload as a JSON object and
// returns its members in document order.
func ParseRows(payload []byte) ([]Row, error) {
	body := gjson.GetBytes(payload, "body")
	if !body.Exists() || body.String() == "" {
		return nil, ErrNoBody
	}
	obj := body
	if body.Type == gjson.String {
		obj = gjson.Parse(body.String())
	}
	if !obj.IsObject() {
		return nil, goerr.Wrap(ErrNotObject, "parse spreadsheet body", goerr.V("body", truncate(body.String(), 64)))
	}
	rows := make([]Row, 0)
	obj.ForEach(func(key, value gjson.Result) bool {
		rows = append(rows, Row{key.String(), value.Value()})
		return true
	})
	return rows, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
