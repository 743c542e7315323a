// Package sessions tracks live relay connections so shutdown can warn,
// wait for and finally cancel them.
package sessions

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// NewID returns a sortable connection id.
func NewID() string {
	return "conn_" + strings.ToLower(ulid.Make().String())
}

// Handle lets the tracker reach a live connection.
type Handle struct {
	Cancel func()
	// Warn delivers a relay notice to the client without closing the connection.
	Warn func(code, message string) error
}

type Tracker struct {
	mu    sync.Mutex
	conns map[string]*entry
	wg    sync.WaitGroup

	draining atomic.Bool
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*entry)}
}

// Register adds a connection. Registering an id twice replaces the older
// entry. The returned func is safe to call more than once.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	e := &entry{handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*entry)
	}
	old := t.conns[id]
	t.conns[id] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.release(id, old)
	}
	return func() { t.release(id, e) }
}

func (t *Tracker) release(id string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.conns[id] == e {
			delete(t.conns, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Drain marks the relay as draining and warns every live connection.
// It returns the number of connections warned.
func (t *Tracker) Drain(code, message string) int {
	if t == nil {
		return 0
	}
	t.draining.Store(true)
	return t.WarnAll(code, message)
}

func (t *Tracker) Draining() bool {
	return t != nil && t.draining.Load()
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		if err := h.Warn(code, message); err == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.conns))
	for _, e := range t.conns {
		out = append(out, e.handle)
	}
	return out
}

// Wait blocks until every registered connection has unregistered or ctx
// ends. It reports whether all connections finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
