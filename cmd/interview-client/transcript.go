package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/vango-go/vai-interview/pkg/realtime/conversation"
	"github.com/vango-go/vai-interview/pkg/realtime/eventlog"
)

// transcriptRecorder keeps the latest version of every item seen, across
// sessions. The session clears its own state on disconnect.
type transcriptRecorder struct {
	mu    sync.Mutex
	order []string
	items map[string]conversation.Item
}

func newTranscriptRecorder() *transcriptRecorder {
	return &transcriptRecorder{items: make(map[string]conversation.Item)}
}

func (r *transcriptRecorder) Record(item conversation.Item) {
	item.Formatted.Audio = nil
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.items[item.ID]; !seen {
		r.order = append(r.order, item.ID)
	}
	r.items[item.ID] = item
}

func (r *transcriptRecorder) Items() []conversation.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]conversation.Item, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id])
	}
	return out
}

type transcript struct {
	SavedAt time.Time           `json:"saved_at"`
	Items   []conversation.Item `json:"items"`
	Memory  map[string]string   `json:"memory,omitempty"`
	Events  []eventlog.Entry    `json:"events,omitempty"`
}

// writeTranscript replaces path in one step so a crash never leaves a
// partial file behind.
func writeTranscript(path string, t transcript) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	b = append(b, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write transcript %s: %w", path, err)
	}
	return nil
}
