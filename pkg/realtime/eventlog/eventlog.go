// Package eventlog keeps the realtime event history shown to operators, with
// consecutive events of the same type collapsed into a single counted entry.
package eventlog

import (
	"encoding/json"
	"time"
)

type Source string

const (
	SourceClient Source = "client"
	SourceServer Source = "server"
)

type Entry struct {
	Time   time.Time `json:"time"`
	Source Source    `json:"source"`
	Type   string    `json:"type"`
	// Event is the first event of the run.
	Event any `json:"event"`
	Count int `json:"count"`
}

// Log is not safe for concurrent use; the owning session serializes access.
type Log struct {
	entries []Entry
}

// Append records ev. When the previous entry has the same type the two merge
// and only the counter moves.
func (l *Log) Append(at time.Time, source Source, typ string, ev any) {
	if n := len(l.entries); n > 0 && l.entries[n-1].Type == typ {
		l.entries[n-1].Count++
		return
	}
	l.entries = append(l.entries, Entry{
		Time:   at,
		Source: source,
		Type:   typ,
		Event:  ev,
		Count:  1,
	})
}

func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Entries returns a copy safe to hand to other goroutines.
func (l *Log) Entries() []Entry {
	if l == nil || len(l.entries) == 0 {
		return nil
	}
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Reset() {
	l.entries = nil
}

// Total is the number of events recorded, counting merged repeats.
func (l *Log) Total() int {
	total := 0
	for _, e := range l.entries {
		total += e.Count
	}
	return total
}

func (l *Log) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Entries())
}
