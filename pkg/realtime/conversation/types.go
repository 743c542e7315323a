// Package conversation folds realtime events into the client's view of a
// conversation. State.Apply performs no I/O: it mutates the state and returns
// the effects the caller must carry out, in order.
package conversation

import (
	"time"

	"github.com/vango-go/vai-interview/pkg/audio"
	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
)

type ToolCall struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Formatted is the rendering-friendly projection of an item.
type Formatted struct {
	Text       string          `json:"text,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Audio      []byte          `json:"-"`
	Tool       *ToolCall       `json:"tool,omitempty"`
	Output     string          `json:"output,omitempty"`
	File       *audio.Artifact `json:"file,omitempty"`
}

type Item struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Role      string                 `json:"role,omitempty"`
	Status    string                 `json:"status"`
	Content   []protocol.ContentPart `json:"content,omitempty"`
	Formatted Formatted              `json:"formatted"`
}

func (it *Item) clone() Item {
	out := *it
	if it.Content != nil {
		out.Content = append([]protocol.ContentPart(nil), it.Content...)
	}
	if it.Formatted.Tool != nil {
		tool := *it.Formatted.Tool
		out.Formatted.Tool = &tool
	}
	return out
}

// IsVoiceTurn reports whether the item is a spoken user turn.
func (it *Item) IsVoiceTurn() bool {
	if it == nil || it.Role != protocol.RoleUser {
		return false
	}
	for _, part := range it.Content {
		if part.Type == protocol.ContentInputAudio {
			return true
		}
	}
	return false
}

// Input is anything that can move conversation state.
type Input interface {
	isInput()
}

// Received wraps an event from the provider.
type Received struct {
	At    time.Time
	Event protocol.ServerEvent
}

// Sent records an event the client sent upstream.
type Sent struct {
	At    time.Time
	Event protocol.ClientEvent
}

// ArtifactDecoded attaches a decoded audio file to an item.
type ArtifactDecoded struct {
	ItemID string
	File   *audio.Artifact
}

// MemoryWrite stores a value through the set_memory tool.
type MemoryWrite struct {
	Key   string
	Value string
}

// Reset clears items, the event log and memory.
type Reset struct{}

func (Received) isInput()        {}
func (Sent) isInput()            {}
func (ArtifactDecoded) isInput() {}
func (MemoryWrite) isInput()     {}
func (Reset) isInput()           {}

// Effect is work the owner of the state must perform after Apply.
type Effect interface {
	isEffect()
}

// Delta is what changed in an Updated item.
type Delta struct {
	Audio      []byte
	Text       string
	Transcript string
	Arguments  string
}

// Updated is emitted for every item change. Audio deltas go to playback
// keyed by Item.ID.
type Updated struct {
	Item  Item
	Delta *Delta
}

// Interrupted means the candidate started speaking over the assistant.
type Interrupted struct{}

// DecodeAudio asks for the finished audio of an item to be rendered.
type DecodeAudio struct {
	ItemID string
	PCM    []byte
}

// CallTool asks for a completed function call to be dispatched.
type CallTool struct {
	ItemID string
	Call   ToolCall
}

// UserTurnCompleted fires once per spoken candidate turn.
type UserTurnCompleted struct {
	ItemID string
}

// ServerError carries an error event from the provider.
type ServerError struct {
	Detail protocol.ErrorDetail
}

// Warning reports an event that could not be applied.
type Warning struct {
	Type string
	Err  error
}

func (Updated) isEffect()           {}
func (Interrupted) isEffect()       {}
func (DecodeAudio) isEffect()       {}
func (CallTool) isEffect()          {}
func (UserTurnCompleted) isEffect() {}
func (ServerError) isEffect()       {}
func (Warning) isEffect()           {}
