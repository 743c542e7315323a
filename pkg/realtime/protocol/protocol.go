// Package protocol holds the wire shapes of the realtime voice API as seen
// through the relay: client events the candidate sends and server events the
// provider emits.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	// SampleRate is the only PCM rate the realtime API accepts and emits.
	SampleRate = 24000

	AudioFormatPCM16 = "pcm16"

	TurnDetectionServerVAD = "server_vad"
	TurnDetectionNone      = "none"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"

	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"

	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusIncomplete = "incomplete"

	ContentInputText  = "input_text"
	ContentInputAudio = "input_audio"
	ContentText       = "text"
	ContentAudio      = "audio"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// NewEventID returns an id in the realtime API's evt_ namespace.
func NewEventID() string {
	return "evt_" + strings.ToLower(ulid.Make().String())
}

// NewItemID returns a client-side conversation item id.
func NewItemID() string {
	return "item_" + strings.ToLower(ulid.Make().String())
}

// EncodeAudio base64-encodes little-endian PCM16 for input_audio_buffer.append.
func EncodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeAudio reverses EncodeAudio.
func DecodeAudio(b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, badRequest("invalid base64 audio", "delta")
	}
	return data, nil
}

// ContentPart is one piece of a message item.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Item is a conversation item as it travels on the wire in either direction.
type Item struct {
	ID        string        `json:"id,omitempty"`
	Object    string        `json:"object,omitempty"`
	Type      string        `json:"type"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// HasContent reports whether any content part has the given type.
func (it Item) HasContent(typ string) bool {
	for _, part := range it.Content {
		if part.Type == typ {
			return true
		}
	}
	return false
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e ErrorDetail) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "realtime error"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return msg
}

// RawJSON is a convenience for tool parameter schemas.
func RawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
