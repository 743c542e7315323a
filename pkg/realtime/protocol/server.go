package protocol

import (
	"encoding/json"
	"strings"
)

const (
	TypeError                        = "error"
	TypeSessionCreated               = "session.created"
	TypeSessionUpdated               = "session.updated"
	TypeConversationItemCreated      = "conversation.item.created"
	TypeConversationItemTruncated    = "conversation.item.truncated"
	TypeConversationItemDeleted      = "conversation.item.deleted"
	TypeInputTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	TypeInputTranscriptionFailed     = "conversation.item.input_audio_transcription.failed"
	TypeInputAudioBufferCommitted    = "input_audio_buffer.committed"
	TypeInputAudioBufferCleared      = "input_audio_buffer.cleared"
	TypeSpeechStarted                = "input_audio_buffer.speech_started"
	TypeSpeechStopped                = "input_audio_buffer.speech_stopped"
	TypeResponseCreated              = "response.created"
	TypeResponseDone                 = "response.done"
	TypeResponseOutputItemAdded      = "response.output_item.added"
	TypeResponseOutputItemDone       = "response.output_item.done"
	TypeResponseContentPartAdded     = "response.content_part.added"
	TypeResponseContentPartDone      = "response.content_part.done"
	TypeResponseTextDelta            = "response.text.delta"
	TypeResponseTextDone             = "response.text.done"
	TypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeResponseAudioTranscriptDone  = "response.audio_transcript.done"
	TypeResponseAudioDelta           = "response.audio.delta"
	TypeResponseAudioDone            = "response.audio.done"
	TypeResponseFunctionArgsDelta    = "response.function_call_arguments.delta"
	TypeResponseFunctionArgsDone     = "response.function_call_arguments.done"
	TypeRateLimitsUpdated            = "rate_limits.updated"
)

// ServerEvent is a decoded provider event.
type ServerEvent interface {
	EventType() string
}

type ServerHeader struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

func (h ServerHeader) EventType() string { return h.Type }

type ErrorEvent struct {
	ServerHeader
	Error ErrorDetail `json:"error"`
}

// SessionEvent covers session.created and session.updated.
type SessionEvent struct {
	ServerHeader
	Session json.RawMessage `json:"session"`
}

type ItemCreated struct {
	ServerHeader
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

type ItemTruncated struct {
	ServerHeader
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

type ItemDeleted struct {
	ServerHeader
	ItemID string `json:"item_id"`
}

type InputTranscriptionCompleted struct {
	ServerHeader
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type InputTranscriptionFailed struct {
	ServerHeader
	ItemID       string      `json:"item_id"`
	ContentIndex int         `json:"content_index"`
	Error        ErrorDetail `json:"error"`
}

// InputAudioBufferEvent covers committed, cleared, speech_started and speech_stopped.
type InputAudioBufferEvent struct {
	ServerHeader
	ItemID         string `json:"item_id,omitempty"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	AudioStartMS   int64  `json:"audio_start_ms,omitempty"`
	AudioEndMS     int64  `json:"audio_end_ms,omitempty"`
}

type Response struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Output []Item `json:"output,omitempty"`
}

// ResponseEvent covers response.created and response.done.
type ResponseEvent struct {
	ServerHeader
	Response Response `json:"response"`
}

// OutputItemEvent covers response.output_item.added and .done.
type OutputItemEvent struct {
	ServerHeader
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Item        Item   `json:"item"`
}

// ContentPartEvent covers response.content_part.added and .done.
type ContentPartEvent struct {
	ServerHeader
	ResponseID   string      `json:"response_id"`
	ItemID       string      `json:"item_id"`
	OutputIndex  int         `json:"output_index"`
	ContentIndex int         `json:"content_index"`
	Part         ContentPart `json:"part"`
}

// DeltaEvent covers the streamed text, transcript, audio and argument deltas
// and their matching .done events.
type DeltaEvent struct {
	ServerHeader
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	CallID       string `json:"call_id,omitempty"`
	Delta        string `json:"delta,omitempty"`
	Text         string `json:"text,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	Arguments    string `json:"arguments,omitempty"`
	Name         string `json:"name,omitempty"`
}

// UnknownEvent keeps events this package has no shape for; they are still logged.
type UnknownEvent struct {
	ServerHeader
	Raw json.RawMessage `json:"-"`
}

func (e UnknownEvent) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(e.ServerHeader)
}

// DecodeServerEvent parses one text frame from the relay.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope ServerHeader
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	var ev ServerEvent
	switch typ {
	case TypeError:
		ev = &ErrorEvent{}
	case TypeSessionCreated, TypeSessionUpdated:
		ev = &SessionEvent{}
	case TypeConversationItemCreated:
		ev = &ItemCreated{}
	case TypeConversationItemTruncated:
		ev = &ItemTruncated{}
	case TypeConversationItemDeleted:
		ev = &ItemDeleted{}
	case TypeInputTranscriptionCompleted:
		ev = &InputTranscriptionCompleted{}
	case TypeInputTranscriptionFailed:
		ev = &InputTranscriptionFailed{}
	case TypeInputAudioBufferCommitted, TypeInputAudioBufferCleared, TypeSpeechStarted, TypeSpeechStopped:
		ev = &InputAudioBufferEvent{}
	case TypeResponseCreated, TypeResponseDone:
		ev = &ResponseEvent{}
	case TypeResponseOutputItemAdded, TypeResponseOutputItemDone:
		ev = &OutputItemEvent{}
	case TypeResponseContentPartAdded, TypeResponseContentPartDone:
		ev = &ContentPartEvent{}
	case TypeResponseTextDelta, TypeResponseTextDone,
		TypeResponseAudioTranscriptDelta, TypeResponseAudioTranscriptDone,
		TypeResponseAudioDelta, TypeResponseAudioDone,
		TypeResponseFunctionArgsDelta, TypeResponseFunctionArgsDone:
		ev = &DeltaEvent{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &UnknownEvent{ServerHeader: envelope, Raw: raw}, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, badRequest("invalid "+typ+" frame", "")
	}
	return ev, nil
}
