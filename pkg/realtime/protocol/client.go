package protocol

import "encoding/json"

const (
	TypeSessionUpdate            = "session.update"
	TypeInputAudioBufferAppend   = "input_audio_buffer.append"
	TypeInputAudioBufferCommit   = "input_audio_buffer.commit"
	TypeInputAudioBufferClear    = "input_audio_buffer.clear"
	TypeConversationItemCreate   = "conversation.item.create"
	TypeConversationItemTruncate = "conversation.item.truncate"
	TypeResponseCreate           = "response.create"
	TypeResponseCancel           = "response.cancel"
)

// ClientEvent is anything the session sends upstream.
type ClientEvent interface {
	EventType() string
}

type ClientHeader struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

func (h ClientHeader) EventType() string { return h.Type }

func header(typ string) ClientHeader {
	return ClientHeader{EventID: NewEventID(), Type: typ}
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type SessionParams struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	// TurnDetection is always serialized; null selects manual turns.
	TurnDetection *TurnDetection   `json:"turn_detection"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	ToolChoice    string           `json:"tool_choice,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
}

type SessionUpdate struct {
	ClientHeader
	Session SessionParams `json:"session"`
}

func NewSessionUpdate(params SessionParams) SessionUpdate {
	return SessionUpdate{ClientHeader: header(TypeSessionUpdate), Session: params}
}

type InputAudioBufferAppend struct {
	ClientHeader
	Audio string `json:"audio"`
}

func NewInputAudioBufferAppend(pcm []byte) InputAudioBufferAppend {
	return InputAudioBufferAppend{ClientHeader: header(TypeInputAudioBufferAppend), Audio: EncodeAudio(pcm)}
}

type InputAudioBufferCommit struct {
	ClientHeader
}

func NewInputAudioBufferCommit() InputAudioBufferCommit {
	return InputAudioBufferCommit{ClientHeader: header(TypeInputAudioBufferCommit)}
}

type ConversationItemCreate struct {
	ClientHeader
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

// NewUserText builds the item for a typed or injected user turn.
func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		ClientHeader: header(TypeConversationItemCreate),
		Item: Item{
			Type:    ItemTypeMessage,
			Role:    RoleUser,
			Content: []ContentPart{{Type: ContentInputText, Text: text}},
		},
	}
}

// NewFunctionCallOutput answers a function_call item.
func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		ClientHeader: header(TypeConversationItemCreate),
		Item: Item{
			Type:   ItemTypeFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}

type ConversationItemTruncate struct {
	ClientHeader
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

func NewConversationItemTruncate(itemID string, audioEndMS int64) ConversationItemTruncate {
	return ConversationItemTruncate{
		ClientHeader: header(TypeConversationItemTruncate),
		ItemID:       itemID,
		AudioEndMS:   audioEndMS,
	}
}

type ResponseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type ResponseCreate struct {
	ClientHeader
	Response *ResponseParams `json:"response,omitempty"`
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{ClientHeader: header(TypeResponseCreate)}
}

type ResponseCancel struct {
	ClientHeader
}

func NewResponseCancel() ResponseCancel {
	return ResponseCancel{ClientHeader: header(TypeResponseCancel)}
}
