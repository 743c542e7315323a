package session

import (
	"strings"

	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
)

const (
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"
)

// Config is staged by Configure and frozen while connected.
type Config struct {
	Instructions string
	Voice        string
	// TurnDetection is protocol.TurnDetectionServerVAD or protocol.TurnDetectionNone.
	TurnDetection           string
	InputTranscriptionModel string
	Temperature             float64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Voice) == "" {
		c.Voice = DefaultVoice
	}
	if strings.TrimSpace(c.TurnDetection) == "" {
		c.TurnDetection = protocol.TurnDetectionServerVAD
	}
	if strings.TrimSpace(c.InputTranscriptionModel) == "" {
		c.InputTranscriptionModel = DefaultTranscriptionModel
	}
	return c
}

func (c Config) serverVAD() bool {
	return c.TurnDetection == protocol.TurnDetectionServerVAD
}

func (c Config) sessionParams(tools []protocol.ToolDefinition) protocol.SessionParams {
	params := protocol.SessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      c.Instructions,
		Voice:             c.Voice,
		InputAudioFormat:  protocol.AudioFormatPCM16,
		OutputAudioFormat: protocol.AudioFormatPCM16,
		Temperature:       c.Temperature,
		Tools:             tools,
	}
	if c.InputTranscriptionModel != "" {
		params.InputAudioTranscription = &protocol.InputAudioTranscription{Model: c.InputTranscriptionModel}
	}
	if c.serverVAD() {
		params.TurnDetection = &protocol.TurnDetection{Type: protocol.TurnDetectionServerVAD}
	}
	if len(tools) > 0 {
		params.ToolChoice = "auto"
	}
	return params
}
