package session

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/vango-go/vai-interview/pkg/realtime/conversation"
	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
)

const SetMemoryTool = "set_memory"

// ToolHandler runs a function call. args is the raw JSON argument object.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

type tool struct {
	def     protocol.ToolDefinition
	handler ToolHandler
}

var memoryKeyPattern = regexp.MustCompile(`^[a-z_]+$`)

func setMemoryDefinition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Type:        "function",
		Name:        SetMemoryTool,
		Description: "Saves important data about the candidate to memory. Writing an existing key overwrites it.",
		Parameters: protocol.RawJSON(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Memory key. Lowercase letters and underscores only.",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "Value to store.",
				},
			},
			"required": []string{"key", "value"},
		}),
	}
}

// ValidateMemoryWrite checks set_memory arguments.
func ValidateMemoryWrite(args json.RawMessage) (key, value string, err error) {
	var in struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", "", goerr.Wrap(ErrToolValidation, "set_memory arguments are not a JSON object", goerr.V("error", err.Error()))
	}
	if !memoryKeyPattern.MatchString(in.Key) {
		return "", "", goerr.Wrap(ErrToolValidation, "memory key must be lowercase letters and underscores", goerr.V("key", in.Key))
	}
	return in.Key, in.Value, nil
}

func (s *Session) setMemory(_ context.Context, args json.RawMessage) (any, error) {
	key, value, err := ValidateMemoryWrite(args)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.state.Apply(conversation.MemoryWrite{Key: key, Value: value})
	s.mu.Unlock()
	return map[string]bool{"ok": true}, nil
}

func (s *Session) toolDefinitions() []protocol.ToolDefinition {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]protocol.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, s.tools[name].def)
	}
	return defs
}

// callTool runs the handler and answers the call upstream. Handler failures
// are acknowledged with ok=false so the assistant's turn can continue.
func (s *Session) callTool(ctx context.Context, call conversation.ToolCall) {
	s.mu.Lock()
	t, ok := s.tools[call.Name]
	s.mu.Unlock()

	var (
		result any
		err    error
	)
	if !ok {
		err = goerr.Wrap(ErrUnknownTool, "no handler registered", goerr.V("tool", call.Name))
	} else {
		toolCtx, cancel := context.WithTimeout(ctx, s.toolTimeout)
		args := json.RawMessage(strings.TrimSpace(call.Arguments))
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		result, err = t.handler(toolCtx, args)
		cancel()
	}

	if err != nil {
		s.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.CallID, "error", err)
		result = map[string]any{"ok": false, "error": err.Error()}
	}
	output, mErr := json.Marshal(result)
	if mErr != nil {
		s.logger.Warn("tool result is not serializable", "tool", call.Name, "error", mErr)
		output = []byte(`{"ok":false,"error":"result is not serializable"}`)
	}

	if err := s.send(ctx, protocol.NewFunctionCallOutput(call.CallID, string(output))); err != nil {
		s.logger.Warn("send tool result failed", "tool", call.Name, "error", err)
		return
	}
	if err := s.send(ctx, protocol.NewResponseCreate()); err != nil {
		s.logger.Warn("request response after tool failed", "tool", call.Name, "error", err)
	}
}
