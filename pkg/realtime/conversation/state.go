package conversation

import (
	"github.com/vango-go/vai-interview/pkg/audio"
	"github.com/vango-go/vai-interview/pkg/realtime/eventlog"
	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
)

// State is not safe for concurrent use.
type State struct {
	items  []*Item
	byID   map[string]*Item
	log    eventlog.Log
	memory map[string]string

	turnNotified map[string]bool
	toolCalled   map[string]bool
}

func NewState() *State {
	s := &State{}
	s.reset()
	return s
}

func (s *State) reset() {
	s.items = nil
	s.byID = make(map[string]*Item)
	s.log.Reset()
	s.memory = make(map[string]string)
	s.turnNotified = make(map[string]bool)
	s.toolCalled = make(map[string]bool)
}

// Items returns copies of all items in conversation order.
func (s *State) Items() []Item {
	out := make([]Item, len(s.items))
	for i, it := range s.items {
		out[i] = it.clone()
	}
	return out
}

// Item returns a copy of one item.
func (s *State) Item(id string) (Item, bool) {
	it, ok := s.byID[id]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

func (s *State) Events() []eventlog.Entry {
	return s.log.Entries()
}

func (s *State) Memory() map[string]string {
	out := make(map[string]string, len(s.memory))
	for k, v := range s.memory {
		out[k] = v
	}
	return out
}

// Apply folds one input into the state.
func (s *State) Apply(in Input) []Effect {
	switch in := in.(type) {
	case Reset:
		s.reset()
		return nil
	case MemoryWrite:
		s.memory[in.Key] = in.Value
		return nil
	case ArtifactDecoded:
		it, ok := s.byID[in.ItemID]
		if !ok {
			return nil
		}
		it.Formatted.File = in.File
		return []Effect{Updated{Item: it.clone()}}
	case Sent:
		if in.Event != nil {
			s.log.Append(in.At, eventlog.SourceClient, in.Event.EventType(), in.Event)
		}
		return nil
	case Received:
		if in.Event == nil {
			return nil
		}
		s.log.Append(in.At, eventlog.SourceServer, in.Event.EventType(), in.Event)
		return s.applyServer(in.Event)
	default:
		return nil
	}
}

func (s *State) applyServer(ev protocol.ServerEvent) []Effect {
	switch ev := ev.(type) {
	case *protocol.ErrorEvent:
		return []Effect{ServerError{Detail: ev.Error}}

	case *protocol.ItemCreated:
		return s.upsert(ev.Item)

	case *protocol.ItemTruncated:
		it, ok := s.byID[ev.ItemID]
		if !ok {
			return nil
		}
		end := int(ev.AudioEndMS * audio.SampleRate / 1000 * 2)
		if end < len(it.Formatted.Audio) {
			it.Formatted.Audio = it.Formatted.Audio[:end]
		}
		it.Formatted.Transcript = ""
		return []Effect{Updated{Item: it.clone()}}

	case *protocol.ItemDeleted:
		// items are only ever cleared in bulk
		return nil

	case *protocol.InputTranscriptionCompleted:
		it, ok := s.byID[ev.ItemID]
		if !ok {
			return nil
		}
		transcript := ev.Transcript
		if transcript == "" {
			transcript = " "
		}
		it.Formatted.Transcript = transcript
		if ev.ContentIndex >= 0 && ev.ContentIndex < len(it.Content) {
			it.Content[ev.ContentIndex].Transcript = transcript
		}
		effects := []Effect{Updated{Item: it.clone(), Delta: &Delta{Transcript: transcript}}}
		return append(effects, s.notifyTurn(it)...)

	case *protocol.InputAudioBufferEvent:
		if ev.Type == protocol.TypeSpeechStarted {
			return []Effect{Interrupted{}}
		}
		return nil

	case *protocol.OutputItemEvent:
		switch ev.Type {
		case protocol.TypeResponseOutputItemAdded:
			return s.upsert(ev.Item)
		case protocol.TypeResponseOutputItemDone:
			it := s.ensure(ev.Item)
			mergeWire(it, ev.Item)
			if it.Status == "" || it.Status == protocol.StatusInProgress {
				it.Status = protocol.StatusCompleted
			}
			return append([]Effect{Updated{Item: it.clone()}}, s.complete(it)...)
		}
		return nil

	case *protocol.ContentPartEvent:
		if ev.Type != protocol.TypeResponseContentPartAdded {
			return nil
		}
		it, ok := s.byID[ev.ItemID]
		if !ok {
			return nil
		}
		it.Content = append(it.Content, ev.Part)
		return []Effect{Updated{Item: it.clone()}}

	case *protocol.DeltaEvent:
		return s.applyDelta(ev)

	default:
		return nil
	}
}

func (s *State) applyDelta(ev *protocol.DeltaEvent) []Effect {
	it, ok := s.byID[ev.ItemID]
	if !ok {
		return nil
	}
	switch ev.Type {
	case protocol.TypeResponseAudioDelta:
		pcm, err := protocol.DecodeAudio(ev.Delta)
		if err != nil {
			return []Effect{Warning{Type: ev.Type, Err: err}}
		}
		it.Formatted.Audio = append(it.Formatted.Audio, pcm...)
		return []Effect{Updated{Item: it.clone(), Delta: &Delta{Audio: pcm}}}
	case protocol.TypeResponseAudioTranscriptDelta:
		it.Formatted.Transcript += ev.Delta
		return []Effect{Updated{Item: it.clone(), Delta: &Delta{Transcript: ev.Delta}}}
	case protocol.TypeResponseTextDelta:
		it.Formatted.Text += ev.Delta
		return []Effect{Updated{Item: it.clone(), Delta: &Delta{Text: ev.Delta}}}
	case protocol.TypeResponseFunctionArgsDelta:
		if it.Formatted.Tool == nil {
			it.Formatted.Tool = &ToolCall{CallID: ev.CallID}
		}
		it.Formatted.Tool.Arguments += ev.Delta
		return []Effect{Updated{Item: it.clone(), Delta: &Delta{Arguments: ev.Delta}}}
	case protocol.TypeResponseFunctionArgsDone:
		if it.Formatted.Tool == nil {
			it.Formatted.Tool = &ToolCall{CallID: ev.CallID}
		}
		if ev.Arguments != "" {
			it.Formatted.Tool.Arguments = ev.Arguments
		}
		if ev.Name != "" {
			it.Formatted.Tool.Name = ev.Name
		}
		return nil
	default:
		return nil
	}
}

// ensure returns the item for w.ID, creating an empty one when unknown.
func (s *State) ensure(w protocol.Item) *Item {
	if it, ok := s.byID[w.ID]; ok {
		return it
	}
	it := &Item{ID: w.ID, Type: w.Type, Role: w.Role, Status: protocol.StatusInProgress}
	if it.ID == "" {
		it.ID = protocol.NewItemID()
	}
	s.items = append(s.items, it)
	s.byID[it.ID] = it
	return it
}

func (s *State) upsert(w protocol.Item) []Effect {
	it := s.ensure(w)
	mergeWire(it, w)

	effects := []Effect{Updated{Item: it.clone()}}
	if it.Status == protocol.StatusCompleted && it.Role != protocol.RoleAssistant {
		effects = append(effects, s.complete(it)...)
	}
	return effects
}

// mergeWire copies wire fields onto an item without discarding streamed data.
func mergeWire(it *Item, w protocol.Item) {
	if w.Type != "" {
		it.Type = w.Type
	}
	if w.Role != "" {
		it.Role = w.Role
	}
	if w.Status != "" {
		it.Status = w.Status
	}
	if len(w.Content) > 0 {
		it.Content = append([]protocol.ContentPart(nil), w.Content...)
	}

	switch it.Type {
	case protocol.ItemTypeMessage:
		for _, part := range w.Content {
			switch part.Type {
			case protocol.ContentInputText, protocol.ContentText:
				if part.Text != "" && it.Formatted.Text == "" {
					it.Formatted.Text = part.Text
				}
			case protocol.ContentInputAudio, protocol.ContentAudio:
				if part.Transcript != "" && it.Formatted.Transcript == "" {
					it.Formatted.Transcript = part.Transcript
				}
			}
		}
	case protocol.ItemTypeFunctionCall:
		if it.Formatted.Tool == nil {
			it.Formatted.Tool = &ToolCall{}
		}
		if w.CallID != "" {
			it.Formatted.Tool.CallID = w.CallID
		}
		if w.Name != "" {
			it.Formatted.Tool.Name = w.Name
		}
		if w.Arguments != "" {
			it.Formatted.Tool.Arguments = w.Arguments
		}
	case protocol.ItemTypeFunctionCallOutput:
		if w.Output != "" {
			it.Formatted.Output = w.Output
		}
	}
}

// complete runs the one-time work for an item that reached a final status.
func (s *State) complete(it *Item) []Effect {
	var effects []Effect
	if len(it.Formatted.Audio) > 0 && it.Formatted.File == nil {
		pcm := make([]byte, len(it.Formatted.Audio))
		copy(pcm, it.Formatted.Audio)
		effects = append(effects, DecodeAudio{ItemID: it.ID, PCM: pcm})
	}
	if it.Type == protocol.ItemTypeFunctionCall && it.Formatted.Tool != nil && it.Role != protocol.RoleUser {
		call := *it.Formatted.Tool
		key := call.CallID
		if key == "" {
			key = it.ID
		}
		if !s.toolCalled[key] {
			s.toolCalled[key] = true
			effects = append(effects, CallTool{ItemID: it.ID, Call: call})
		}
	}
	return append(effects, s.notifyTurn(it)...)
}

func (s *State) notifyTurn(it *Item) []Effect {
	if !it.IsVoiceTurn() || s.turnNotified[it.ID] {
		return nil
	}
	s.turnNotified[it.ID] = true
	return []Effect{UserTurnCompleted{ItemID: it.ID}}
}
