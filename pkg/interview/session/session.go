// Package session runs one realtime voice conversation: it owns the capture
// and playback channels and the relay transport, folds provider events into
// conversation state, and carries out the resulting effects.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/vango-go/vai-interview/pkg/audio"
	"github.com/vango-go/vai-interview/pkg/realtime/conversation"
	"github.com/vango-go/vai-interview/pkg/realtime/eventlog"
	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
)

type Status string

const (
	StatusIdle          Status = "idle"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
)

const defaultToolTimeout = 10 * time.Second

// Transport is the relay link as the session sees it.
type Transport interface {
	Events() <-chan protocol.ServerEvent
	Send(ctx context.Context, ev protocol.ClientEvent) error
	Close() error
}

type DialFunc func(ctx context.Context) (Transport, error)

// Hooks are called from the session's event goroutine. They must not call
// Disconnect synchronously.
type Hooks struct {
	OnUserTurnCompleted func(itemID string)
	OnUpdated           func(item conversation.Item, delta *conversation.Delta)
	OnError             func(err error)
}

type Dependencies struct {
	Capture  audio.CaptureChannel
	Playback audio.PlaybackChannel
	Dial     DialFunc
	Logger   *slog.Logger
	Now      func() time.Time
	// Decode renders a finished item's PCM; defaults to a 24kHz WAV.
	Decode      func(pcm []byte) (*audio.Artifact, error)
	Hooks       Hooks
	ToolTimeout time.Duration
}

type Session struct {
	capture     audio.CaptureChannel
	playback    audio.PlaybackChannel
	dial        DialFunc
	logger      *slog.Logger
	now         func() time.Time
	decode      func(pcm []byte) (*audio.Artifact, error)
	hooks       Hooks
	toolTimeout time.Duration

	// opMu serializes Connect and Disconnect.
	opMu sync.Mutex

	mu            sync.Mutex
	status        Status
	configured    bool
	cfg           Config
	tools         map[string]tool
	state         *conversation.State
	transport     Transport
	connectCancel context.CancelFunc
	loopDone      chan struct{}
	runCtx        context.Context
	runCancel     context.CancelFunc
}

func New(deps Dependencies) *Session {
	s := &Session{
		capture:     deps.Capture,
		playback:    deps.Playback,
		dial:        deps.Dial,
		logger:      deps.Logger,
		now:         deps.Now,
		decode:      deps.Decode,
		hooks:       deps.Hooks,
		toolTimeout: deps.ToolTimeout,
		status:      StatusIdle,
		tools:       make(map[string]tool),
		state:       conversation.NewState(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.decode == nil {
		s.decode = func(pcm []byte) (*audio.Artifact, error) {
			return audio.DecodeWAV(pcm, audio.SampleRate, audio.SampleRate)
		}
	}
	if s.toolTimeout <= 0 {
		s.toolTimeout = defaultToolTimeout
	}
	return s
}

// Configure stages session parameters and registers the set_memory tool.
func (s *Session) Configure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return ErrInvalidState
	}
	s.cfg = cfg.withDefaults()
	s.tools[SetMemoryTool] = tool{def: setMemoryDefinition(), handler: s.setMemory}
	s.configured = true
	return nil
}

// AddTool registers an extra function tool. Only valid while idle.
func (s *Session) AddTool(def protocol.ToolDefinition, handler ToolHandler) error {
	if strings.TrimSpace(def.Name) == "" {
		return goerr.New("tool name is required")
	}
	if handler == nil {
		return goerr.New("tool handler is required", goerr.V("tool", def.Name))
	}
	if def.Type == "" {
		def.Type = "function"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return ErrInvalidState
	}
	s.tools[def.Name] = tool{def: def, handler: handler}
	return nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Items() []conversation.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Items()
}

func (s *Session) Events() []eventlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Events()
}

func (s *Session) Memory() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Memory()
}

// Connect acquires capture, playback and the transport in that order, sends
// the session configuration and the opening message, and starts streaming
// microphone frames when the server detects turns.
func (s *Session) Connect(ctx context.Context, openingMessage string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.configured {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	if s.status != StatusIdle {
		s.mu.Unlock()
		return ErrInvalidState
	}
	cctx, cancel := context.WithCancel(ctx)
	s.status = StatusConnecting
	s.connectCancel = cancel
	cfg := s.cfg
	tools := s.toolDefinitions()
	s.mu.Unlock()
	defer cancel()

	fail := func(resource string, err error, release ...func()) error {
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
		s.mu.Lock()
		s.status = StatusIdle
		s.connectCancel = nil
		s.mu.Unlock()
		if cctx.Err() != nil && ctx.Err() == nil {
			s.logger.Info("connect aborted by disconnect", "resource", resource)
		}
		return &AcquisitionError{Resource: resource, Err: err}
	}
	releaseCapture := func() {
		if err := s.capture.End(); err != nil {
			s.logger.Warn("release capture failed", "error", err)
		}
	}
	releasePlayback := func() {
		if err := s.playback.Close(); err != nil {
			s.logger.Warn("release playback failed", "error", err)
		}
	}

	if err := s.capture.Begin(cctx); err != nil {
		return fail(ResourceCapture, err)
	}
	if err := cctx.Err(); err != nil {
		return fail(ResourceCapture, err, releaseCapture)
	}
	if err := s.playback.Connect(cctx); err != nil {
		return fail(ResourcePlayback, err, releaseCapture)
	}
	if err := cctx.Err(); err != nil {
		return fail(ResourcePlayback, err, releaseCapture, releasePlayback)
	}
	if s.dial == nil {
		return fail(ResourceTransport, goerr.New("no transport dialer configured"), releaseCapture, releasePlayback)
	}
	tr, err := s.dial(cctx)
	if err != nil {
		return fail(ResourceTransport, err, releaseCapture, releasePlayback)
	}
	releaseTransport := func() {
		if err := tr.Close(); err != nil {
			s.logger.Warn("release transport failed", "error", err)
		}
	}
	if err := cctx.Err(); err != nil {
		return fail(ResourceTransport, err, releaseCapture, releasePlayback, releaseTransport)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	s.mu.Lock()
	s.state.Apply(conversation.Reset{})
	s.transport = tr
	s.status = StatusConnected
	s.loopDone = loopDone
	s.runCtx = runCtx
	s.runCancel = runCancel
	s.mu.Unlock()
	go s.loop(runCtx, tr, loopDone)

	abort := func(resource string, err error) error {
		s.teardown()
		s.mu.Lock()
		s.connectCancel = nil
		s.mu.Unlock()
		return &AcquisitionError{Resource: resource, Err: err}
	}

	if err := s.send(cctx, protocol.NewSessionUpdate(cfg.sessionParams(tools))); err != nil {
		return abort(ResourceTransport, err)
	}
	if strings.TrimSpace(openingMessage) != "" {
		if err := s.SendText(cctx, openingMessage); err != nil {
			return abort(ResourceTransport, err)
		}
	}
	if cfg.serverVAD() {
		if err := s.capture.Record(func(frame []byte) { s.appendAudio(runCtx, frame) }); err != nil {
			return abort(ResourceCapture, err)
		}
	}

	s.mu.Lock()
	s.connectCancel = nil
	s.mu.Unlock()
	s.logger.Info("realtime session connected", "turn_detection", cfg.TurnDetection, "tools", len(tools))
	return nil
}

// Disconnect ends the session. It is idempotent and never fails; teardown
// errors are logged. A Connect in flight is cancelled and rolled back.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.connectCancel != nil {
		s.connectCancel()
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.teardown()
	return nil
}

// teardown must be called with opMu held.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.status == StatusIdle {
		s.state.Apply(conversation.Reset{})
		s.mu.Unlock()
		return
	}
	s.status = StatusDisconnecting
	tr := s.transport
	loopDone := s.loopDone
	runCancel := s.runCancel
	s.transport = nil
	s.loopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}
	if tr != nil {
		if err := tr.Close(); err != nil {
			s.logger.Warn("close transport failed", "error", err)
		}
	}
	if loopDone != nil {
		<-loopDone
	}
	if err := s.capture.End(); err != nil {
		s.logger.Warn("end capture failed", "error", err)
	}
	if err := s.playback.Close(); err != nil {
		s.logger.Warn("close playback failed", "error", err)
	}

	s.mu.Lock()
	s.state.Apply(conversation.Reset{})
	s.status = StatusIdle
	s.mu.Unlock()
	s.logger.Info("realtime session disconnected")
}

// SendText sends a user text turn and asks for a response.
func (s *Session) SendText(ctx context.Context, text string) error {
	if err := s.send(ctx, protocol.NewUserText(text)); err != nil {
		return err
	}
	return s.send(ctx, protocol.NewResponseCreate())
}

// CancelResponse stops the assistant item trackID and truncates its audio at
// sampleOffset, the number of samples the candidate actually heard.
func (s *Session) CancelResponse(ctx context.Context, trackID string, sampleOffset int64) error {
	s.mu.Lock()
	item, ok := s.state.Item(trackID)
	s.mu.Unlock()
	if !ok {
		return goerr.New("no item to cancel", goerr.V("item_id", trackID))
	}
	if item.Role != protocol.RoleAssistant {
		return goerr.New("only assistant messages can be cancelled", goerr.V("item_id", trackID), goerr.V("role", item.Role))
	}
	if err := s.send(ctx, protocol.NewResponseCancel()); err != nil {
		return err
	}
	return s.send(ctx, protocol.NewConversationItemTruncate(trackID, audio.SamplesToMS(sampleOffset, audio.SampleRate)))
}

func (s *Session) send(ctx context.Context, ev protocol.ClientEvent) error {
	s.mu.Lock()
	tr := s.transport
	connected := s.status == StatusConnected
	s.mu.Unlock()
	if tr == nil || !connected {
		return ErrNotConnected
	}
	if err := tr.Send(ctx, ev); err != nil {
		return &TransportError{Op: ev.EventType(), Err: err}
	}
	s.mu.Lock()
	s.state.Apply(conversation.Sent{At: s.now(), Event: ev})
	s.mu.Unlock()
	return nil
}

func (s *Session) appendAudio(ctx context.Context, frame []byte) {
	if ctx.Err() != nil {
		return
	}
	err := s.send(ctx, protocol.NewInputAudioBufferAppend(frame))
	if err == nil || ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
		return
	}
	s.logger.Debug("append input audio failed", "error", err)
}

func (s *Session) loop(ctx context.Context, tr Transport, done chan struct{}) {
	defer close(done)
	for ev := range tr.Events() {
		s.mu.Lock()
		effects := s.state.Apply(conversation.Received{At: s.now(), Event: ev})
		s.mu.Unlock()
		s.run(ctx, effects)
	}
	if ctx.Err() == nil {
		err := &TransportError{Op: "read", Err: ErrTransportClosed}
		s.logger.Warn("realtime connection ended", "error", err)
		s.notifyError(err)
	}
}

func (s *Session) run(ctx context.Context, effects []conversation.Effect) {
	for _, effect := range effects {
		switch e := effect.(type) {
		case conversation.Updated:
			if e.Delta != nil && len(e.Delta.Audio) > 0 {
				if err := s.playback.Add16BitPCM(e.Item.ID, e.Delta.Audio); err != nil {
					s.logger.Debug("queue playback failed", "item_id", e.Item.ID, "error", err)
				}
			}
			if s.hooks.OnUpdated != nil {
				s.hooks.OnUpdated(e.Item, e.Delta)
			}
		case conversation.Interrupted:
			off, ok := s.playback.Interrupt()
			if !ok {
				continue
			}
			if err := s.CancelResponse(ctx, off.TrackID, off.Offset); err != nil {
				s.logger.Warn("cancel interrupted response failed", "item_id", off.TrackID, "error", err)
			}
		case conversation.DecodeAudio:
			file, err := s.decode(e.PCM)
			if err != nil {
				s.logger.Warn("decode item audio failed", "item_id", e.ItemID, "error", err)
				continue
			}
			s.mu.Lock()
			more := s.state.Apply(conversation.ArtifactDecoded{ItemID: e.ItemID, File: file})
			s.mu.Unlock()
			s.run(ctx, more)
		case conversation.CallTool:
			s.callTool(ctx, e.Call)
		case conversation.UserTurnCompleted:
			if s.hooks.OnUserTurnCompleted != nil {
				s.hooks.OnUserTurnCompleted(e.ItemID)
			}
		case conversation.ServerError:
			s.logger.Warn("realtime server error", "code", e.Detail.Code, "message", e.Detail.Message)
			s.notifyError(&TransportError{Op: "server", Err: e.Detail})
		case conversation.Warning:
			s.logger.Warn("realtime event not applied", "type", e.Type, "error", e.Err)
		}
	}
}

func (s *Session) notifyError(err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}
