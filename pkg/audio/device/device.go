// Package device binds the audio channels to real hardware: malgo for the
// microphone and oto for the speaker.
package device

import (
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
	"github.com/m-mizutani/goerr/v2"
)

const channels = 1

// Microphone is an audio.Source backed by the default malgo capture device.
type Microphone struct {
	sampleRate int

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	stopped bool

	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func NewMicrophone(sampleRate int) *Microphone {
	m := &Microphone{sampleRate: sampleRate}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Microphone) Start() error {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return goerr.Wrap(err, "init audio context")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.SampleRate = uint32(m.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.mu.Lock()
			if !m.stopped {
				m.buf = append(m.buf, pInputSamples...)
			}
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return goerr.Wrap(err, "init microphone", goerr.V("sample_rate", m.sampleRate))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return goerr.Wrap(err, "start microphone")
	}

	m.mu.Lock()
	m.ctx = ctx
	m.device = device
	m.stopped = false
	m.buf = m.buf[:0]
	m.mu.Unlock()
	return nil
}

// Read blocks until captured bytes are available or Stop is called.
func (m *Microphone) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.buf) == 0 && !m.stopped {
		m.cond.Wait()
	}
	if len(m.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

func (m *Microphone) Stop() error {
	m.mu.Lock()
	m.stopped = true
	device, ctx := m.device, m.ctx
	m.device, m.ctx = nil, nil
	m.mu.Unlock()
	m.cond.Broadcast()

	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	if ctx != nil {
		if err := ctx.Uninit(); err != nil {
			return goerr.Wrap(err, "uninit audio context")
		}
		ctx.Free()
	}
	return nil
}

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

// oto allows a single context per process.
func sharedContext(sampleRate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		// At 24kHz mono 16-bit: 4800 bytes = 100ms of audio.
		opts := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   4800,
		}
		ctx, ready, err := oto.NewContext(opts)
		if err != nil {
			otoErr = goerr.Wrap(err, "init speaker")
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// Speaker is an audio.Sink on the default oto output.
type Speaker struct {
	sampleRate int

	mu     sync.Mutex
	player *oto.Player
}

func NewSpeaker(sampleRate int) *Speaker {
	return &Speaker{sampleRate: sampleRate}
}

func (s *Speaker) Play(r io.Reader) error {
	ctx, err := sharedContext(s.sampleRate)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		return goerr.New("speaker already playing")
	}
	s.player = ctx.NewPlayer(r)
	s.player.Play()
	return nil
}

// Flush pauses the oto player and drops the audio it had buffered.
func (s *Speaker) Flush() int {
	s.mu.Lock()
	player := s.player
	s.mu.Unlock()
	if player == nil {
		return 0
	}
	player.Pause()
	n := player.BufferedSize()
	player.Reset()
	return n
}

func (s *Speaker) Resume() {
	s.mu.Lock()
	player := s.player
	s.mu.Unlock()
	if player != nil {
		player.Play()
	}
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.mu.Unlock()
	if player == nil {
		return nil
	}
	if err := player.Close(); err != nil {
		return goerr.Wrap(err, "close speaker")
	}
	return nil
}
