package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

type recorderState int

const (
	recorderIdle recorderState = iota
	recorderBegun
	recorderRecording
)

// Recorder slices a Source into fixed frames and delivers them in capture order.
type Recorder struct {
	src          Source
	frameSamples int
	logger       *slog.Logger

	mu    sync.Mutex
	state recorderState
	done  chan struct{}
}

type RecorderOption func(*Recorder)

func WithFrameSamples(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.frameSamples = n
		}
	}
}

func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRecorder(src Source, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		src:          src,
		frameSamples: FrameSamples,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin acquires the capture device.
func (r *Recorder) Begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderIdle {
		return ErrAlreadyStarted
	}
	if r.src == nil {
		return goerr.New("no capture source configured")
	}
	if err := r.src.Start(); err != nil {
		return goerr.Wrap(err, "start capture source")
	}
	r.state = recorderBegun
	return nil
}

// Record starts delivering frames to onFrame from a single goroutine. The
// final partial frame is dropped.
func (r *Recorder) Record(onFrame func(frame []byte)) error {
	if onFrame == nil {
		return goerr.New("onFrame must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case recorderIdle:
		return ErrNotStarted
	case recorderRecording:
		return ErrAlreadyStarted
	}
	r.state = recorderRecording
	r.done = make(chan struct{})
	go r.loop(onFrame, r.done)
	return nil
}

func (r *Recorder) loop(onFrame func([]byte), done chan struct{}) {
	defer close(done)
	buf := make([]byte, r.frameSamples*bytesPerSample)
	for {
		if _, err := io.ReadFull(r.src, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				r.logger.Warn("capture read failed", "error", err)
			}
			return
		}
		frame := make([]byte, len(buf))
		copy(frame, buf)
		onFrame(frame)
	}
}

// End stops the device and waits for the frame goroutine to exit. Safe to
// call in any state.
func (r *Recorder) End() error {
	r.mu.Lock()
	if r.state == recorderIdle {
		r.mu.Unlock()
		return nil
	}
	done := r.done
	r.state = recorderIdle
	r.done = nil
	r.mu.Unlock()

	err := r.src.Stop()
	if done != nil {
		<-done
	}
	if err != nil {
		return goerr.Wrap(err, "stop capture source")
	}
	return nil
}
