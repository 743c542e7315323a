// Package audio implements the capture and playback channels of a voice
// session: fixed-size PCM16 frames in from a microphone, track-tagged PCM16
// chunks out to a speaker with per-track played offsets for interruption.
package audio

import (
	"context"
	"io"

	"github.com/m-mizutani/goerr/v2"
)

const (
	// SampleRate is the rate used on both directions of the realtime link.
	SampleRate = 24000
	// FrameSamples is 100ms of mono audio at SampleRate.
	FrameSamples = 2400
	bytesPerSample = 2
)

var (
	ErrClosed         = goerr.New("audio channel is closed")
	ErrNotStarted     = goerr.New("audio channel has not been started")
	ErrAlreadyStarted = goerr.New("audio channel already started")
	ErrDecode         = goerr.New("audio decode failed")
)

// Source is a capture device producing little-endian PCM16 mono bytes.
// Read must return io.EOF once Stop has been called.
type Source interface {
	Start() error
	Read(p []byte) (int, error)
	Stop() error
}

// Sink is a playback device that pulls PCM16 bytes from r until closed.
// Flush stops pulling and discards what the device already pulled but has
// not played, returning that many bytes. Resume starts pulling again.
type Sink interface {
	Play(r io.Reader) error
	Flush() int
	Resume()
	Close() error
}

// CaptureChannel is the microphone side of a session.
type CaptureChannel interface {
	Begin(ctx context.Context) error
	Record(onFrame func(frame []byte)) error
	End() error
}

// PlaybackChannel is the speaker side of a session.
type PlaybackChannel interface {
	Connect(ctx context.Context) error
	Add16BitPCM(trackID string, pcm []byte) error
	Interrupt() (TrackOffset, bool)
	Close() error
}

// TrackOffset is where playback of a track stood when it was interrupted.
type TrackOffset struct {
	TrackID string
	// Offset counts samples of TrackID the listener actually heard.
	Offset int64
}

// OffsetMS converts the sample offset to milliseconds at SampleRate.
func (o TrackOffset) OffsetMS() int64 {
	return o.Offset * 1000 / SampleRate
}

// SamplesToMS converts a sample count at rate to whole milliseconds.
func SamplesToMS(samples int64, rate int) int64 {
	if rate <= 0 {
		rate = SampleRate
	}
	return samples * 1000 / int64(rate)
}
