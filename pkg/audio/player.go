package audio

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

type chunk struct {
	trackID string
	data    []byte
}

// span is a run of samples handed to the sink. An empty trackID is silence.
type span struct {
	trackID string
	samples int64
}

// recentLimit bounds the pull history kept for interruption, in samples. It
// must exceed the largest device buffer.
const recentLimit = 2 * SampleRate

// StreamPlayer queues track-tagged PCM16 for a Sink and remembers how much of
// each track has been handed out. On interruption the sink reports what it
// had not played yet, so the offset covers only audio that was heard.
type StreamPlayer struct {
	sink Sink

	mu          sync.Mutex
	connected   bool
	queue       []chunk
	played      map[string]int64
	interrupted map[string]bool
	recent      []span
	recentTotal int64
}

func NewStreamPlayer(sink Sink) *StreamPlayer {
	return &StreamPlayer{
		sink:        sink,
		played:      make(map[string]int64),
		interrupted: make(map[string]bool),
	}
}

// Connect starts the sink pulling from the player. A nil sink runs headless;
// Read then has to be driven by the caller.
func (p *StreamPlayer) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.connected = true
	p.mu.Unlock()

	if p.sink == nil {
		return nil
	}
	if err := p.sink.Play(p); err != nil {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		return goerr.Wrap(err, "start playback sink")
	}
	return nil
}

// Add16BitPCM queues pcm for trackID. Audio for a track that was interrupted
// is discarded.
func (p *StreamPlayer) Add16BitPCM(trackID string, pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotStarted
	}
	if len(pcm) == 0 || p.interrupted[trackID] {
		return nil
	}
	if len(pcm)%bytesPerSample != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	data := make([]byte, len(pcm))
	copy(data, pcm)
	p.queue = append(p.queue, chunk{trackID: trackID, data: data})
	return nil
}

// Read implements io.Reader for the sink. It never blocks: when nothing is
// queued it fills p with silence.
func (p *StreamPlayer) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for n < len(b) && len(p.queue) > 0 {
		head := &p.queue[0]
		c := copy(b[n:], head.data)
		n += c
		p.played[head.trackID] += int64(c / bytesPerSample)
		p.remember(head.trackID, int64(c/bytesPerSample))
		head.data = head.data[c:]
		if len(head.data) == 0 {
			p.queue = p.queue[1:]
		}
	}
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
	p.remember("", int64((len(b)-n)/bytesPerSample))
	return len(b), nil
}

func (p *StreamPlayer) remember(trackID string, samples int64) {
	if samples <= 0 {
		return
	}
	if last := len(p.recent) - 1; last >= 0 && p.recent[last].trackID == trackID {
		p.recent[last].samples += samples
	} else {
		p.recent = append(p.recent, span{trackID: trackID, samples: samples})
	}
	p.recentTotal += samples
	for len(p.recent) > 1 && p.recentTotal-p.recent[0].samples >= recentLimit {
		p.recentTotal -= p.recent[0].samples
		p.recent = p.recent[1:]
	}
}

// Interrupt stops the sink, drops everything queued and reports the track the
// listener was hearing with the number of its samples actually played. ok is
// false when no track audio was pending.
func (p *StreamPlayer) Interrupt() (TrackOffset, bool) {
	p.mu.Lock()
	sink := p.sink
	if !p.connected {
		sink = nil
	}
	p.mu.Unlock()

	// The sink may be inside Read; flush it without holding mu.
	var unplayed int64
	if sink != nil {
		unplayed = int64(sink.Flush() / bytesPerSample)
		defer sink.Resume()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Walk back over the pulled but unplayed tail of the history. The oldest
	// track sample in it is the one the listener was about to hear.
	skipped := make(map[string]int64)
	var trackID string
	rem := unplayed
	for i := len(p.recent) - 1; i >= 0 && rem > 0; i-- {
		s := p.recent[i]
		take := min(s.samples, rem)
		skipped[s.trackID] += take
		rem -= take
		if s.trackID != "" {
			trackID = s.trackID
		}
	}
	p.recent = nil
	p.recentTotal = 0

	if trackID == "" && len(p.queue) > 0 {
		trackID = p.queue[0].trackID
	}
	for _, c := range p.queue {
		p.interrupted[c.trackID] = true
	}
	for id := range skipped {
		if id != "" {
			p.interrupted[id] = true
		}
	}
	p.queue = nil
	if trackID == "" {
		return TrackOffset{}, false
	}
	p.interrupted[trackID] = true
	return TrackOffset{TrackID: trackID, Offset: max(p.played[trackID]-skipped[trackID], 0)}, true
}

// Buffered is the number of queued samples not yet handed to the sink.
func (p *StreamPlayer) Buffered() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, c := range p.queue {
		total += int64(len(c.data) / bytesPerSample)
	}
	return total
}

// Close stops playback and forgets all track state. The player can be
// connected again afterwards.
func (p *StreamPlayer) Close() error {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.queue = nil
	p.played = make(map[string]int64)
	p.interrupted = make(map[string]bool)
	p.recent = nil
	p.recentTotal = 0
	p.mu.Unlock()

	if !wasConnected || p.sink == nil {
		return nil
	}
	if err := p.sink.Close(); err != nil {
		return goerr.Wrap(err, "close playback sink")
	}
	return nil
}
