package audio

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Artifact is a finished, playable rendering of an item's audio.
type Artifact struct {
	WAV        []byte        `json:"-"`
	SampleRate int           `json:"sample_rate"`
	Samples    int           `json:"samples"`
	Duration   time.Duration `json:"duration"`
}

// DecodeWAV wraps little-endian PCM16 mono audio recorded at fromRate into a
// WAV container at toRate, resampling linearly when the rates differ.
func DecodeWAV(pcm []byte, fromRate, toRate int) (*Artifact, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, goerr.Wrap(ErrDecode, "sample rates must be > 0", goerr.V("from", fromRate), goerr.V("to", toRate))
	}
	if len(pcm) == 0 {
		return nil, goerr.Wrap(ErrDecode, "no audio")
	}
	if len(pcm)%bytesPerSample != 0 {
		return nil, goerr.Wrap(ErrDecode, "pcm16 length must be even", goerr.V("bytes", len(pcm)))
	}

	samples := make([]int16, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	if fromRate != toRate {
		samples = resample(samples, fromRate, toRate)
	}

	var buf bytes.Buffer
	dataLen := uint32(len(samples) * bytesPerSample)
	buf.Grow(44 + int(dataLen))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(toRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(toRate*bytesPerSample))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bytesPerSample))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	_ = binary.Write(&buf, binary.LittleEndian, samples)

	return &Artifact{
		WAV:        buf.Bytes(),
		SampleRate: toRate,
		Samples:    len(samples),
		Duration:   time.Duration(len(samples)) * time.Second / time.Duration(toRate),
	}, nil
}

func resample(in []int16, fromRate, toRate int) []int16 {
	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	if outLen <= 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac)
	}
	return out
}
