package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/wav"
)

// ErrUnsupportedFormat is returned by [Decode] for containers it cannot turn
// into float samples.
var ErrUnsupportedFormat = errors.New("wav: unsupported format")

// Clip is decoded mono audio.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Decode parses a WAV container holding mono or multi-channel audio in either
// 32-bit float or 16-bit integer PCM. Multi-channel input is downmixed to
// mono by averaging. Join sounds and other user-supplied clips go through
// here as well as synthesised speech.
func Decode(data []byte) (*Clip, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("wav: decode: %w: %v", ErrUnsupportedFormat, err)
	}
	if d.PCMChunk == nil {
		return nil, fmt.Errorf("wav: decode: %w: no data chunk", ErrUnsupportedFormat)
	}

	channels := int(d.NumChans)
	if channels <= 0 {
		return nil, fmt.Errorf("wav: decode: %w: %d channels", ErrUnsupportedFormat, channels)
	}
	pcm, err := io.ReadAll(io.LimitReader(d.PCMChunk.R, int64(d.PCMChunk.Size)))
	if err != nil {
		return nil, fmt.Errorf("wav: decode: read data: %w", err)
	}

	var interleaved []float32
	switch {
	case d.WavAudioFormat == formatIEEEFloat && d.BitDepth == 32:
		interleaved = make([]float32, len(pcm)/4)
		for i := range interleaved {
			interleaved[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
		}
	case d.WavAudioFormat == 1 && d.BitDepth == 16:
		interleaved = make([]float32, len(pcm)/2)
		for i := range interleaved {
			interleaved[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		}
	default:
		return nil, fmt.Errorf("wav: decode: %w: format %d, %d bit", ErrUnsupportedFormat, d.WavAudioFormat, d.BitDepth)
	}

	return &Clip{
		Samples:    downmix(interleaved, channels),
		SampleRate: int(d.SampleRate),
	}, nil
}

// downmix averages interleaved frames into a mono signal.
func downmix(interleaved []float32, channels int) []float32 {
	if channels == 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
