package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Format is the sample rate and channel layout of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format as, for example, "24000Hz mono".
func (f Format) String() string {
	var layout string
	switch f.Channels {
	case 1:
		layout = "mono"
	case 2:
		layout = "stereo"
	default:
		layout = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, layout)
}

func formatOf(f AudioFrame) Format { return Format{SampleRate: f.SampleRate, Channels: f.Channels} }

// FormatConverter brings speech frames to the format a transport expects,
// typically 24 kHz mono to 48 kHz stereo for Discord. Each problem is logged
// once per converter. A converter belongs to one stream.
type FormatConverter struct {
	Target Format

	announce sync.Once
	complain sync.Once
}

// Convert returns frame in the target format. Frames already in that format
// come back untouched. Only mono sources are converted; anything else, and
// any frame with a torn sample, is replaced by an empty frame in the target
// format.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := formatOf(frame)
	switch {
	case len(frame.Data)%2 == 1:
		return c.reject(frame, "odd byte count in PCM data")
	case src == c.Target:
		return frame
	case src.Channels != 1:
		return c.reject(frame, "only mono sources can be converted")
	}

	c.announce.Do(func() {
		slog.Debug("format converter active", "from", src, "to", c.Target)
	})

	out := ResampleMono16(frame.Data, src.SampleRate, c.Target.SampleRate)
	if c.Target.Channels == 2 {
		out = MonoToStereo(out)
	}
	return c.targetFrame(frame.Timestamp, out)
}

func (c *FormatConverter) reject(frame AudioFrame, why string) AudioFrame {
	c.complain.Do(func() {
		slog.Warn("format converter dropping frame",
			"reason", why, "bytes", len(frame.Data), "from", formatOf(frame), "to", c.Target)
	})
	return c.targetFrame(frame.Timestamp, nil)
}

func (c *FormatConverter) targetFrame(ts time.Duration, data []byte) AudioFrame {
	return AudioFrame{Data: data, SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: ts}
}

// Float32ToPCM16 quantises float samples to little-endian int16. Values
// beyond [-1, 1] are clipped and NaN becomes silence.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(-1, math.Min(1, v))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(v*math.MaxInt16))))
	}
	return out
}

// FrameSamples is the per-channel sample count of d at sampleRate.
func FrameSamples(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// SegmentFromSamples wraps a finished mono utterance as a mixer segment of
// equally sized int16 frames, zero-padding the last one.
func SegmentFromSamples(label string, samples []float32, sampleRate int, frame time.Duration) *Segment {
	per := FrameSamples(sampleRate, frame)
	if per <= 0 {
		per = max(len(samples), 1)
	}
	frames := make(chan []byte, (len(samples)+per-1)/per)
	for rest := samples; len(rest) > 0; {
		n := min(per, len(rest))
		pcm := make([]byte, 2*per)
		copy(pcm, Float32ToPCM16(rest[:n]))
		frames <- pcm
		rest = rest[n:]
	}
	close(frames)
	return NewSegment(label, frames, sampleRate, 1)
}

// MonoToStereo writes every little-endian int16 sample twice, once per
// channel. A trailing partial sample is discarded.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, 4*n)
	for i := range n {
		copy(out[4*i:4*i+2], pcm[2*i:2*i+2])
		copy(out[4*i+2:4*i+4], pcm[2*i:2*i+2])
	}
	return out
}

// ResampleMono16 linearly interpolates little-endian int16 mono PCM from
// srcRate to dstRate. The input is returned as is when the rates match, when
// either rate is invalid, or when it holds fewer than one sample.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	n := int(int64(in) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	at := func(i int) float64 {
		i = min(i, in-1)
		return float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	step := float64(srcRate) / float64(dstRate)
	out := make([]byte, 2*n)
	for i := range n {
		pos := float64(i) * step
		j := int(pos)
		w := pos - float64(j)
		v := int16(at(j)*(1-w) + at(j+1)*w)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}
