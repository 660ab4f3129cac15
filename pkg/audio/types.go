package audio

import "time"

// AudioFrame is a single frame of interleaved little-endian int16 PCM flowing
// from a [Mixer] to a [Connection].
type AudioFrame struct {
	// Data is the PCM payload.
	Data []byte

	// SampleRate in Hz (24000 for synthesised speech, 48000 for Discord).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the frame's offset from the start of its segment.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
