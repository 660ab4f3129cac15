package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Completion errors delivered on [Segment.Done].
var (
	// ErrInterrupted means playback was cut short by [Mixer.Interrupt].
	ErrInterrupted = errors.New("audio: playback interrupted")

	// ErrMixerClosed means the mixer was closed before or during playback.
	ErrMixerClosed = errors.New("audio: mixer closed")
)

// InterruptReason identifies why the current segment was cut short.
type InterruptReason int

const (
	// StopRequested indicates a user explicitly stopped playback. The queue
	// is cleared.
	StopRequested InterruptReason = iota

	// Skip stops only the current segment; queued segments keep playing.
	Skip
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case StopRequested:
		return "STOP_REQUESTED"
	case Skip:
		return "SKIP"
	default:
		return "UNKNOWN"
	}
}

// Segment is one utterance submitted to a [Mixer]. Frames arrive on the Audio
// channel; the producer closes it when the utterance ends.
type Segment struct {
	// Label identifies the segment in logs, typically the voice name.
	Label string

	// Audio carries int16 PCM frames. The channel is closed by the producer
	// when the segment ends or when a mid-stream error occurs.
	Audio <-chan []byte

	// SampleRate is the rate of the PCM data in Hz. Must be > 0.
	SampleRate int

	// Channels is the number of interleaved channels. Must be > 0.
	Channels int

	streamErr atomic.Pointer[error]

	doneOnce   sync.Once
	finishOnce sync.Once
	done       chan error
}

// NewSegment returns a segment reading frames from audio.
func NewSegment(label string, audio <-chan []byte, sampleRate, channels int) *Segment {
	return &Segment{Label: label, Audio: audio, SampleRate: sampleRate, Channels: channels}
}

// Err returns the error that caused the Audio channel to close prematurely,
// or nil if the stream completed successfully.
func (s *Segment) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. The producer should call this
// before closing the Audio channel.
func (s *Segment) SetStreamErr(err error) {
	s.streamErr.Store(&err)
}

// Done returns a channel that receives exactly one value once the segment
// leaves the mixer: nil after complete playback, [ErrInterrupted] or
// [ErrMixerClosed] otherwise, or the producer's stream error. The channel is
// closed afterwards.
func (s *Segment) Done() <-chan error {
	s.doneOnce.Do(func() { s.done = make(chan error, 1) })
	return s.done
}

// Finish completes the segment with err. Only the first call has an effect.
// Mixer implementations call it; producers normally do not.
func (s *Segment) Finish(err error) {
	s.finishOnce.Do(func() {
		s.Done()
		if err == nil {
			err = s.Err()
		}
		s.done <- err
		close(s.done)
	})
}

// Mixer plays queued segments one at a time into a connection's output.
//
// Implementations must be safe for concurrent use.
type Mixer interface {
	// Enqueue schedules segment for playback. Higher priority segments are
	// played first; equal priorities play in FIFO order.
	Enqueue(segment *Segment, priority int)

	// Interrupt stops the currently playing segment. With [StopRequested]
	// every queued segment is dropped as well.
	Interrupt(reason InterruptReason)

	// SetGap configures the silence inserted between consecutive segments.
	SetGap(d time.Duration)

	// Close stops playback and completes all pending segments with
	// [ErrMixerClosed].
	Close() error
}
