// Package tts defines the Provider interface for voice-cloning speech engines.
//
// A provider wraps a synthesis backend and presents it as a lazy, pull-based
// stream of float32 PCM chunks. Chunks are produced only when the consumer
// asks for the next one, so a consumer that stops pulling (or cancels its
// context) stops the engine.
//
// Implementations must be safe for concurrent use; each call to Generate
// yields an independent Stream.
package tts

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/voxclone/pkg/voice"
)

// Default engine parameters.
const (
	DefaultLanguage           = "English"
	DefaultEmitEveryFrames    = 8
	DefaultDecodeWindowFrames = 80
	DefaultOverlapSamples     = 512
)

// ErrEmptyText is returned by Generate when the request carries no text.
var ErrEmptyText = errors.New("tts: text must not be empty")

// Request describes one synthesis run.
type Request struct {
	// Text is the utterance to speak.
	Text string

	// Language is the engine language label, e.g. "English".
	Language string

	// Voice is the cloned voice profile whose conditioning data drives the
	// speaker identity. Must not be nil.
	Voice *voice.Profile

	// EmitEveryFrames is the number of codec frames per emitted chunk.
	EmitEveryFrames int

	// DecodeWindowFrames is the decoder context window in frames.
	DecodeWindowFrames int

	// OverlapSamples is the engine-internal overlap between consecutive
	// decode windows.
	OverlapSamples int
}

// WithDefaults returns a copy of r with unset engine parameters replaced by
// the package defaults. OverlapSamples is only defaulted when negative since
// zero is a valid overlap.
func (r Request) WithDefaults() Request {
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if r.EmitEveryFrames <= 0 {
		r.EmitEveryFrames = DefaultEmitEveryFrames
	}
	if r.DecodeWindowFrames <= 0 {
		r.DecodeWindowFrames = DefaultDecodeWindowFrames
	}
	if r.OverlapSamples < 0 {
		r.OverlapSamples = DefaultOverlapSamples
	}
	return r
}

// Validate reports whether r can be sent to an engine.
func (r Request) Validate() error {
	if r.Text == "" {
		return ErrEmptyText
	}
	if r.Voice == nil {
		return errors.New("tts: voice must not be nil")
	}
	return nil
}

// Chunk is one unit of audio emitted by an engine.
type Chunk struct {
	// Samples holds mono float32 PCM, nominally in [-1, 1].
	Samples []float32

	// SampleRate is the rate of Samples in Hz.
	SampleRate int
}

// Stream is a lazy sequence of chunks.
//
// Next blocks until the next chunk is available and returns io.EOF once the
// engine has finished. After ctx is cancelled Next returns an error wrapping
// ctx.Err(). Close releases engine resources and may be called at any time,
// including concurrently with a blocked Next; calling it more than once is
// safe.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Provider is the abstraction over any voice-cloning engine.
type Provider interface {
	// Generate starts a synthesis run and returns its chunk stream. Returns a
	// non-nil error only if the run cannot be started; errors during
	// generation surface from Stream.Next.
	Generate(ctx context.Context, req Request) (Stream, error)
}

// Drain reads s to completion and returns every chunk. It is mostly useful in
// tests and for batch callers that do not need incremental delivery.
func Drain(ctx context.Context, s Stream) ([]Chunk, error) {
	var out []Chunk
	for {
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

// SliceStream is a Stream over a fixed list of chunks.
type SliceStream struct {
	chunks []Chunk
	pos    int
	closed bool
}

// NewSliceStream returns a stream that yields chunks in order.
func NewSliceStream(chunks ...Chunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

// Next implements Stream.
func (s *SliceStream) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.closed || s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// Close implements Stream.
func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

var _ Stream = (*SliceStream)(nil)
