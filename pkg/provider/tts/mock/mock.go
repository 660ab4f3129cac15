// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled chunks to consumers and to verify which
// requests reached the engine.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: []tts.Chunk{{Samples: []float32{0.1, 0.2}, SampleRate: 24000}},
//	}
//	stream, _ := p.Generate(ctx, req)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/voxclone/pkg/provider/tts"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the request passed to Generate.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of chunks yielded by every stream returned from
	// Generate.
	Chunks []tts.Chunk

	// GenerateErr, if non-nil, is returned from Generate instead of a stream.
	GenerateErr error

	// StreamErr, if non-nil, is returned by Next once ErrAfter chunks have
	// been yielded.
	StreamErr error

	// ErrAfter is the number of chunks yielded before StreamErr fires.
	ErrAfter int

	// BlockAfter, if positive, makes Next block after that many chunks until
	// the stream's context is cancelled or the stream is closed.
	BlockAfter int

	// OnNext, if set, is called before each chunk is handed out with the
	// zero-based chunk index.
	OnNext func(i int)

	// --- Call records ---

	// GenerateCalls records every call to Generate in order.
	GenerateCalls []GenerateCall

	// NextCalls counts calls to Next across all streams.
	NextCalls int

	// Closed counts streams that were closed.
	Closed int
}

// Generate records the call and, if GenerateErr is nil, returns a stream over
// a copy of Chunks.
func (p *Provider) Generate(ctx context.Context, req tts.Request) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})
	if p.GenerateErr != nil {
		return nil, p.GenerateErr
	}
	chunks := make([]tts.Chunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	return &Stream{p: p, chunks: chunks, done: make(chan struct{})}, nil
}

// Calls returns the number of Generate calls so far. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.GenerateCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
	p.NextCalls = 0
	p.Closed = 0
}

// Stream is the tts.Stream returned by Provider.Generate.
type Stream struct {
	p      *Provider
	chunks []tts.Chunk
	pos    int

	once sync.Once
	done chan struct{}
}

// Next implements tts.Stream.
func (s *Stream) Next(ctx context.Context) (tts.Chunk, error) {
	s.p.mu.Lock()
	s.p.NextCalls++
	streamErr, errAfter, blockAfter, onNext := s.p.StreamErr, s.p.ErrAfter, s.p.BlockAfter, s.p.OnNext
	s.p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return tts.Chunk{}, err
	}
	select {
	case <-s.done:
		return tts.Chunk{}, io.ErrClosedPipe
	default:
	}
	if streamErr != nil && s.pos >= errAfter {
		return tts.Chunk{}, streamErr
	}
	if blockAfter > 0 && s.pos >= blockAfter {
		select {
		case <-ctx.Done():
			return tts.Chunk{}, ctx.Err()
		case <-s.done:
			return tts.Chunk{}, io.ErrClosedPipe
		}
	}
	if s.pos >= len(s.chunks) {
		return tts.Chunk{}, io.EOF
	}
	if onNext != nil {
		onNext(s.pos)
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// Close implements tts.Stream.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.p.mu.Lock()
		s.p.Closed++
		s.p.mu.Unlock()
	})
	return nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
