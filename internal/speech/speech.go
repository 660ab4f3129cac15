// Package speech runs synthesis sessions. A session resolves a cloned voice
// profile, drives the engine's lazy chunk stream, overlap-adds the chunks into
// one buffer and hands the finished buffer to a [Sink].
//
// Chunks are pulled strictly one at a time and appended in arrival order; a
// session never holds more than the assembly buffer plus the chunk in hand.
// The sink only ever sees buffers of streams that ended normally: engine
// errors and cancellation abort the session with a [*SynthesisError] and
// nothing is written.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/pkg/audio/crossfade"
	"github.com/MrWong99/voxclone/pkg/audio/wav"
	"github.com/MrWong99/voxclone/pkg/provider/tts"
	"github.com/MrWong99/voxclone/pkg/voice"
)

// ErrSampleRate is wrapped by the SynthesisError of a session whose engine
// emitted a chunk at a rate other than the session rate.
var ErrSampleRate = errors.New("chunk sample rate does not match session")

// Config holds the per-session engine and assembly parameters.
type Config struct {
	Language           string
	EmitEveryFrames    int
	DecodeWindowFrames int
	OverlapSamples     int

	// CrossfadeWindow is the maximum overlap-add length in samples between
	// consecutive chunks. Zero concatenates chunks without blending.
	CrossfadeWindow int

	// SampleRate is the expected rate of every chunk and of the output.
	SampleRate int
}

// DefaultConfig returns the parameters used by the reference deployment.
func DefaultConfig() Config {
	return Config{
		Language:           tts.DefaultLanguage,
		EmitEveryFrames:    tts.DefaultEmitEveryFrames,
		DecodeWindowFrames: tts.DefaultDecodeWindowFrames,
		OverlapSamples:     tts.DefaultOverlapSamples,
		CrossfadeWindow:    crossfade.DefaultWindow,
		SampleRate:         wav.SampleRate,
	}
}

// Result is the outcome of a completed session.
type Result struct {
	Voice      string
	Samples    []float32
	WAV        []byte
	SampleRate int

	// Chunks is the number of engine chunks consumed.
	Chunks int

	// FirstChunk is the time from engine start to the first chunk.
	FirstChunk time.Duration

	// Elapsed is the wall time of the whole session.
	Elapsed time.Duration
}

// Duration returns the length of the synthesised audio.
func (r *Result) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

// Option is a functional option for [New].
type Option func(*Synthesizer)

// WithSink sets the destination of finished buffers. Default: [MemorySink].
func WithSink(sink Sink) Option {
	return func(s *Synthesizer) {
		s.sink = sink
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Synthesizer) {
		s.metrics = m
	}
}

// WithEngineName sets the engine label used in metrics and logs.
func WithEngineName(name string) Option {
	return func(s *Synthesizer) {
		s.engineName = name
	}
}

// Synthesizer runs synthesis sessions against one engine. It is safe for
// concurrent use; every session owns its own assembly buffer.
type Synthesizer struct {
	store      atomic.Pointer[voice.Store]
	engine     tts.Provider
	engineName string
	sink       Sink
	cfg        Config
	metrics    *observe.Metrics
}

// New creates a Synthesizer over store and engine.
func New(store *voice.Store, engine tts.Provider, cfg Config, opts ...Option) (*Synthesizer, error) {
	if store == nil {
		return nil, errors.New("speech: store must not be nil")
	}
	if engine == nil {
		return nil, errors.New("speech: engine must not be nil")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("speech: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.CrossfadeWindow < 0 {
		return nil, fmt.Errorf("speech: invalid crossfade window %d", cfg.CrossfadeWindow)
	}
	s := &Synthesizer{
		engine:     engine,
		engineName: "tts",
		sink:       MemorySink{},
		cfg:        cfg,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.store.Store(store)
	return s, nil
}

// Store returns the voice profile store sessions currently resolve against.
func (s *Synthesizer) Store() *voice.Store { return s.store.Load() }

// SetStore swaps the voice profile store. Sessions already running keep the
// profile they resolved.
func (s *Synthesizer) SetStore(store *voice.Store) {
	if store != nil {
		s.store.Store(store)
	}
}

// Config returns the session parameters.
func (s *Synthesizer) Config() Config { return s.cfg }

// Synthesize runs one session to completion.
//
// An unknown voice name fails with a [*voice.NotFoundError] and empty text
// with [tts.ErrEmptyText], both before the engine is contacted. Engine
// failures, malformed chunks and cancellation fail with a [*SynthesisError]
// and the sink is not invoked. Sink failures are returned wrapped.
func (s *Synthesizer) Synthesize(ctx context.Context, voiceName, text string) (res *Result, err error) {
	profile, err := s.Store().Get(voiceName)
	if err != nil {
		s.metrics.RecordSession(ctx, s.engineName, observe.StatusNotFound)
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("speech: %w", tts.ErrEmptyText)
	}

	ctx, span := observe.StartSpan(ctx, "speech.synthesize",
		trace.WithAttributes(
			attribute.String("voice", profile.Name()),
			attribute.String("engine", s.engineName),
			attribute.Int("text.length", len(text)),
		),
	)
	var chunks int
	defer func() {
		observe.EndSpan(span, err, attribute.Int("chunks", chunks))
	}()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	log := observe.Logger(ctx).With("voice", profile.Name(), "engine", s.engineName)
	start := time.Now()

	req := tts.Request{
		Text:               text,
		Language:           s.cfg.Language,
		Voice:              profile,
		EmitEveryFrames:    s.cfg.EmitEveryFrames,
		DecodeWindowFrames: s.cfg.DecodeWindowFrames,
		OverlapSamples:     s.cfg.OverlapSamples,
	}
	asm, first, err := s.consume(ctx, req, &chunks)
	if err != nil {
		status := observe.StatusError
		if ctx.Err() != nil {
			status = observe.StatusCancelled
		}
		s.metrics.RecordSession(ctx, s.engineName, status)
		log.Warn("synthesis aborted", "chunks", chunks, "err", err)
		return nil, err
	}

	samples := asm.Samples()
	data, err := s.sink.Write(ctx, Utterance{
		Voice:      profile.Name(),
		Text:       text,
		Samples:    samples,
		SampleRate: s.cfg.SampleRate,
	})
	if err != nil {
		s.metrics.RecordSession(ctx, s.engineName, observe.StatusError)
		return nil, fmt.Errorf("speech: sink: %w", err)
	}

	res = &Result{
		Voice:      profile.Name(),
		Samples:    samples,
		WAV:        data,
		SampleRate: s.cfg.SampleRate,
		Chunks:     chunks,
		FirstChunk: first,
		Elapsed:    time.Since(start),
	}
	s.metrics.RecordSession(ctx, s.engineName, observe.StatusOK)
	s.metrics.SynthesisDuration.Record(ctx, res.Elapsed.Seconds())
	s.metrics.AudioSeconds.Add(ctx, res.Duration().Seconds())
	log.Info("synthesis complete",
		"chunks", chunks,
		"samples", len(samples),
		"audio", res.Duration(),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// consume drives the engine stream to its end, appending every chunk to a
// fresh assembler. n tracks the number of chunks appended so far.
func (s *Synthesizer) consume(ctx context.Context, req tts.Request, n *int) (*crossfade.Assembler, time.Duration, error) {
	name := req.Voice.Name()
	fail := func(err error) (*crossfade.Assembler, time.Duration, error) {
		return nil, 0, &SynthesisError{Voice: name, Chunks: *n, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	start := time.Now()
	stream, err := s.engine.Generate(ctx, req)
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.engineName, observe.StatusError)
		s.metrics.RecordProviderError(ctx, s.engineName, "setup")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ctxErr)
		}
		return fail(err)
	}
	s.metrics.RecordProviderRequest(ctx, s.engineName, observe.StatusOK)
	defer stream.Close()

	asm := crossfade.New(s.cfg.CrossfadeWindow)
	var first time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(ctxErr)
			}
			s.metrics.RecordProviderError(ctx, s.engineName, "stream")
			return fail(err)
		}
		// A zero rate means the engine did not label the chunk.
		if chunk.SampleRate != 0 && chunk.SampleRate != s.cfg.SampleRate {
			return fail(fmt.Errorf("%w: chunk %d is %d Hz, session is %d Hz",
				ErrSampleRate, *n, chunk.SampleRate, s.cfg.SampleRate))
		}
		if *n == 0 {
			first = time.Since(start)
			s.metrics.FirstChunkLatency.Record(ctx, first.Seconds())
		}
		asm.Append(chunk.Samples)
		*n++
		s.metrics.Chunks.Add(ctx, 1)
	}

	// Cancellation that races the end of stream still aborts the session.
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	return asm, first, nil
}
