package speech_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/speech"
	"github.com/MrWong99/voxclone/pkg/audio/crossfade"
	"github.com/MrWong99/voxclone/pkg/audio/wav"
	"github.com/MrWong99/voxclone/pkg/provider/tts"
	"github.com/MrWong99/voxclone/pkg/provider/tts/mock"
	"github.com/MrWong99/voxclone/pkg/voice"
)

// recordingSink records every utterance it receives.
type recordingSink struct {
	mu    sync.Mutex
	calls []speech.Utterance
	err   error
}

func (s *recordingSink) Write(_ context.Context, u speech.Utterance) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, u)
	if s.err != nil {
		return nil, s.err
	}
	return []byte("RIFF"), nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testStore() *voice.Store {
	return voice.NewStore(
		voice.NewProfile("narrator", "test", []float32{0.1, 0.2}, nil),
		voice.NewProfile("goblin", "test", []float32{0.3}, nil),
	)
}

func chunk(vals ...float32) tts.Chunk {
	return tts.Chunk{Samples: vals, SampleRate: wav.SampleRate}
}

func newSynth(t *testing.T, engine tts.Provider, sink speech.Sink, mutate ...func(*speech.Config)) *speech.Synthesizer {
	t.Helper()
	cfg := speech.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := speech.New(testStore(), engine, cfg,
		speech.WithSink(sink),
		speech.WithMetrics(testMetrics(t)),
		speech.WithEngineName("mock"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSynthesize_AssemblesChunks(t *testing.T) {
	t.Parallel()

	engine := &mock.Provider{Chunks: []tts.Chunk{
		chunk(1, 1, 1, 1, 1),
		chunk(0, 0, 0, 0, 0),
	}}
	sink := &recordingSink{}
	s := newSynth(t, engine, sink, func(c *speech.Config) { c.CrossfadeWindow = 2 })

	res, err := s.Synthesize(context.Background(), "narrator", "Hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	want := []float32{1, 1, 1, 1, 0, 0, 0}
	if !slices.Equal(res.Samples, want) {
		t.Errorf("samples = %v, want %v", res.Samples, want)
	}
	if res.Chunks != 2 {
		t.Errorf("Chunks = %d, want 2", res.Chunks)
	}
	if string(res.WAV) != "RIFF" {
		t.Errorf("WAV = %q, want sink output", res.WAV)
	}
	if sink.count() != 1 {
		t.Fatalf("sink calls = %d, want 1", sink.count())
	}
	if got := sink.calls[0]; got.Voice != "narrator" || got.Text != "Hello" || got.SampleRate != wav.SampleRate {
		t.Errorf("utterance = %+v", got)
	}
}

func TestSynthesize_PassesEngineParameters(t *testing.T) {
	t.Parallel()

	engine := &mock.Provider{Chunks: []tts.Chunk{chunk(0.5)}}
	s := newSynth(t, engine, &recordingSink{})

	if _, err := s.Synthesize(context.Background(), "goblin", "Grr"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(engine.GenerateCalls) != 1 {
		t.Fatalf("Generate calls = %d, want 1", len(engine.GenerateCalls))
	}
	req := engine.GenerateCalls[0].Req
	if req.Text != "Grr" || req.Voice.Name() != "goblin" {
		t.Errorf("request text/voice = %q/%q", req.Text, req.Voice.Name())
	}
	if req.Language != "English" || req.EmitEveryFrames != 8 || req.DecodeWindowFrames != 80 || req.OverlapSamples != 512 {
		t.Errorf("engine parameters = %+v", req)
	}
	if engine.Closed != 1 {
		t.Errorf("stream closed %d times, want 1", engine.Closed)
	}
}

func TestSynthesize_UnknownVoiceNeverCallsEngine(t *testing.T) {
	t.Parallel()

	engine := &mock.Provider{Chunks: []tts.Chunk{chunk(1)}}
	sink := &recordingSink{}
	s := newSynth(t, engine, sink)

	_, err := s.Synthesize(context.Background(), "narator", "Hello")
	if !errors.Is(err, voice.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var nf *voice.NotFoundError
	if !errors.As(err, &nf) || nf.Name != "narator" {
		t.Errorf("err = %#v, want NotFoundError for narator", err)
	}
	if engine.Calls() != 0 {
		t.Errorf("engine calls = %d, want 0", engine.Calls())
	}
	if sink.count() != 0 {
		t.Errorf("sink calls = %d, want 0", sink.count())
	}
}

func TestSynthesize_EmptyTextNeverCallsEngine(t *testing.T) {
	t.Parallel()

	engine := &mock.Provider{Chunks: []tts.Chunk{chunk(1)}}
	s := newSynth(t, engine, &recordingSink{})

	_, err := s.Synthesize(context.Background(), "narrator", "   ")
	if !errors.Is(err, tts.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	if engine.Calls() != 0 {
		t.Errorf("engine calls = %d, want 0", engine.Calls())
	}
}

func TestSynthesize_EngineSetupFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("gpu unavailable")
	engine := &mock.Provider{GenerateErr: boom}
	sink := &recordingSink{}
	s := newSynth(t, engine, sink)

	_, err := s.Synthesize(context.Background(), "narrator", "Hello")
	var se *speech.SynthesisError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SynthesisError", err)
	}
	if !errors.Is(err, boom) || se.Chunks != 0 || se.Voice != "narrator" {
		t.Errorf("SynthesisError = %+v", se)
	}
	if sink.count() != 0 {
		t.Errorf("sink calls = %d, want 0", sink.count())
	}
}

func TestSynthesize_EngineStreamFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("decoder crashed")
	engine := &mock.Provider{
		Chunks:    []tts.Chunk{chunk(1), chunk(2), chunk(3)},
		StreamErr: boom,
		ErrAfter:  2,
	}
	sink := &recordingSink{}
	s := newSynth(t, engine, sink)

	_, err := s.Synthesize(context.Background(), "narrator", "Hello")
	var se *speech.SynthesisError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SynthesisError", err)
	}
	if se.Chunks != 2 {
		t.Errorf("Chunks = %d, want 2", se.Chunks)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err does not wrap engine error: %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("sink calls = %d, want 0", sink.count())
	}
}

func TestSynthesize_SampleRateMismatch(t *testing.T) {
	t.Parallel()

	engine := &mock.Provider{Chunks: []tts.Chunk{
		chunk(1),
		{Samples: []float32{2}, SampleRate: 16000},
	}}
	sink := &recordingSink{}
	s := newSynth(t, engine, sink)

	_, err := s.Synthesize(context.Background(), "narrator", "Hello")
	if !errors.Is(err, speech.ErrSampleRate) {
		t.Fatalf("err = %v, want ErrSampleRate", err)
	}
	if sink.count() != 0 {
		t.Errorf("sink calls = %d, want 0", sink.count())
	}
}

func TestSynthesize_CancelledMidStreamSkipsSink(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := &mock.Provider{
		Chunks: []tts.Chunk{chunk(1), chunk(2), chunk(3), chunk(4)},
		// Cancel while the consumer holds the second chunk.
		OnNext: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}
	sink := &recordingSink{}
	s := newSynth(t, engine, sink)

	_, err := s.Synthesize(ctx, "narrator", "Hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	var se *speech.SynthesisError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want SynthesisError", err)
	}
	if sink.count() != 0 {
		t.Errorf("sink calls = %d, want 0", sink.count())
	}
	if engine.Closed != 1 {
		t.Errorf("stream closed %d times, want 1", engine.Closed)
	}
}

func TestSynthesize_CancelledOnLastChunkSkipsSink(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := &mock.Provider{
		Chunks: []tts.Chunk{chunk(1)},
		OnNext: func(int) { cancel() },
	}
	sink := &recordingSink{}
	s := newSynth(t, engine, sink)

	if _, err := s.Synthesize(ctx, "narrator", "Hello"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sink.count() != 0 {
		t.Errorf("sink calls = %d, want 0", sink.count())
	}
}

func TestSynthesize_EmptyStreamYieldsEmptyBuffer(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	s := newSynth(t, &mock.Provider{}, sink)

	res, err := s.Synthesize(context.Background(), "narrator", "Hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(res.Samples) != 0 || res.Chunks != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
	if sink.count() != 1 {
		t.Errorf("sink calls = %d, want 1", sink.count())
	}
}

func TestSynthesize_Deterministic(t *testing.T) {
	t.Parallel()

	chunks := []tts.Chunk{
		chunk(0.1, 0.4, -0.3, 0.9, 0.2, -0.7),
		chunk(0.5, -0.5, 0.25),
		chunk(),
		chunk(0.8, 0.1, -0.2, 0.3),
	}
	run := func() []float32 {
		s := newSynth(t, &mock.Provider{Chunks: chunks}, speech.MemorySink{},
			func(c *speech.Config) { c.CrossfadeWindow = 3 })
		res, err := s.Synthesize(context.Background(), "narrator", "Same text")
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
		return res.Samples
	}
	a, b := run(), run()
	if !slices.Equal(a, b) {
		t.Errorf("runs differ:\n%v\n%v", a, b)
	}
	if want := crossfade.ExpectedLen(3, 6, 3, 0, 4); len(a) != want {
		t.Errorf("len = %d, want %d", len(a), want)
	}
}

func TestSynthesize_MemorySinkProducesWAV(t *testing.T) {
	t.Parallel()

	s := newSynth(t, &mock.Provider{Chunks: []tts.Chunk{chunk(0.25, -0.25)}}, speech.MemorySink{})
	res, err := s.Synthesize(context.Background(), "narrator", "Hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	clip, err := wav.Decode(res.WAV)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.SampleRate != wav.SampleRate || !slices.Equal(clip.Samples, []float32{0.25, -0.25}) {
		t.Errorf("clip = %+v", clip)
	}
}

func TestSynthesize_SinkFailure(t *testing.T) {
	t.Parallel()

	boom := &wav.WriteError{Path: "/x.wav", Err: errors.New("disk full")}
	s := newSynth(t, &mock.Provider{Chunks: []tts.Chunk{chunk(1)}}, &recordingSink{err: boom})
	_, err := s.Synthesize(context.Background(), "narrator", "Hello")
	var we *wav.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("err = %v, want WriteError", err)
	}
}

func TestFileSink_ArchivesAtomically(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sink := speech.FileSink{Dir: dir, Now: func() time.Time { return fixed }}
	s := newSynth(t, &mock.Provider{Chunks: []tts.Chunk{chunk(0.5)}}, sink)

	res, err := s.Synthesize(context.Background(), "narrator", "Hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if got, want := entries[0].Name(), "20260102T030405.000Z-narrator.wav"; got != want {
		t.Errorf("file name = %q, want %q", got, want)
	}
	data, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if !slices.Equal(data, res.WAV) {
		t.Error("archived file differs from returned WAV")
	}
}

func TestSetStore(t *testing.T) {
	t.Parallel()

	engine := &mock.Provider{Chunks: []tts.Chunk{chunk(1)}}
	s := newSynth(t, engine, &recordingSink{})

	if _, err := s.Synthesize(context.Background(), "bard", "Hi"); !errors.Is(err, voice.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound before reload", err)
	}
	s.SetStore(s.Store().With(voice.NewProfile("bard", "test", []float32{1}, nil)))
	if _, err := s.Synthesize(context.Background(), "bard", "Hi"); err != nil {
		t.Fatalf("Synthesize after reload: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	engine := &mock.Provider{}
	if _, err := speech.New(nil, engine, speech.DefaultConfig()); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := speech.New(testStore(), nil, speech.DefaultConfig()); err == nil {
		t.Error("expected error for nil engine")
	}
	cfg := speech.DefaultConfig()
	cfg.SampleRate = 0
	if _, err := speech.New(testStore(), engine, cfg); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestResult_Duration(t *testing.T) {
	t.Parallel()

	r := &speech.Result{Samples: make([]float32, 12000), SampleRate: 24000}
	if got := r.Duration(); got != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", got)
	}
}
