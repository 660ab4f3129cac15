package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxclone/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxclone/pkg/provider/tts/mock"
	"github.com/MrWong99/voxclone/pkg/voice"
)

func testRequest() tts.Request {
	return tts.Request{
		Text:  "hello",
		Voice: voice.NewProfile("narrator", "test", []float32{0.1, 0.2}, nil),
	}.WithDefaults()
}

func TestEngineFallback_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Chunks: []tts.Chunk{{Samples: []float32{1, 2}}}}
	secondary := &ttsmock.Provider{}

	fb := NewEngineFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	s, err := fb.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	chunks, err := tts.Drain(context.Background(), s)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if n := primary.Calls(); n != 1 {
		t.Fatalf("primary called %d times, want 1", n)
	}
	if n := secondary.Calls(); n != 0 {
		t.Fatalf("secondary called %d times, want 0", n)
	}
}

func TestEngineFallback_Failover(t *testing.T) {
	primary := &ttsmock.Provider{GenerateErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{Chunks: []tts.Chunk{{Samples: []float32{3}}}}

	fb := NewEngineFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	s, err := fb.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	if n := secondary.Calls(); n != 1 {
		t.Fatalf("secondary called %d times, want 1", n)
	}
	if got := secondary.GenerateCalls[0].Req.Text; got != "hello" {
		t.Errorf("secondary request text = %q, want hello", got)
	}
}

func TestEngineFallback_AllFail(t *testing.T) {
	boom := errors.New("down")
	fb := NewEngineFallback(&ttsmock.Provider{GenerateErr: boom}, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &ttsmock.Provider{GenerateErr: boom})

	_, err := fb.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want it to wrap the engine error", err)
	}
}

func TestEngineFallback_CancelDoesNotFailOver(t *testing.T) {
	primary := &ttsmock.Provider{}
	secondary := &ttsmock.Provider{}
	fb := NewEngineFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fb.Generate(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if primary.Calls()+secondary.Calls() != 0 {
		t.Error("no engine should be called with a cancelled context")
	}
	if !fb.Available() {
		t.Error("cancellation must not open a breaker")
	}
}

func TestEngineFallback_OpenBreakersMakeUnavailable(t *testing.T) {
	fb := NewEngineFallback(&ttsmock.Provider{GenerateErr: errors.New("down")}, "qwen", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	_, _ = fb.Generate(context.Background(), testRequest())

	if fb.Available() {
		t.Error("expected engine group to be unavailable")
	}
	if s := fb.States()["qwen"]; s != StateOpen {
		t.Errorf("state = %v, want open", s)
	}
	if names := fb.Names(); len(names) != 1 || names[0] != "qwen" {
		t.Errorf("Names = %v", names)
	}
}

func TestIsEngineFailure(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
		{fmt.Errorf("qwen: %w", tts.ErrEmptyText), false},
		{errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		if got := IsEngineFailure(tt.err); got != tt.want {
			t.Errorf("IsEngineFailure(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestEngineFallback_SkipsOpenEngine(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	primary := &ttsmock.Provider{GenerateErr: errors.New("down")}
	secondary := &ttsmock.Provider{Chunks: []tts.Chunk{{Samples: []float32{1}}}}
	fb := NewEngineFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, Now: clock.Now},
	})
	fb.AddFallback("secondary", secondary)

	for range 3 {
		s, err := fb.Generate(context.Background(), testRequest())
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		s.Close()
	}
	if n := primary.Calls(); n != 1 {
		t.Errorf("primary called %d times, want 1 before its breaker opened", n)
	}
	if n := secondary.Calls(); n != 3 {
		t.Errorf("secondary called %d times, want 3", n)
	}

	// After the reset timeout the primary gets a probe again.
	clock.Advance(time.Minute)
	primary.GenerateErr = nil
	s, err := fb.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate after timeout: %v", err)
	}
	s.Close()
	if n := primary.Calls(); n != 2 {
		t.Errorf("primary called %d times, want a probe after the timeout", n)
	}
}

func TestEngineFallback_InvalidRequestStopsFailover(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{GenerateErr: fmt.Errorf("qwen: %w", tts.ErrEmptyText)}
	secondary := &ttsmock.Provider{}
	fb := NewEngineFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Generate(context.Background(), testRequest())
	if !errors.Is(err, tts.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("a request error must not be reported as an engine outage")
	}
	if secondary.Calls() != 0 {
		t.Error("secondary should not be tried for an invalid request")
	}
	if fb.States()["primary"] != StateClosed {
		t.Error("an invalid request must not trip the breaker")
	}
}

func TestEngineFallback_ReportsStateChanges(t *testing.T) {
	t.Parallel()

	tr := &transitions{}
	var names []string
	var mu sync.Mutex
	fb := NewEngineFallback(&ttsmock.Provider{GenerateErr: errors.New("down")}, "qwen", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures: 1,
			OnStateChange: func(name string, from, to State) {
				mu.Lock()
				names = append(names, name)
				mu.Unlock()
				tr.record(name, from, to)
			},
		},
	})
	fb.AddFallback("openai", &ttsmock.Provider{GenerateErr: errors.New("down")})

	_, _ = fb.Generate(context.Background(), testRequest())

	if got := tr.String(); got != "[closed->open closed->open]" {
		t.Errorf("transitions = %s", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(names) != 2 || names[0] != "qwen" || names[1] != "openai" {
		t.Errorf("breaker names = %v, want [qwen openai]", names)
	}
}
