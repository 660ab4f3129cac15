package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxclone/pkg/provider/tts"
)

// ErrAllFailed is returned when every engine in an [EngineFallback] failed
// or had an open breaker.
var ErrAllFailed = errors.New("all engines failed")

// FallbackConfig configures the breaker created for each engine. Its Name is
// replaced by the engine name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type engineEntry struct {
	name    string
	engine  tts.Provider
	breaker *CircuitBreaker
}

// EngineFallback implements [tts.Provider] with failover across several
// synthesis engines, each behind its own [CircuitBreaker].
//
// Only stream setup is covered by failover. Once an engine has returned a
// stream, mid-stream errors belong to the caller: switching engines halfway
// through would restart the utterance in a different voice.
//
// Engines must be added before the value is shared.
type EngineFallback struct {
	entries []engineEntry
	cfg     FallbackConfig
}

var _ tts.Provider = (*EngineFallback)(nil)

// NewEngineFallback creates an [EngineFallback] with primary as the preferred
// engine. Unless cfg says otherwise, cancellation and invalid requests never
// count against a breaker and are not retried on another engine.
func NewEngineFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *EngineFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = IsEngineFailure
	}
	f := &EngineFallback{cfg: cfg}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback appends an engine. Engines are tried in the order they were
// added, after the primary.
func (f *EngineFallback) AddFallback(name string, engine tts.Provider) {
	bc := f.cfg.CircuitBreaker
	bc.Name = name
	f.entries = append(f.entries, engineEntry{
		name:    name,
		engine:  engine,
		breaker: NewCircuitBreaker(bc),
	})
}

// Generate opens a chunk stream on the first healthy engine. A request error
// that is not an engine failure is returned immediately. When every engine
// fails the result wraps [ErrAllFailed] and the last engine error.
func (f *EngineFallback) Generate(ctx context.Context, req tts.Request) (tts.Stream, error) {
	var lastErr error
	for i := range f.entries {
		e := &f.entries[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var stream tts.Stream
		err := e.breaker.Execute(func() error {
			var gerr error
			stream, gerr = e.engine.Generate(ctx, req)
			return gerr
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Info("engine failover used", "engine", e.name, "voice", req.Voice.Name())
			}
			return stream, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping engine (circuit open)", "engine", e.name)
		case !f.cfg.CircuitBreaker.IsFailure(err):
			return nil, err
		default:
			slog.Warn("engine failed, trying next", "engine", e.name, "err", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Available reports whether any engine currently accepts requests.
func (f *EngineFallback) Available() bool {
	for i := range f.entries {
		if f.entries[i].breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// States returns each engine's breaker state keyed by name.
func (f *EngineFallback) States() map[string]State {
	out := make(map[string]State, len(f.entries))
	for i := range f.entries {
		out[f.entries[i].name] = f.entries[i].breaker.State()
	}
	return out
}

// Names returns the engine names in failover order.
func (f *EngineFallback) Names() []string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.name
	}
	return names
}

// IsEngineFailure reports whether err reflects an unhealthy engine rather
// than a cancelled or invalid request.
func IsEngineFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, tts.ErrEmptyText):
		return false
	}
	return true
}
