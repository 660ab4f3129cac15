package speech

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/voxclone/pkg/audio/wav"
)

// Utterance is a fully assembled buffer handed to a [Sink].
type Utterance struct {
	Voice      string
	Text       string
	Samples    []float32
	SampleRate int
}

// Sink receives the buffer of a session whose stream ended normally and
// returns the serialised container. A Sink is never called for failed or
// cancelled sessions.
type Sink interface {
	Write(ctx context.Context, u Utterance) ([]byte, error)
}

// MemorySink encodes utterances to in-memory WAV containers.
type MemorySink struct{}

// Write implements Sink.
func (MemorySink) Write(_ context.Context, u Utterance) ([]byte, error) {
	return wav.Encode(u.Samples, u.SampleRate)
}

// FileSink encodes utterances in memory and additionally publishes each one
// atomically as <Dir>/<timestamp>-<voice>.wav.
type FileSink struct {
	Dir string

	// Now returns the timestamp used in file names. Defaults to time.Now.
	Now func() time.Time
}

// Write implements Sink.
func (s FileSink) Write(_ context.Context, u Utterance) ([]byte, error) {
	data, err := wav.Encode(u.Samples, u.SampleRate)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, &wav.WriteError{Path: s.Dir, Err: err}
	}
	if err := wav.Publish(s.path(u), data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s FileSink) path(u Utterance) string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	name := fmt.Sprintf("%s-%s.wav", now().UTC().Format("20060102T150405.000Z"), safeName(u.Voice))
	return filepath.Join(s.Dir, name)
}

// safeName maps a voice name onto a portable file name component.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "voice"
	}
	return s
}
