// Package wav serialises finished speech buffers into single-channel 32-bit
// IEEE float WAV containers and reads them back for playback.
//
// Encoding always happens fully in memory first. [WriteFile] then publishes
// the bytes through a temporary file and an atomic rename, and [Write] hands
// them to the destination in a single call, so a failed write never leaves a
// partially written container observable under the target name.
package wav

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// SampleRate is the fixed sample rate of synthesised speech in Hz.
	SampleRate = 24000

	bitDepth    = 32
	numChannels = 1

	// formatIEEEFloat is the WAVE_FORMAT_IEEE_FLOAT format tag.
	formatIEEEFloat = 3
)

// WriteError reports a failure to serialise or publish a buffer. Path is
// empty for in-memory destinations.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("wav: write: %v", e.Err)
	}
	return fmt.Sprintf("wav: write %q: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Encode returns samples as a complete mono float32 WAV container at the
// given sample rate.
func Encode(samples []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, &WriteError{Err: fmt.Errorf("invalid sample rate %d", sampleRate)}
	}

	var ws seekBuffer
	enc := wav.NewEncoder(&ws, sampleRate, bitDepth, numChannels, formatIEEEFloat)

	// An empty IntBuffer emits the RIFF header and opens the data chunk, so
	// an empty utterance still yields a valid container.
	header := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: numChannels, SampleRate: sampleRate},
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(header); err != nil {
		return nil, &WriteError{Err: fmt.Errorf("header: %w", err)}
	}
	for _, s := range samples {
		if err := enc.WriteFrame(s); err != nil {
			return nil, &WriteError{Err: fmt.Errorf("frame: %w", err)}
		}
	}
	if err := enc.Close(); err != nil {
		return nil, &WriteError{Err: fmt.Errorf("close: %w", err)}
	}
	return ws.Bytes(), nil
}

// Write encodes samples and copies the container to w in one call.
func Write(w io.Writer, samples []float32, sampleRate int) error {
	data, err := Encode(samples, sampleRate)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// WriteFile encodes samples and atomically replaces path with the result.
// On any failure path is left untouched.
func WriteFile(path string, samples []float32, sampleRate int) error {
	data, err := Encode(samples, sampleRate)
	if err != nil {
		var we *WriteError
		if errors.As(err, &we) {
			we.Path = path
		}
		return err
	}
	return Publish(path, data)
}

// Publish atomically replaces path with data. The bytes are written to a
// temporary file in the same directory, synced, and renamed into place; on
// any failure the temporary file is removed.
func Publish(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &WriteError{Path: path, Err: cause}
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &WriteError{Path: path, Err: err}
	}
	return nil
}
