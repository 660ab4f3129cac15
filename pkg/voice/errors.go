package voice

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is matched by every [NotFoundError] via errors.Is.
var ErrNotFound = errors.New("voice not found")

// ConfigError reports that the profile directory itself is unusable: missing,
// unreadable, or not a directory. It aborts [Load].
type ConfigError struct {
	Dir string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("voice: profile directory %q: %v", e.Dir, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LoadError reports a single profile that could not be decoded. It never
// aborts [Load]; the file is skipped and the error is kept in
// [Store.Skipped].
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("voice: load %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NotFoundError is returned by [Store.Get] for an unknown voice name.
// Suggestions holds the closest known names, best match first.
type NotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("voice: %q not found", e.Name)
	}
	return fmt.Sprintf("voice: %q not found (did you mean %s?)", e.Name, strings.Join(e.Suggestions, ", "))
}

// Is reports whether target is [ErrNotFound].
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
