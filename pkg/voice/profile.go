// Package voice provides the read-only voice profile cache that supplies
// speaker conditioning data to synthesis sessions.
//
// A [Store] is built once at startup by [Load], which scans a directory and
// decodes one [Profile] per file, keyed by the file's base name without
// extension. After construction a Store is never mutated, so any number of
// sessions may read from it concurrently without locking. Sessions hold
// *Profile references handed out by [Store.Get]; profiles are never copied.
package voice

import (
	"maps"
	"slices"
)

// Profile is one voice's speaker-conditioning data. Profiles are immutable:
// the accessors return internal storage that callers must treat as read-only.
type Profile struct {
	name         string
	source       string
	conditioning []float32
	metadata     map[string]string
}

// NewProfile constructs a profile. The conditioning slice and metadata map are
// taken over by the profile; the caller must not modify them afterwards.
func NewProfile(name, source string, conditioning []float32, metadata map[string]string) *Profile {
	return &Profile{
		name:         name,
		source:       source,
		conditioning: conditioning,
		metadata:     metadata,
	}
}

// Name returns the lookup key.
func (p *Profile) Name() string { return p.name }

// Source describes where the profile was loaded from (a file path or a
// database table).
func (p *Profile) Source() string { return p.source }

// Conditioning returns the speaker-conditioning vector. Read-only.
func (p *Profile) Conditioning() []float32 { return p.conditioning }

// Dim returns the length of the conditioning vector.
func (p *Profile) Dim() int { return len(p.conditioning) }

// Meta returns a metadata value and whether it was present.
func (p *Profile) Meta(key string) (string, bool) {
	v, ok := p.metadata[key]
	return v, ok
}

// MetaKeys returns the sorted metadata keys.
func (p *Profile) MetaKeys() []string {
	return slices.Sorted(maps.Keys(p.metadata))
}
