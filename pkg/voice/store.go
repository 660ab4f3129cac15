package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"
)

const (
	// maxSuggestions caps the names offered in a [NotFoundError].
	maxSuggestions = 3

	// suggestionThreshold is the minimum Jaro-Winkler similarity for a name to
	// be offered as a suggestion.
	suggestionThreshold = 0.7
)

// Store is an immutable name → [Profile] mapping. The zero value is an empty
// store. All methods are safe for concurrent use.
type Store struct {
	profiles map[string]*Profile
	names    []string
	skipped  []*LoadError
}

// NewStore builds a store from already-decoded profiles. Later profiles with
// a name that is already present are ignored.
func NewStore(profiles ...*Profile) *Store {
	s := &Store{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		if p == nil {
			continue
		}
		if prev, dup := s.profiles[p.name]; dup {
			slog.Warn("duplicate voice profile ignored", "voice", p.name, "kept", prev.source, "ignored", p.source)
			continue
		}
		s.profiles[p.name] = p
	}
	s.names = slices.Sorted(maps.Keys(s.profiles))
	return s
}

// LoadOption configures [Load].
type LoadOption func(*loadOptions)

type loadOptions struct {
	concurrency int
	logger      *slog.Logger
}

// WithConcurrency bounds how many profile files are decoded in parallel.
// Defaults to GOMAXPROCS.
func WithConcurrency(n int) LoadOption {
	return func(o *loadOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithLogger sets the logger used for per-file load messages. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) LoadOption {
	return func(o *loadOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Load scans dir (non-recursively) and decodes every profile file in it.
//
// A missing or unreadable directory is a [*ConfigError]. A file that cannot be
// read or decoded is logged, recorded as a [*LoadError] in [Store.Skipped],
// and skipped; the remaining files still load. Hidden files and files with an
// unrecognised extension are ignored. When two files share a stem, the first
// in lexical order wins.
//
// Load only returns early if ctx is cancelled.
func Load(ctx context.Context, dir string, opts ...LoadOption) (*Store, error) {
	o := loadOptions{concurrency: runtime.GOMAXPROCS(0), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, &ConfigError{Dir: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &ConfigError{Dir: dir, Err: errors.New("not a directory")}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &ConfigError{Dir: dir, Err: err}
	}

	type candidate struct {
		name string
		path string
		dec  decoder
	}

	var (
		candidates []candidate
		skipped    []*LoadError
		seen       = make(map[string]string)
	)
	for _, e := range entries {
		fileName := e.Name()
		if strings.HasPrefix(fileName, ".") || e.IsDir() {
			continue
		}
		path := filepath.Join(dir, fileName)
		dec := decoderFor(path)
		if dec == nil {
			o.logger.Debug("voice: ignoring non-profile file", "path", path)
			continue
		}
		name := strings.TrimSuffix(fileName, filepath.Ext(fileName))
		if prev, dup := seen[name]; dup {
			le := &LoadError{Path: path, Err: fmt.Errorf("duplicate voice name %q (already loaded from %s)", name, prev)}
			o.logger.Warn("voice: skipping profile", "path", path, "err", le.Err)
			skipped = append(skipped, le)
			continue
		}
		seen[name] = path
		candidates = append(candidates, candidate{name: name, path: path, dec: dec})
	}

	var (
		mu       sync.Mutex
		profiles = make([]*Profile, 0, len(candidates))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, c := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, le := loadFile(c.name, c.path, c.dec)
			mu.Lock()
			defer mu.Unlock()
			if le != nil {
				o.logger.Warn("voice: skipping profile", "path", c.path, "err", le.Err)
				skipped = append(skipped, le)
				return nil
			}
			o.logger.Debug("voice: loaded profile", "name", c.name, "dim", p.Dim(), "path", c.path)
			profiles = append(profiles, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("voice: load %q: %w", dir, err)
	}

	s := NewStore(profiles...)
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Path < skipped[j].Path })
	s.skipped = skipped
	o.logger.Info("voice profiles loaded", "dir", dir, "loaded", s.Len(), "skipped", len(skipped))
	return s, nil
}

// loadFile reads and decodes one profile file.
func loadFile(name, path string, dec decoder) (*Profile, *LoadError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	vec, meta, err := dec(data)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return NewProfile(name, path, vec, meta), nil
}

// Get returns the profile registered under name. Lookup is O(1). An unknown
// name yields a [*NotFoundError] carrying the closest known names.
func (s *Store) Get(name string) (*Profile, error) {
	if p, ok := s.profiles[name]; ok {
		return p, nil
	}
	return nil, &NotFoundError{Name: name, Suggestions: s.Suggest(name)}
}

// Has reports whether name is a known voice.
func (s *Store) Has(name string) bool {
	_, ok := s.profiles[name]
	return ok
}

// Names returns all voice names in sorted order. The slice is shared and
// must not be modified.
func (s *Store) Names() []string { return s.names }

// Len returns the number of loaded profiles.
func (s *Store) Len() int { return len(s.profiles) }

// Skipped returns the per-file errors encountered by [Load], sorted by path.
func (s *Store) Skipped() []*LoadError { return s.skipped }

// With returns a new store containing the receiver's profiles plus extra.
// Names already present in the receiver win over extra. The receiver is
// unchanged.
func (s *Store) With(extra ...*Profile) *Store {
	all := make([]*Profile, 0, len(s.profiles)+len(extra))
	for _, name := range s.names {
		all = append(all, s.profiles[name])
	}
	all = append(all, extra...)
	out := NewStore(all...)
	out.skipped = s.skipped
	return out
}

// Suggest ranks known names by similarity to name and returns the best few.
func (s *Store) Suggest(name string) []string {
	if name == "" || len(s.names) == 0 {
		return nil
	}
	type scored struct {
		name  string
		score float64
	}
	query := strings.ToLower(name)
	var hits []scored
	for _, n := range s.names {
		score := matchr.JaroWinkler(query, strings.ToLower(n), false)
		if strings.HasPrefix(strings.ToLower(n), query) {
			score = max(score, 0.95)
		}
		if score >= suggestionThreshold {
			hits = append(hits, scored{name: n, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > maxSuggestions {
		hits = hits[:maxSuggestions]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}

// Complete returns up to limit names starting with prefix
// (case-insensitive), in sorted order. Used for command autocompletion.
func (s *Store) Complete(prefix string, limit int) []string {
	prefix = strings.ToLower(prefix)
	var out []string
	for _, n := range s.names {
		if limit > 0 && len(out) >= limit {
			break
		}
		if strings.HasPrefix(strings.ToLower(n), prefix) {
			out = append(out, n)
		}
	}
	return out
}
