package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voxclone/pkg/provider/tts"
)

// ErrProviderNotRegistered means no factory exists for an engine name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a synthesis engine from its config entry.
type Factory func(ProviderEntry) (tts.Provider, error)

// Registry resolves engine names from the config to factories. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// RegisterTTS binds name to factory, replacing any earlier binding.
func (r *Registry) RegisterTTS(name string, factory Factory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// CreateTTS runs the factory bound to entry.Name. The error wraps
// [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	build := r.factories[entry.Name]
	r.mu.RUnlock()
	if build == nil {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return build(entry)
}

// Names lists the bound engine names alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
