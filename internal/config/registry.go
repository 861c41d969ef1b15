package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/reduck-ai/reduck/pkg/speech"
)

// ErrProviderNotRegistered is returned by [Registry.CreateSpeech] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SpeechFactory builds a speech provider from its config block.
type SpeechFactory func(SpeechConfig) (speech.Provider, error)

// Registry maps speech provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	speech map[string]SpeechFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{speech: make(map[string]SpeechFactory)}
}

// RegisterSpeech registers a speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSpeech(name string, factory SpeechFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateSpeech instantiates a speech provider using the factory registered
// under cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateSpeech(cfg SpeechConfig) (speech.Provider, error) {
	r.mu.RLock()
	factory, ok := r.speech[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
