package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/engagemeter/pkg/provider/classifier"
	"github.com/MrWong99/engagemeter/pkg/provider/detector"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	detector   map[string]func(ProviderEntry) (detector.Provider, error)
	classifier map[string]func(ProviderEntry) (classifier.Provider, error)
	source     map[framesource.Mode]func(CaptureConfig) (framesource.Opener, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		detector:   make(map[string]func(ProviderEntry) (detector.Provider, error)),
		classifier: make(map[string]func(ProviderEntry) (classifier.Provider, error)),
		source:     make(map[framesource.Mode]func(CaptureConfig) (framesource.Opener, error)),
	}
}

// RegisterDetector registers a face detector factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDetector(name string, factory func(ProviderEntry) (detector.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detector[name] = factory
}

// RegisterClassifier registers an emotion classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory func(ProviderEntry) (classifier.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier[name] = factory
}

// RegisterSource registers the frame source opener factory for a capture mode.
func (r *Registry) RegisterSource(mode framesource.Mode, factory func(CaptureConfig) (framesource.Opener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source[mode] = factory
}

// CreateDetector instantiates a detector using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDetector(entry ProviderEntry) (detector.Provider, error) {
	r.mu.RLock()
	factory, ok := r.detector[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: detector/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateClassifier instantiates a classifier using the factory registered under entry.Name.
func (r *Registry) CreateClassifier(entry ProviderEntry) (classifier.Provider, error) {
	r.mu.RLock()
	factory, ok := r.classifier[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRouter builds a [framesource.Router] from every registered source
// factory. Modes without a factory are absent from the router and rejected
// when a session is started.
func (r *Registry) CreateRouter(cfg CaptureConfig) (framesource.Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	router := make(framesource.Router, len(r.source))
	for mode, factory := range r.source {
		o, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: source %s: %w", mode, err)
		}
		router[mode] = o
	}
	return router, nil
}
