package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/cradlewatch/pkg/audio"
	"github.com/MrWong99/cradlewatch/pkg/classifier"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// SourceFactory builds a capture source from the full configuration.
type SourceFactory func(cfg *Config) (audio.Source, error)

// ClassifierFactory builds a classifier sharing the given threshold.
type ClassifierFactory func(cfg *Config, th *classifier.Threshold) (classifier.Classifier, error)

// Registry maps backend names to constructors for capture sources and
// classifiers. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	sources     map[string]SourceFactory
	classifiers map[string]ClassifierFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources:     make(map[string]SourceFactory),
		classifiers: make(map[string]ClassifierFactory),
	}
}

// RegisterSource registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterClassifier registers a classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory ClassifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifiers[name] = factory
}

// CreateSource instantiates the source named by cfg.Audio.Source.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateSource(cfg *Config) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Audio.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrBackendNotRegistered, cfg.Audio.Source)
	}
	return factory(cfg)
}

// CreateClassifier instantiates the classifier named by cfg.Detection.Classifier.
func (r *Registry) CreateClassifier(cfg *Config, th *classifier.Threshold) (classifier.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.classifiers[cfg.Detection.Classifier]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrBackendNotRegistered, cfg.Detection.Classifier)
	}
	return factory(cfg, th)
}

// SourceNames returns the registered source names, sorted.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

// ClassifierNames returns the registered classifier names, sorted.
func (r *Registry) ClassifierNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.classifiers)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
