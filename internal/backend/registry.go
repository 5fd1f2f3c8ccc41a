// Package backend holds the conversion collaborators the worker dispatches to.
package backend

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MimeLyc/docjobs/internal/jobs"
)

// Registry routes each job to the converter named by its spec's backend.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]jobs.Converter
}

func NewRegistry() *Registry {
	return &Registry{converters: make(map[string]jobs.Converter)}
}

func (r *Registry) Register(name string, c jobs.Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[name] = c
}

// Has reports whether a converter is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.converters[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.converters))
	for name := range r.converters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Convert(ctx context.Context, spec jobs.ConversionSpec, payload []byte) (*jobs.Artifact, error) {
	name := spec.Backend
	if name == "" {
		name = jobs.DefaultBackend
	}
	r.mu.RLock()
	c, ok := r.converters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, jobs.NewError(jobs.CodeBackendResourceUnavailable, fmt.Sprintf("backend %q is not configured", name)).
			WithDetail("backend", name)
	}
	return c.Convert(ctx, spec, payload)
}
