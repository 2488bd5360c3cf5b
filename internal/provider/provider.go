// Package provider adapts upstream generation services (OpenRouter, a local
// Ollama) to a single Generator interface and classifies their failures.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kalambet/genreview/internal/payload"
)

// Request is one generation call. Params carries the request context that
// also feeds the cache key: difficulty, topics, language, image_url, passage.
type Request struct {
	TargetID string
	Kind     payload.Kind
	Provider string
	Model    string
	Params   map[string]any
}

// Param returns a string param, or "" when absent or not a string.
func (r Request) Param(name string) string {
	if v, ok := r.Params[name].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Result is a validated generation.
type Result struct {
	Payload    payload.Payload
	CostUSD    float64
	DurationMs int64
	Model      string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Registry dispatches requests to generators by provider name.
type Registry struct {
	mu       sync.RWMutex
	gens     map[string]Generator
	fallback string
}

// NewRegistry creates a registry whose default provider is fallback.
func NewRegistry(fallback string) *Registry {
	return &Registry{gens: map[string]Generator{}, fallback: strings.ToLower(fallback)}
}

func (r *Registry) Register(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[strings.ToLower(name)] = g
}

// Resolve returns the provider name a request will be routed to.
func (r *Registry) Resolve(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return r.fallback
	}
	return name
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gens))
	for n := range r.gens {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Generate(ctx context.Context, req Request) (Result, error) {
	name := r.Resolve(req.Provider)
	r.mu.RLock()
	g, ok := r.gens[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, &Error{Kind: KindValidation, Provider: name, Err: fmt.Errorf("unknown provider %q", name)}
	}
	req.Provider = name
	return g.Generate(ctx, req)
}
