// Package llm abstracts the generation services the RAG pipeline calls.
//
// The service is parameterized per request by model name, so the Router
// dispatches each call to a provider by name prefix: claude models go to
// Anthropic, everything else to the OpenAI-compatible OpenRouter gateway.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Generator produces text from a model.
type Generator interface {
	// Generate runs a plain text prompt against the named model.
	Generate(ctx context.Context, model, prompt string, temperature float64) (string, error)

	// Describe runs a multimodal prompt: the question text plus one PNG
	// image, used to describe chat attachments.
	Describe(ctx context.Context, model, text string, imagePNG []byte) (string, error)
}

type route struct {
	prefix   string
	provider Generator
}

// Router dispatches Generator calls by model-name prefix. The first
// matching prefix wins; unmatched names go to the fallback provider.
type Router struct {
	routes   []route
	fallback Generator
}

// NewRouter builds a router with the given fallback provider.
func NewRouter(fallback Generator) *Router {
	return &Router{fallback: fallback}
}

// Route sends models whose name starts with prefix to provider.
func (r *Router) Route(prefix string, provider Generator) *Router {
	r.routes = append(r.routes, route{prefix: prefix, provider: provider})
	return r
}

func (r *Router) pick(model string) (Generator, error) {
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) {
			return rt.provider, nil
		}
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("llm: no provider for model %q", model)
	}
	return r.fallback, nil
}

// Generate dispatches to the provider for model.
func (r *Router) Generate(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	p, err := r.pick(model)
	if err != nil {
		return "", err
	}
	return p.Generate(ctx, model, prompt, temperature)
}

// Describe dispatches to the provider for model.
func (r *Router) Describe(ctx context.Context, model, text string, imagePNG []byte) (string, error) {
	p, err := r.pick(model)
	if err != nil {
		return "", err
	}
	return p.Describe(ctx, model, text, imagePNG)
}
