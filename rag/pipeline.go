// Package rag assembles retrieval-augmented generation: query the session's
// vector memory, stuff the hits and the recent conversation into a prompt
// template, and hand the prompt to a model.
package rag

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/mnemo-labs/mnemo/core"
	"github.com/mnemo-labs/mnemo/llm"
)

const (
	// DefaultTopK is the number of fragments retrieved per query.
	DefaultTopK = 4

	// DefaultTemperature is used when the options leave it unset.
	DefaultTemperature = 0.3
)

var promptTemplate = template.Must(template.New("rag").Parse(
	`You are a multilingual and multimodal contextual AI assistant.
Use retrieved context, conversation history, and any provided image information.

Chat History:
{{.ChatHistory}}

Retrieved Memory:
{{.RetrievedContext}}

User Query:
{{.UserInput}}

Assistant:`))

// Retriever yields the k fragments most similar to query. Satisfied by
// memory.VectorMemory.
type Retriever interface {
	Query(ctx context.Context, query string, k int) ([]core.Fragment, error)
}

// Options configure one pipeline instance.
type Options struct {
	// Model is the generation model name, routed by the Generator.
	Model string

	// TopK overrides DefaultTopK when positive.
	TopK int

	// Temperature overrides DefaultTemperature when positive.
	Temperature float64
}

// Pipeline binds a retriever and a generator into a single Invoke call. A
// pipeline is cheap to build and is constructed per request, because the
// model name travels with the request.
type Pipeline struct {
	retriever   Retriever
	generator   llm.Generator
	model       string
	topK        int
	temperature float64
}

// New builds a pipeline over the given retriever and generator.
func New(retriever Retriever, generator llm.Generator, opts Options) *Pipeline {
	p := &Pipeline{
		retriever:   retriever,
		generator:   generator,
		model:       opts.Model,
		topK:        opts.TopK,
		temperature: opts.Temperature,
	}
	if p.topK <= 0 {
		p.topK = DefaultTopK
	}
	if p.temperature <= 0 {
		p.temperature = DefaultTemperature
	}
	return p
}

// Invoke retrieves memory for userInput, renders the prompt, and generates
// the answer. Retrieval and generation errors are returned unwrapped in
// meaning: the caller decides how to degrade.
func (p *Pipeline) Invoke(ctx context.Context, userInput, chatHistory string) (string, error) {
	fragments, err := p.retriever.Query(ctx, userInput, p.topK)
	if err != nil {
		return "", fmt.Errorf("retrieve context: %w", err)
	}

	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Text
	}

	var prompt strings.Builder
	err = promptTemplate.Execute(&prompt, struct {
		ChatHistory      string
		RetrievedContext string
		UserInput        string
	}{
		ChatHistory:      chatHistory,
		RetrievedContext: strings.Join(texts, "\n\n"),
		UserInput:        userInput,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	answer, err := p.generator.Generate(ctx, p.model, prompt.String(), p.temperature)
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}
