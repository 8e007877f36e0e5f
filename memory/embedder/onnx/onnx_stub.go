//go:build !onnx

// Package onnx embeds text locally with an ONNX MiniLM model. Builds
// without the onnx tag get this stub so binaries that never use local
// embedding do not need the onnxruntime shared library installed.
package onnx

import (
	"context"
	"fmt"
)

// Config configures the ONNX embedder.
type Config struct {
	ModelPath     string
	TokenizerPath string
	LibraryPath   string
	Dimensions    int
}

// Embedder is unavailable without the onnx build tag.
type Embedder struct{}

// New fails: the binary was built without ONNX support.
func New(cfg Config) (*Embedder, error) {
	return nil, fmt.Errorf("onnx: built without onnx tag; rebuild with -tags onnx")
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("onnx: built without onnx tag")
}

func (e *Embedder) Dimensions() int { return 0 }

func (e *Embedder) Close() error { return nil }
