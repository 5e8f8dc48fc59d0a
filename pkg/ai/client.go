// Package ai defines the embedding provider capability consumed by the
// pipeline. Providers translate text batches into fixed-dimensionality
// vectors.
package ai

import (
	"context"
)

// EmbedResult is the outcome of one batch embedding call.
type EmbedResult struct {
	// Vectors are ordered like the input texts.
	Vectors        [][]float32
	Model          string
	Dimensionality int
}

// Client is the embedding provider capability.
type Client interface {
	// EmbedTexts computes one vector per input text in a single provider
	// call. The returned vectors preserve input order.
	EmbedTexts(ctx context.Context, texts []string) (*EmbedResult, error)
	// Dimensionality returns the fixed vector length of the configured
	// model.
	Dimensionality() int
	Close() error
}
