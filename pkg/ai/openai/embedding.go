package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"

	"github.com/docstream/ingest-backend/pkg/ai"
	"github.com/docstream/ingest-backend/pkg/errmsg"

	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

// EmbedTexts generates embeddings for a batch of texts in a single API call.
// Rate limiting surfaces as errorsx.ErrRateLimiting so callers can classify
// the failure as retryable; a vector of unexpected length surfaces as
// errorsx.ErrDimensionalityMismatch, which is terminal.
func (p *Provider) EmbedTexts(ctx context.Context, texts []string) (*ai.EmbedResult, error) {
	if len(texts) == 0 {
		return &ai.EmbedResult{
			Vectors:        [][]float32{},
			Model:          p.embeddingModel,
			Dimensionality: p.dimensionality,
		}, nil
	}

	for i, text := range texts {
		if text == "" {
			return nil, errmsg.AddMessage(
				fmt.Errorf("text at index %d is empty: %w", i, errorsx.ErrInvalidArgument),
				"Cannot generate embeddings for empty text.",
			)
		}
	}

	response, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: p.embeddingModel,
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("openai embedding call: %w", errorsx.ErrRateLimiting)
		}
		return nil, fmt.Errorf("openai embedding call: %w", err)
	}

	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data))
	}

	// The API doesn't guarantee response order, so place each vector at the
	// index it was computed for.
	vectors := make([][]float32, len(texts))
	for _, emb := range response.Data {
		idx := int(emb.Index)
		if idx < 0 || idx >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", idx)
		}
		if len(emb.Embedding) != p.dimensionality {
			return nil, fmt.Errorf("vector of length %d for model %s: %w",
				len(emb.Embedding), p.embeddingModel, errorsx.ErrDimensionalityMismatch)
		}

		vector := make([]float32, len(emb.Embedding))
		for j, val := range emb.Embedding {
			vector[j] = float32(val)
		}
		vectors[idx] = vector
	}

	return &ai.EmbedResult{
		Vectors:        vectors,
		Model:          p.embeddingModel,
		Dimensionality: p.dimensionality,
	}, nil
}
