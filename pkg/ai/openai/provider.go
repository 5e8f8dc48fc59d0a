package openai

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/docstream/ingest-backend/pkg/errmsg"

	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

// EmbeddingModelDefault is the embedding model used when none is configured.
const EmbeddingModelDefault = "text-embedding-3-small"

// EmbeddingDimDefault is the vector length of the default model.
const EmbeddingDimDefault = 1536

// Provider implements the ai.Client interface for OpenAI. It only supports
// embedding generation.
type Provider struct {
	client         *openai.Client
	embeddingModel string
	dimensionality int
}

// NewProvider creates a new OpenAI embedding provider
func NewProvider(_ context.Context, apiKey, embeddingModel string, dimensionality int) (*Provider, error) {
	if apiKey == "" {
		err := errorsx.ErrInvalidArgument
		return nil, errmsg.AddMessage(err, "Embedding provider configuration is missing. Please contact your administrator.")
	}
	if embeddingModel == "" {
		embeddingModel = EmbeddingModelDefault
	}
	if dimensionality <= 0 {
		dimensionality = EmbeddingDimDefault
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &Provider{
		client:         &client,
		embeddingModel: embeddingModel,
		dimensionality: dimensionality,
	}, nil
}

// Dimensionality returns the embedding vector dimensionality of the
// configured model.
func (p *Provider) Dimensionality() int {
	return p.dimensionality
}

// Close releases provider resources
func (p *Provider) Close() error {
	return nil
}
