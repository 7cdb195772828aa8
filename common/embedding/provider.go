// Package embedding provides the provider-abstracted text→vector client
// used by knowledge retrieval, the semantic cache, and the document
// worker. The service front wraps a provider with a token bucket,
// circuit breaker, and retry-with-backoff.
package embedding

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Classified embedding errors. Only rate-limit-class errors are retried;
// auth and validation errors surface immediately.
var (
	ErrRateLimited = errors.New("embedding provider rate limited")
	ErrAuth        = errors.New("embedding provider authorization failed")
	ErrInvalid     = errors.New("embedding request invalid")
)

// Provider converts text to fixed-dimension vectors
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// OpenAIProvider is the real cloud-backed provider
type OpenAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIProvider creates an OpenAI embedding provider
func NewOpenAIProvider(apiKey, model string, dimensions int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("embedding api key is required")
	}
	return &OpenAIProvider{
		client:     openai.NewClient(apiKey),
		model:      openai.EmbeddingModel(model),
		dimensions: dimensions,
	}, nil
}

// EmbedDocuments embeds a batch of texts, preserving input order
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      p.model,
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, classifyError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrInvalid, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrInvalid, item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// EmbedQuery embeds a single query string
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimensions returns the configured vector dimension
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// classifyError maps provider errors onto the package taxonomy
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case 401, 403:
			return fmt.Errorf("%w: %v", ErrAuth, err)
		case 400, 422:
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return err
}
