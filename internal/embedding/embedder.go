// Package embedding computes and persists chunk vectors for similarity
// search.
package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/soulprintlabs/soulprint/internal/chunker"
)

// Dimensions is the vector size stored for every chunk.
const Dimensions = 1536

// maxInputRunes bounds embedding input; provider token limits sit near this
// length.
const maxInputRunes = 8000

// Embedder turns text into vector representations.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

type openaiEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates the OpenAI embedding implementation.
func NewOpenAIEmbedder(apiKey, model string) (Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for embeddings")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &openaiEmbedder{client: &client, model: model}, nil
}

func (e *openaiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.EmbedDocument(ctx, text)
}

func (e *openaiEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

func (e *openaiEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, text := range texts {
		// Rune-boundary truncation; a byte slice could split a character.
		inputs[i] = chunker.Truncate(text, maxInputRunes)
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      openai.EmbeddingModel(e.model),
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Dimensions: openai.Int(Dimensions),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed batch: %w", err)
	}
	if resp == nil || len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(resp.Data), len(texts))
	}

	indexed := make([]IndexedVector, 0, len(resp.Data))
	for _, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		indexed = append(indexed, IndexedVector{Index: int(item.Index), Vector: vec})
	}
	return OrderByIndex(indexed, len(texts))
}

// IndexedVector pairs an embedding with the request position the provider
// reported for it.
type IndexedVector struct {
	Index  int
	Vector []float32
}

// OrderByIndex restores request order. The provider's response order is not
// trusted.
func OrderByIndex(items []IndexedVector, n int) ([][]float32, error) {
	out := make([][]float32, n)
	for _, item := range items {
		if item.Index < 0 || item.Index >= n {
			return nil, fmt.Errorf("embedding index %d out of range [0,%d)", item.Index, n)
		}
		if out[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		out[item.Index] = item.Vector
	}
	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return out, nil
}
