// Package retrieval serves per-turn memory lookups over the chunk store.
package retrieval

import (
	"context"
	"log/slog"

	"github.com/soulprintlabs/soulprint/internal/embedding"
	"github.com/soulprintlabs/soulprint/internal/types"
)

// Searcher is the chunk search seam. Both paths scope to one user.
type Searcher interface {
	SearchSimilar(ctx context.Context, userID string, embedding []float32, topK int, threshold float64) ([]types.MemoryChunk, error)
	SearchKeyword(ctx context.Context, userID, query string, limit int) ([]types.MemoryChunk, error)
}

// Engine retrieves memory chunks for a query. Vector search is the primary
// path; keyword search takes over when no embedder is configured, the
// embedding call fails, or vector search returns nothing. A response always
// comes from exactly one path.
type Engine struct {
	log       *slog.Logger
	embedder  embedding.Embedder
	chunks    Searcher
	topK      int
	threshold float64
}

// NewEngine creates an Engine. embedder may be nil, which pins every lookup
// to the keyword path.
func NewEngine(log *slog.Logger, embedder embedding.Embedder, chunks Searcher, topK int, threshold float64) *Engine {
	if topK <= 0 {
		topK = 5
	}
	return &Engine{
		log:       log.With("component", "retrieval"),
		embedder:  embedder,
		chunks:    chunks,
		topK:      topK,
		threshold: threshold,
	}
}

// Retrieve returns the chunks most relevant to the query and the method that
// produced them.
func (e *Engine) Retrieve(ctx context.Context, userID, query string) ([]types.MemoryChunk, types.RetrievalMethod, error) {
	if e.embedder == nil {
		return e.keyword(ctx, userID, query)
	}

	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		e.log.Warn("query embedding failed, falling back to keyword search", "user_id", userID, "error", err)
		return e.keyword(ctx, userID, query)
	}

	chunks, err := e.chunks.SearchSimilar(ctx, userID, vector, e.topK, e.threshold)
	if err != nil {
		e.log.Warn("vector search failed, falling back to keyword search", "user_id", userID, "error", err)
		return e.keyword(ctx, userID, query)
	}
	if len(chunks) == 0 {
		return e.keyword(ctx, userID, query)
	}
	return chunks, types.MethodVector, nil
}

func (e *Engine) keyword(ctx context.Context, userID, query string) ([]types.MemoryChunk, types.RetrievalMethod, error) {
	chunks, err := e.chunks.SearchKeyword(ctx, userID, query, e.topK)
	if err != nil {
		return nil, types.MethodKeyword, err
	}
	return chunks, types.MethodKeyword, nil
}
