package embedding

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soulprintlabs/soulprint/internal/types"
)

const (
	defaultBatchSize = 50
	batchAttempts    = 3
	batchRetryDelay  = 2 * time.Second
	embedCallTimeout = 2 * time.Minute
)

// VectorStore is the persistence seam the indexer writes through.
type VectorStore interface {
	// ListUnembedded returns up to limit chunks without a vector, skipping
	// offset rows, oldest first.
	ListUnembedded(ctx context.Context, userID string, limit, offset int) ([]types.MemoryChunk, error)
	// ListChunks returns every chunk for the user, oldest first.
	ListChunks(ctx context.Context, userID string) ([]types.MemoryChunk, error)
	SetEmbedding(ctx context.Context, chunkID uuid.UUID, vector []float32) error
}

// Indexer embeds chunks in batches. Provider failures leave chunks
// unembedded (keyword-only for retrieval) and never fail the import.
type Indexer struct {
	log         *slog.Logger
	embedder    Embedder
	store       VectorStore
	batchSize   int
	attempts    int
	retryDelay  time.Duration
	callTimeout time.Duration
}

// Stats summarizes one indexing run.
type Stats struct {
	Embedded int
	Failed   int
}

// NewIndexer creates an Indexer.
func NewIndexer(log *slog.Logger, embedder Embedder, store VectorStore) *Indexer {
	return &Indexer{
		log:         log.With("component", "indexer"),
		embedder:    embedder,
		store:       store,
		batchSize:   defaultBatchSize,
		attempts:    batchAttempts,
		retryDelay:  batchRetryDelay,
		callTimeout: embedCallTimeout,
	}
}

// IndexUser embeds every chunk of the user that has no vector yet. Chunks
// that already have one are left untouched, so re-running is a no-op.
func (ix *Indexer) IndexUser(ctx context.Context, userID string) (Stats, error) {
	stats := Stats{}
	// Failed chunks stay unembedded, so they are skipped by offset on the
	// next page instead of being refetched forever.
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		chunks, err := ix.store.ListUnembedded(ctx, userID, ix.batchSize, offset)
		if err != nil {
			return stats, err
		}
		if len(chunks) == 0 {
			return stats, nil
		}

		embedded, err := ix.embedBatch(ctx, chunks)
		stats.Embedded += embedded
		if err != nil {
			stats.Failed += len(chunks) - embedded
			offset += len(chunks) - embedded
			ix.log.Warn("embedding batch degraded, chunks stay keyword-only",
				"user_id", userID, "failed", len(chunks)-embedded, "error", err)
		}
	}
}

// Reindex force-recomputes vectors for every chunk of the user. Used by the
// operator backfill CLI.
func (ix *Indexer) Reindex(ctx context.Context, userID string) (Stats, error) {
	chunks, err := ix.store.ListChunks(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{}
	for start := 0; start < len(chunks); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		embedded, err := ix.embedBatch(ctx, chunks[start:end])
		stats.Embedded += embedded
		if err != nil {
			stats.Failed += end - start - embedded
			ix.log.Warn("reindex batch failed", "user_id", userID, "error", err)
		}
	}
	return stats, nil
}

func (ix *Indexer) embedBatch(ctx context.Context, chunks []types.MemoryChunk) (int, error) {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	var vectors [][]float32
	var lastErr error
	for attempt := 1; attempt <= ix.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, ix.callTimeout)
		vecs, err := ix.embedder.EmbedDocuments(callCtx, texts)
		cancel()
		if err == nil {
			vectors = vecs
			lastErr = nil
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < ix.attempts {
			select {
			case <-time.After(ix.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return 0, &types.ProviderError{Kind: types.ProviderEmbedding, Err: lastErr}
	}

	embedded := 0
	for i, chunk := range chunks {
		if err := ix.store.SetEmbedding(ctx, chunk.ID, vectors[i]); err != nil {
			return embedded, err
		}
		embedded++
	}
	return embedded, nil
}
