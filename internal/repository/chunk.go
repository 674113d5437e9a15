package repository

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// chunkModel maps to the memory_chunks table. Content is written once by the
// chunker; only embedding and extract_failed change afterwards.
type chunkModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         string
	Title          string
	Content        string
	ConversationID string
	Tier           string
	Recent         bool
	Embedding      *pgvector.Vector `gorm:"type:vector"`
	ExtractFailed  bool
	CreatedAt      time.Time
}

func (chunkModel) TableName() string {
	return "memory_chunks"
}

// ChunkRepo accesses memory chunk data.
type ChunkRepo struct {
	db *gorm.DB
}

// NewChunkRepo returns a ChunkRepo.
func NewChunkRepo(db *gorm.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// ReplaceAll swaps the user's chunk set for the given one in a single
// transaction. Chunking is deterministic, so a resumed job writes the same
// set it would have written the first time.
func (r *ChunkRepo) ReplaceAll(ctx context.Context, userID string, chunks []types.MemoryChunk) error {
	records := make([]chunkModel, 0, len(chunks))
	for _, chunk := range chunks {
		records = append(records, chunkModel{
			ID:             chunk.ID,
			UserID:         userID,
			Title:          chunk.Title,
			Content:        chunk.Content,
			ConversationID: chunk.ConversationID,
			Tier:           string(chunk.Tier),
			Recent:         chunk.Recent,
		})
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&chunkModel{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 200).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace chunks: %w", err)
	}
	return nil
}

// ListChunks returns every chunk for the user, oldest first.
func (r *ChunkRepo) ListChunks(ctx context.Context, userID string) ([]types.MemoryChunk, error) {
	var records []chunkModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	return chunksFromModels(records), nil
}

// ListUnembedded returns up to limit chunks without a vector, skipping offset
// rows, oldest first.
func (r *ChunkRepo) ListUnembedded(ctx context.Context, userID string, limit, offset int) ([]types.MemoryChunk, error) {
	var records []chunkModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND embedding IS NULL", userID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query unembedded chunks: %w", err)
	}
	return chunksFromModels(records), nil
}

// SetEmbedding stores the vector for one chunk.
func (r *ChunkRepo) SetEmbedding(ctx context.Context, chunkID uuid.UUID, vector []float32) error {
	v := pgvector.NewVector(vector)
	if err := r.db.WithContext(ctx).
		Model(&chunkModel{}).
		Where("id = ?", chunkID).
		Update("embedding", &v).Error; err != nil {
		return fmt.Errorf("failed to set chunk embedding: %w", err)
	}
	return nil
}

// MarkExtractFailed records that fact extraction gave up on the chunk.
func (r *ChunkRepo) MarkExtractFailed(ctx context.Context, chunkID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&chunkModel{}).
		Where("id = ?", chunkID).
		Update("extract_failed", true).Error; err != nil {
		return fmt.Errorf("failed to mark chunk: %w", err)
	}
	return nil
}

// SearchSimilar ranks the user's embedded chunks by cosine similarity against
// the query vector, keeping only those above the threshold.
func (r *ChunkRepo) SearchSimilar(ctx context.Context, userID string, embedding []float32, topK int, threshold float64) ([]types.MemoryChunk, error) {
	if len(embedding) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, user_id, title, content, conversation_id, tier, recent,
		       extract_failed, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM memory_chunks
		WHERE user_id = $2
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $1) > $3
		ORDER BY similarity DESC
		LIMIT $4`

	vector := pgvector.NewVector(embedding)
	var records []struct {
		chunkModel
		Similarity float64
	}
	if err := r.db.WithContext(ctx).
		Raw(query, vector, userID, threshold, topK).
		Scan(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to search similar chunks: %w", err)
	}

	results := make([]types.MemoryChunk, 0, len(records))
	for _, record := range records {
		chunk := chunkFromModel(record.chunkModel)
		chunk.Similarity = record.Similarity
		results = append(results, chunk)
	}
	return results, nil
}

// maxKeywordTerms bounds how many query words feed the ILIKE scan.
const maxKeywordTerms = 8

// SearchKeyword matches chunks containing any content word of the query,
// case-insensitively, newest first. It is the fallback path when no vector
// search is possible.
func (r *ChunkRepo) SearchKeyword(ctx context.Context, userID, query string, limit int) ([]types.MemoryChunk, error) {
	terms := keywordTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	match := r.db.Where("content ILIKE ?", "%"+escapeLike(terms[0])+"%")
	for _, term := range terms[1:] {
		match = match.Or("content ILIKE ?", "%"+escapeLike(term)+"%")
	}

	var records []chunkModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where(match).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to search chunks by keyword: %w", err)
	}
	return chunksFromModels(records), nil
}

// CountByUser returns the user's chunk total.
func (r *ChunkRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&chunkModel{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return int(count), nil
}

// keywordTerms keeps the content-bearing words of a query: short filler
// words are dropped and the count is capped.
func keywordTerms(query string) []string {
	var terms []string
	for _, word := range strings.Fields(query) {
		if utf8.RuneCountInString(word) <= 3 {
			continue
		}
		terms = append(terms, word)
		if len(terms) == maxKeywordTerms {
			break
		}
	}
	return terms
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}

func chunksFromModels(records []chunkModel) []types.MemoryChunk {
	results := make([]types.MemoryChunk, 0, len(records))
	for _, record := range records {
		results = append(results, chunkFromModel(record))
	}
	return results
}

func chunkFromModel(model chunkModel) types.MemoryChunk {
	chunk := types.MemoryChunk{
		ID:             model.ID,
		UserID:         model.UserID,
		Title:          model.Title,
		Content:        model.Content,
		ConversationID: model.ConversationID,
		Tier:           types.ChunkTier(model.Tier),
		Recent:         model.Recent,
		ExtractFailed:  model.ExtractFailed,
		CreatedAt:      model.CreatedAt,
	}
	if model.Embedding != nil {
		chunk.Embedding = model.Embedding.Slice()
	}
	return chunk
}
