package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/soulprintlabs/soulprint/internal/llm"
	"github.com/soulprintlabs/soulprint/internal/types"
)

// ProfileStore is the persistence seam the engine writes sections through.
// SaveQuickSections writes v1 and moves the profile to quick_ready;
// CompleteFullPass writes all seven v2 sections and the complete status in
// one atomic update; SaveSection atomically replaces a single section.
type ProfileStore interface {
	SaveQuickSections(ctx context.Context, userID string, sections types.SectionSet) error
	CompleteFullPass(ctx context.Context, userID string, sections types.SectionSet) error
	SaveSection(ctx context.Context, userID string, name types.SectionName, doc types.SectionDoc) error
}

// ChunkMarker records chunks whose extraction permanently failed.
type ChunkMarker interface {
	MarkExtractFailed(ctx context.Context, chunkID uuid.UUID) error
}

const (
	quickPassMaxTokens = 3000
	reduceMaxTokens    = 3000
	extractMaxTokens   = 800
	sectionMaxTokens   = 1200
	maxReduceFacts     = 1500
)

// Engine runs the quick and full synthesis passes.
type Engine struct {
	log         *slog.Logger
	completer   llm.Completer
	model       string
	profiles    ProfileStore
	chunks      ChunkMarker
	concurrency int
	retryLimit  int
}

// NewEngine creates an Engine. Concurrency bounds in-flight completion
// calls during the full-pass fan-out.
func NewEngine(log *slog.Logger, completer llm.Completer, model string, profiles ProfileStore, chunks ChunkMarker, concurrency, retryLimit int) *Engine {
	if concurrency <= 0 {
		concurrency = 5
	}
	if retryLimit <= 0 {
		retryLimit = 3
	}
	return &Engine{
		log:         log.With("component", "synthesis"),
		completer:   completer,
		model:       model,
		profiles:    profiles,
		chunks:      chunks,
		concurrency: concurrency,
		retryLimit:  retryLimit,
	}
}

// QuickPass builds all seven sections from the sampled chunks in one
// synchronous completion, independent of total archive size.
func (e *Engine) QuickPass(ctx context.Context, userID string, sample []types.MemoryChunk) (types.SectionSet, error) {
	if len(sample) == 0 {
		return nil, fmt.Errorf("quick pass needs at least one chunk")
	}

	raw, err := e.completer.Complete(ctx, buildQuickPassPrompt(sample), llm.Options{
		Model:       e.model,
		MaxTokens:   quickPassMaxTokens,
		Temperature: extractionTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("quick pass completion failed: %w", err)
	}

	sections, err := ParseSectionSet(raw)
	if err != nil {
		return nil, fmt.Errorf("quick pass produced invalid sections: %w", err)
	}
	sections = FilterSections(sections)

	if err := e.profiles.SaveQuickSections(ctx, userID, sections); err != nil {
		return nil, err
	}
	e.log.Info("quick pass complete", "user_id", userID, "sampled_chunks", len(sample))
	return sections, nil
}

// FullPassResult summarizes a completed full pass.
type FullPassResult struct {
	Processed int
	Failed    int
}

// FullPass fans one fact extraction out per chunk under bounded
// concurrency, then reduces all facts into the v2 section set. Chunk-level
// failures are retried, then marked permanently failed and excluded; they
// never fail the pass. The progress callback fires as chunks settle.
func (e *Engine) FullPass(ctx context.Context, userID string, chunks []types.MemoryChunk, draft types.SectionSet, progress func(processed, failed int)) (FullPassResult, error) {
	result := FullPassResult{}
	if len(chunks) == 0 {
		return result, fmt.Errorf("full pass needs at least one chunk")
	}

	factsByChunk := make([][]string, len(chunks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			facts, err := e.extractFacts(gctx, chunk)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.log.Warn("chunk extraction permanently failed", "user_id", userID, "chunk_id", chunk.ID, "error", err)
				if markErr := e.chunks.MarkExtractFailed(gctx, chunk.ID); markErr != nil {
					e.log.Warn("failed to mark chunk", "chunk_id", chunk.ID, "error", markErr)
				}
				mu.Lock()
				result.Failed++
				processed, failed := result.Processed, result.Failed
				mu.Unlock()
				if progress != nil {
					progress(processed, failed)
				}
				return nil
			}

			mu.Lock()
			factsByChunk[i] = facts
			result.Processed++
			processed, failed := result.Processed, result.Failed
			mu.Unlock()
			if progress != nil {
				progress(processed, failed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	// Reduce runs only after every map task has settled.
	var facts []string
	for _, chunkFacts := range factsByChunk {
		facts = append(facts, chunkFacts...)
	}
	if len(facts) > maxReduceFacts {
		facts = facts[:maxReduceFacts]
	}

	raw, err := e.completer.Complete(ctx, buildReducePrompt(facts, draft), llm.Options{
		Model:       e.model,
		MaxTokens:   reduceMaxTokens,
		Temperature: extractionTemperature,
	})
	if err != nil {
		return result, fmt.Errorf("reduce completion failed: %w", err)
	}
	sections, err := ParseSectionSet(raw)
	if err != nil {
		return result, fmt.Errorf("reduce produced invalid sections: %w", err)
	}
	sections = FilterSections(sections)

	if err := e.profiles.CompleteFullPass(ctx, userID, sections); err != nil {
		return result, err
	}
	e.log.Info("full pass complete", "user_id", userID, "processed", result.Processed, "failed", result.Failed, "facts", len(facts))
	return result, nil
}

// RegenerateSection re-runs synthesis for a single section and writes it
// atomically, leaving the other six untouched.
func (e *Engine) RegenerateSection(ctx context.Context, userID string, name types.SectionName, contextSet types.SectionSet, facts []string) (types.SectionDoc, error) {
	if _, ok := sectionSpecs[name]; !ok {
		return nil, fmt.Errorf("unknown section %q", name)
	}

	raw, err := e.completer.Complete(ctx, buildSectionPrompt(name, contextSet, facts), llm.Options{
		Model:       e.model,
		MaxTokens:   sectionMaxTokens,
		Temperature: extractionTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("section %s regeneration failed: %w", name, err)
	}
	doc, err := ParseSection(name, raw)
	if err != nil {
		return nil, fmt.Errorf("section %s regeneration invalid: %w", name, err)
	}
	doc = FilterDoc(doc)

	if err := e.profiles.SaveSection(ctx, userID, name, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// extractFacts runs the map step for one chunk with bounded attempts.
func (e *Engine) extractFacts(ctx context.Context, chunk types.MemoryChunk) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := e.completer.Complete(ctx, buildFactExtractionPrompt(chunk), llm.Options{
			Model:       e.model,
			MaxTokens:   extractMaxTokens,
			Temperature: extractionTemperature,
		})
		if err != nil {
			lastErr = err
			continue
		}
		facts, err := parseFacts(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return facts, nil
	}
	return nil, lastErr
}

func parseFacts(raw string) ([]string, error) {
	var decoded struct {
		Facts []string `json:"facts"`
	}
	if err := json.Unmarshal([]byte(sliceJSON(raw)), &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse facts json: %w", err)
	}
	var facts []string
	for _, fact := range decoded.Facts {
		if fact = strings.TrimSpace(fact); fact != "" && !isSentinel(fact) {
			facts = append(facts, fact)
		}
	}
	return facts, nil
}
