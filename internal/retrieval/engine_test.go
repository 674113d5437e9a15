package retrieval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/soulprintlabs/soulprint/internal/types"
)

type stubEmbedder struct {
	vector []float32
	err    error
}

func (s *stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return s.vector, s.err
}

func (s *stubEmbedder) EmbedDocument(context.Context, string) ([]float32, error) {
	return s.vector, s.err
}

func (s *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vector
	}
	return out, nil
}

type stubSearcher struct {
	vectorHits   []types.MemoryChunk
	vectorErr    error
	keywordHits  []types.MemoryChunk
	keywordErr   error
	vectorCalls  int
	keywordCalls int
}

func (s *stubSearcher) SearchSimilar(context.Context, string, []float32, int, float64) ([]types.MemoryChunk, error) {
	s.vectorCalls++
	return s.vectorHits, s.vectorErr
}

func (s *stubSearcher) SearchKeyword(context.Context, string, string, int) ([]types.MemoryChunk, error) {
	s.keywordCalls++
	return s.keywordHits, s.keywordErr
}

func chunk(title, content string) types.MemoryChunk {
	return types.MemoryChunk{ID: uuid.New(), UserID: "user-1", Title: title, Content: content}
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetrievePrefersVector(t *testing.T) {
	searcher := &stubSearcher{
		vectorHits:  []types.MemoryChunk{chunk("Garden planning", "tomatoes")},
		keywordHits: []types.MemoryChunk{chunk("Trip notes", "ferry")},
	}
	engine := NewEngine(testLog(), &stubEmbedder{vector: []float32{0.1}}, searcher, 5, 0.7)

	chunks, method, err := engine.Retrieve(context.Background(), "user-1", "what am I planting")
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if method != types.MethodVector {
		t.Fatalf("method = %s, want vector", method)
	}
	if len(chunks) != 1 || chunks[0].Title != "Garden planning" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	if searcher.keywordCalls != 0 {
		t.Fatal("keyword path ran alongside a successful vector search")
	}
}

func TestRetrieveFallsBackWithoutEmbedder(t *testing.T) {
	searcher := &stubSearcher{keywordHits: []types.MemoryChunk{chunk("Trip notes", "ferry")}}
	engine := NewEngine(testLog(), nil, searcher, 5, 0.7)

	chunks, method, err := engine.Retrieve(context.Background(), "user-1", "ferry")
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if method != types.MethodKeyword || len(chunks) != 1 {
		t.Fatalf("unexpected result: method=%s chunks=%v", method, chunks)
	}
	if searcher.vectorCalls != 0 {
		t.Fatal("vector search ran without an embedder")
	}
}

func TestRetrieveFallsBackOnEmbeddingFailure(t *testing.T) {
	searcher := &stubSearcher{keywordHits: []types.MemoryChunk{chunk("Trip notes", "ferry")}}
	engine := NewEngine(testLog(), &stubEmbedder{err: errors.New("quota exceeded")}, searcher, 5, 0.7)

	_, method, err := engine.Retrieve(context.Background(), "user-1", "ferry")
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if method != types.MethodKeyword {
		t.Fatalf("method = %s, want keyword", method)
	}
	if searcher.vectorCalls != 0 {
		t.Fatal("vector search ran with no query vector")
	}
}

func TestRetrieveFallsBackOnEmptyVectorResults(t *testing.T) {
	searcher := &stubSearcher{keywordHits: []types.MemoryChunk{chunk("Trip notes", "ferry")}}
	engine := NewEngine(testLog(), &stubEmbedder{vector: []float32{0.1}}, searcher, 5, 0.7)

	chunks, method, err := engine.Retrieve(context.Background(), "user-1", "ferry")
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if method != types.MethodKeyword || len(chunks) != 1 {
		t.Fatalf("unexpected result: method=%s chunks=%v", method, chunks)
	}
	if searcher.vectorCalls != 1 || searcher.keywordCalls != 1 {
		t.Fatalf("unexpected call counts: vector=%d keyword=%d", searcher.vectorCalls, searcher.keywordCalls)
	}
}

func TestRetrieveReportsKeywordError(t *testing.T) {
	searcher := &stubSearcher{keywordErr: errors.New("db down")}
	engine := NewEngine(testLog(), nil, searcher, 5, 0.7)

	if _, _, err := engine.Retrieve(context.Background(), "user-1", "ferry"); err == nil {
		t.Fatal("expected error when both paths are exhausted")
	}
}

func TestGetMemoryContextBoundsOutput(t *testing.T) {
	long := strings.Repeat("x", maxChunkRunes+500)
	var hits []types.MemoryChunk
	for i := 0; i < 12; i++ {
		hits = append(hits, chunk("Daily notes", long))
	}
	searcher := &stubSearcher{keywordHits: hits}
	builder := NewContextBuilder(NewEngine(testLog(), nil, searcher, 20, 0.7), 3)

	memory, err := builder.GetMemoryContext(context.Background(), "user-1", "notes", 0)
	if err != nil {
		t.Fatalf("GetMemoryContext returned error: %v", err)
	}
	if len(memory.Chunks) != 3 {
		t.Fatalf("expected 3 chunks after capping, got %d", len(memory.Chunks))
	}
	if memory.Method != types.MethodKeyword {
		t.Fatalf("method = %s, want keyword", memory.Method)
	}
	perChunk := maxChunkRunes + len("--- Daily notes ---\n") + 1
	if len(memory.ContextText) > 3*perChunk {
		t.Fatalf("context text not truncated: %d bytes", len(memory.ContextText))
	}
}

func TestGetMemoryContextHonorsPerCallLimit(t *testing.T) {
	var hits []types.MemoryChunk
	for i := 0; i < 6; i++ {
		hits = append(hits, chunk("Daily notes", "entry"))
	}
	searcher := &stubSearcher{keywordHits: hits}
	builder := NewContextBuilder(NewEngine(testLog(), nil, searcher, 20, 0.7), 4)

	memory, err := builder.GetMemoryContext(context.Background(), "user-1", "notes", 2)
	if err != nil {
		t.Fatalf("GetMemoryContext returned error: %v", err)
	}
	if len(memory.Chunks) != 2 {
		t.Fatalf("per-call limit ignored: got %d chunks", len(memory.Chunks))
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	profile := types.SoulprintProfile{
		UserID: "user-1",
		Status: types.ProfileComplete,
		Sections: types.SectionSet{
			types.SectionIdentity:  {"summary": "Runs a small bakery"},
			types.SectionUserFacts: {"facts": []string{"Opens at 6am daily"}},
			// daily_memory is empty and must not appear.
			types.SectionDailyMemory: {},
		},
	}
	memory := types.MemoryContext{ContextText: "--- Garden planning ---\ntomatoes\n", Method: types.MethodVector}

	prompt, err := BuildSystemPrompt(profile, memory)
	if err != nil {
		t.Fatalf("BuildSystemPrompt returned error: %v", err)
	}
	for _, want := range []string{
		"## Who the user is",
		"Runs a small bakery",
		"## Facts about the user",
		"- Opens at 6am daily",
		"## Relevant memories",
		"tomatoes",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "Recent context") {
		t.Fatal("empty section rendered a heading")
	}
}
