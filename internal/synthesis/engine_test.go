package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/soulprintlabs/soulprint/internal/llm"
	"github.com/soulprintlabs/soulprint/internal/types"
)

const sectionsResponse = `{
	"identity": {"summary": "Runs a small bakery", "core_values": ["Not enough information"]},
	"personality": {"communication_style": "warm", "traits": ["patient"]},
	"user_facts": {"facts": ["Opens at 6am daily"], "preferences": ["Not enough information"]},
	"behavioral_rules": {"rules": ["Keep answers short"]},
	"capabilities": {"skills": ["sourdough"], "interests": ["Not enough information"]},
	"derived_memory": {"summary": "Not enough information"},
	"daily_memory": {"recent_events": ["Hired a new assistant"]}
}`

type mockCompleter struct {
	mu        sync.Mutex
	prompts   []string
	responses map[string]string
	failFor   map[string]int
	inFlight  int
	peak      int
}

func newMockCompleter() *mockCompleter {
	return &mockCompleter{responses: map[string]string{}, failFor: map[string]int{}}
}

// respond registers a canned response for prompts containing the marker.
func (m *mockCompleter) respond(marker, response string) {
	m.responses[marker] = response
}

func (m *mockCompleter) Complete(_ context.Context, prompt string, _ llm.Options) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	var response string
	var found bool
	for marker, canned := range m.responses {
		if strings.Contains(prompt, marker) {
			response = canned
			found = true
			break
		}
	}
	var err error
	for marker, remaining := range m.failFor {
		if strings.Contains(prompt, marker) && remaining > 0 {
			m.failFor[marker] = remaining - 1
			err = errors.New("provider unavailable")
			break
		}
	}
	m.mu.Unlock()

	// Let other callers overlap so the peak reflects real concurrency.
	time.Sleep(time.Millisecond)

	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	if !found {
		return `{"facts": ["default fact"]}`, nil
	}
	return response, nil
}

type mockProfileStore struct {
	mu            sync.Mutex
	quickSections types.SectionSet
	fullSections  types.SectionSet
	savedSections map[types.SectionName]types.SectionDoc
	fullWrites    int
}

func newMockProfileStore() *mockProfileStore {
	return &mockProfileStore{savedSections: map[types.SectionName]types.SectionDoc{}}
}

func (m *mockProfileStore) SaveQuickSections(_ context.Context, _ string, sections types.SectionSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quickSections = sections
	return nil
}

func (m *mockProfileStore) CompleteFullPass(_ context.Context, _ string, sections types.SectionSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fullSections = sections
	m.fullWrites++
	return nil
}

func (m *mockProfileStore) SaveSection(_ context.Context, _ string, name types.SectionName, doc types.SectionDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedSections[name] = doc
	return nil
}

type mockChunkMarker struct {
	mu     sync.Mutex
	marked []uuid.UUID
}

func (m *mockChunkMarker) MarkExtractFailed(_ context.Context, chunkID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, chunkID)
	return nil
}

func testEngine(completer llm.Completer, profiles ProfileStore, marker ChunkMarker) *Engine {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(log, completer, "test-model", profiles, marker, 3, 2)
}

func testChunks(count int) []types.MemoryChunk {
	chunks := make([]types.MemoryChunk, 0, count)
	for i := 0; i < count; i++ {
		chunks = append(chunks, types.MemoryChunk{
			ID:      uuid.New(),
			UserID:  "user-1",
			Title:   fmt.Sprintf("chunk-%d", i),
			Content: fmt.Sprintf("content for chunk %d", i),
		})
	}
	return chunks
}

func TestQuickPassSavesFilteredSections(t *testing.T) {
	completer := newMockCompleter()
	completer.respond("memory profiler", sectionsResponse)
	profiles := newMockProfileStore()
	engine := testEngine(completer, profiles, &mockChunkMarker{})

	sections, err := engine.QuickPass(context.Background(), "user-1", testChunks(2))
	if err != nil {
		t.Fatalf("QuickPass returned error: %v", err)
	}
	if profiles.quickSections == nil {
		t.Fatal("quick sections were not saved")
	}
	if sections[types.SectionIdentity]["summary"] != "Runs a small bakery" {
		t.Fatalf("unexpected identity: %v", sections[types.SectionIdentity])
	}
	assertNoSentinel(t, sections)
}

func TestQuickPassRequiresChunks(t *testing.T) {
	engine := testEngine(newMockCompleter(), newMockProfileStore(), &mockChunkMarker{})
	if _, err := engine.QuickPass(context.Background(), "user-1", nil); err == nil {
		t.Fatal("expected error for empty sample")
	}
}

func TestFullPassProcessesEveryChunk(t *testing.T) {
	completer := newMockCompleter()
	completer.respond("complete set of facts", sectionsResponse)
	profiles := newMockProfileStore()
	engine := testEngine(completer, profiles, &mockChunkMarker{})

	chunks := testChunks(9)
	var mu sync.Mutex
	var observed []int
	result, err := engine.FullPass(context.Background(), "user-1", chunks, nil, func(processed, failed int) {
		mu.Lock()
		observed = append(observed, processed+failed)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("FullPass returned error: %v", err)
	}
	if result.Processed != 9 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if profiles.fullWrites != 1 {
		t.Fatalf("expected exactly one atomic full-pass write, got %d", profiles.fullWrites)
	}
	assertNoSentinel(t, profiles.fullSections)

	// Settled counts never exceed the chunk total and never decrease.
	last := 0
	for _, count := range observed {
		if count < last {
			t.Fatalf("settled count decreased: %v", observed)
		}
		if count > len(chunks) {
			t.Fatalf("settled count %d exceeds total %d", count, len(chunks))
		}
		last = count
	}
	if last != len(chunks) {
		t.Fatalf("expected all chunks settled, got %d", last)
	}
}

func TestFullPassBoundsConcurrency(t *testing.T) {
	completer := newMockCompleter()
	completer.respond("complete set of facts", sectionsResponse)
	engine := testEngine(completer, newMockProfileStore(), &mockChunkMarker{})

	if _, err := engine.FullPass(context.Background(), "user-1", testChunks(20), nil, nil); err != nil {
		t.Fatalf("FullPass returned error: %v", err)
	}
	if completer.peak > 3 {
		t.Fatalf("in-flight completions peaked at %d, limit is 3", completer.peak)
	}
}

func TestFullPassExcludesPermanentlyFailedChunks(t *testing.T) {
	completer := newMockCompleter()
	completer.respond("complete set of facts", sectionsResponse)
	// chunk-3 fails more times than the retry limit allows.
	completer.failFor["content for chunk 3"] = 10
	profiles := newMockProfileStore()
	marker := &mockChunkMarker{}
	engine := testEngine(completer, profiles, marker)

	chunks := testChunks(5)
	result, err := engine.FullPass(context.Background(), "user-1", chunks, nil, nil)
	if err != nil {
		t.Fatalf("FullPass should not fail on a chunk-scoped error: %v", err)
	}
	if result.Processed != 4 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(marker.marked) != 1 || marker.marked[0] != chunks[3].ID {
		t.Fatalf("expected chunk 3 marked failed, got %v", marker.marked)
	}
	if profiles.fullWrites != 1 {
		t.Fatal("full pass did not complete despite chunk failure")
	}
}

func TestFullPassRetriesTransientChunkFailure(t *testing.T) {
	completer := newMockCompleter()
	completer.respond("complete set of facts", sectionsResponse)
	// One failure, retry limit two: the chunk recovers.
	completer.failFor["content for chunk 1"] = 1
	engine := testEngine(completer, newMockProfileStore(), &mockChunkMarker{})

	result, err := engine.FullPass(context.Background(), "user-1", testChunks(3), nil, nil)
	if err != nil {
		t.Fatalf("FullPass returned error: %v", err)
	}
	if result.Processed != 3 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCrossPassFilteringIsIdentical(t *testing.T) {
	quickCompleter := newMockCompleter()
	quickCompleter.respond("memory profiler", sectionsResponse)
	quickProfiles := newMockProfileStore()
	quickEngine := testEngine(quickCompleter, quickProfiles, &mockChunkMarker{})
	if _, err := quickEngine.QuickPass(context.Background(), "user-1", testChunks(2)); err != nil {
		t.Fatalf("QuickPass returned error: %v", err)
	}

	fullCompleter := newMockCompleter()
	fullCompleter.respond("complete set of facts", sectionsResponse)
	fullProfiles := newMockProfileStore()
	fullEngine := testEngine(fullCompleter, fullProfiles, &mockChunkMarker{})
	if _, err := fullEngine.FullPass(context.Background(), "user-1", testChunks(2), nil, nil); err != nil {
		t.Fatalf("FullPass returned error: %v", err)
	}

	for _, name := range types.SectionNames {
		quick := fmt.Sprintf("%v", quickProfiles.quickSections[name])
		full := fmt.Sprintf("%v", fullProfiles.fullSections[name])
		if quick != full {
			t.Fatalf("section %s filtered differently across passes:\nquick: %s\nfull:  %s", name, quick, full)
		}
	}
}

func TestRegenerateSectionSavesAtomically(t *testing.T) {
	completer := newMockCompleter()
	completer.respond("exactly one profile section", `{"capabilities": {"skills": ["bread scoring"], "interests": ["Not enough information"]}}`)
	profiles := newMockProfileStore()
	engine := testEngine(completer, profiles, &mockChunkMarker{})

	doc, err := engine.RegenerateSection(context.Background(), "user-1", types.SectionCapabilities, nil, []string{"Scores bread by hand"})
	if err != nil {
		t.Fatalf("RegenerateSection returned error: %v", err)
	}
	if _, ok := doc["interests"]; ok {
		t.Fatal("sentinel list survived section regeneration")
	}
	saved, ok := profiles.savedSections[types.SectionCapabilities]
	if !ok {
		t.Fatal("regenerated section was not saved")
	}
	skills, ok := saved["skills"].([]string)
	if !ok || len(skills) != 1 || skills[0] != "bread scoring" {
		t.Fatalf("unexpected saved skills: %v", saved["skills"])
	}
}

func assertNoSentinel(t *testing.T, set types.SectionSet) {
	t.Helper()
	var sb strings.Builder
	writeSections(&sb, set)
	if strings.Contains(strings.ToLower(sb.String()), strings.ToLower(InsufficientData)) {
		t.Fatalf("sentinel leaked into sections: %s", sb.String())
	}
}
