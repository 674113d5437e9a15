package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/soulprintlabs/soulprint/internal/chunker"
	"github.com/soulprintlabs/soulprint/internal/embedding"
	"github.com/soulprintlabs/soulprint/internal/synthesis"
	"github.com/soulprintlabs/soulprint/internal/types"
)

const archivePayload = `[
	{
		"id": "conv-1",
		"title": "Garden planning",
		"create_time": 1700000000,
		"mapping": {
			"n1": {"message": {"author": {"role": "user"}, "create_time": 1700000000, "content": {"content_type": "text", "parts": ["I want to plant tomatoes this spring"]}}},
			"n2": {"message": {"author": {"role": "assistant"}, "create_time": 1700000060, "content": {"content_type": "text", "parts": ["Start seeds indoors six weeks early"]}}}
		}
	},
	{
		"id": "conv-2",
		"title": "Trip notes",
		"create_time": 1700100000,
		"mapping": {
			"n1": {"message": {"author": {"role": "user"}, "create_time": 1700100000, "content": {"content_type": "text", "parts": ["Booked the ferry to Orcas Island"]}}}
		}
	}
]`

type mockBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    []string
	deletes []string
}

func newMockBlob() *mockBlob {
	return &mockBlob{objects: map[string][]byte{}}
}

func (m *mockBlob) PutObject(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	return nil
}

func (m *mockBlob) GetObject(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets = append(m.gets, path)
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return data, nil
}

func (m *mockBlob) DeleteObject(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, path)
	delete(m.objects, path)
	return nil
}

type mockJobStore struct {
	mu         sync.Mutex
	statuses   []types.JobStatus
	skipped    int
	completed  bool
	failReason string
	superseded bool
	// supersedeAfter flips superseded once this many IsSuperseded checks ran.
	supersedeAfter int
	checks         int
}

func (m *mockJobStore) UpdateStatus(_ context.Context, _ uuid.UUID, status types.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockJobStore) Heartbeat(context.Context, uuid.UUID) error { return nil }

func (m *mockJobStore) CheckpointProgress(context.Context, uuid.UUID, int, int) error { return nil }

func (m *mockJobStore) SetSkipped(_ context.Context, _ uuid.UUID, skipped int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped = skipped
	return nil
}

func (m *mockJobStore) Complete(context.Context, uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = true
	return nil
}

func (m *mockJobStore) Fail(_ context.Context, _ uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReason = message
	return nil
}

func (m *mockJobStore) IsSuperseded(context.Context, uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	if m.supersedeAfter > 0 && m.checks > m.supersedeAfter {
		m.superseded = true
	}
	return m.superseded, nil
}

type mockConvStore struct {
	mu    sync.Mutex
	convs []types.Conversation
	saves int
}

func (m *mockConvStore) SaveAll(_ context.Context, _ string, convs []types.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs = convs
	m.saves++
	return nil
}

func (m *mockConvStore) ListByUser(context.Context, string) ([]types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convs, nil
}

func (m *mockConvStore) CountStats(context.Context, string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	messages := 0
	for _, conv := range m.convs {
		messages += len(conv.Messages)
	}
	return len(m.convs), messages, nil
}

type mockChunkStore struct {
	mu     sync.Mutex
	chunks []types.MemoryChunk
}

func (m *mockChunkStore) ReplaceAll(_ context.Context, _ string, chunks []types.MemoryChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = chunks
	return nil
}

func (m *mockChunkStore) ListChunks(context.Context, string) ([]types.MemoryChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks, nil
}

type mockPipelineProfiles struct {
	mu          sync.Mutex
	calls       []string
	ensured     bool
	processing  bool
	convTotal   int
	msgTotal    int
	checkpoints int
}

func (m *mockPipelineProfiles) Ensure(context.Context, string) (types.SoulprintProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "ensure")
	m.ensured = true
	return types.SoulprintProfile{Status: types.ProfileNone}, nil
}

func (m *mockPipelineProfiles) MarkProcessing(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "mark_processing")
	m.processing = true
	return nil
}

func (m *mockPipelineProfiles) CheckpointProgress(context.Context, string, int, int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints++
	return nil
}

func (m *mockPipelineProfiles) SetArchiveStats(_ context.Context, _ string, conversations, messages int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "set_stats")
	m.convTotal = conversations
	m.msgTotal = messages
	return nil
}

type mockSynthesizer struct {
	mu        sync.Mutex
	calls     []string
	fullDraft types.SectionSet
}

func (m *mockSynthesizer) QuickPass(_ context.Context, _ string, sample []types.MemoryChunk) (types.SectionSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(sample) == 0 {
		return nil, fmt.Errorf("empty sample")
	}
	m.calls = append(m.calls, "quick")
	return types.SectionSet{types.SectionIdentity: {"summary": "draft"}}, nil
}

func (m *mockSynthesizer) FullPass(_ context.Context, _ string, chunks []types.MemoryChunk, draft types.SectionSet, progress func(int, int)) (synthesis.FullPassResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "full")
	m.fullDraft = draft
	m.mu.Unlock()
	for i := range chunks {
		if progress != nil {
			progress(i+1, 0)
		}
	}
	return synthesis.FullPassResult{Processed: len(chunks)}, nil
}

type mockIndexer struct {
	mu    sync.Mutex
	calls []string
	synth *mockSynthesizer
}

func (m *mockIndexer) IndexUser(context.Context, string) (embedding.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synth.mu.Lock()
	m.synth.calls = append(m.synth.calls, "index")
	m.synth.mu.Unlock()
	m.calls = append(m.calls, "index")
	return embedding.Stats{Embedded: 2}, nil
}

type fixture struct {
	blob     *mockBlob
	jobs     *mockJobStore
	convs    *mockConvStore
	chunks   *mockChunkStore
	profiles *mockPipelineProfiles
	synth    *mockSynthesizer
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		blob:     newMockBlob(),
		jobs:     &mockJobStore{},
		convs:    &mockConvStore{},
		chunks:   &mockChunkStore{},
		profiles: &mockPipelineProfiles{},
		synth:    &mockSynthesizer{},
	}
	indexer := &mockIndexer{synth: f.synth}
	ck := chunker.New(log, chunker.Config{})
	f.pipeline = NewPipeline(log, f.blob, f.jobs, f.convs, f.chunks, f.profiles, ck, f.synth, indexer, 8)
	return f
}

func pendingJob(sourcePath string) types.ImportJob {
	return types.ImportJob{
		ID:         uuid.New(),
		UserID:     "user-1",
		Status:     types.JobPending,
		SourcePath: sourcePath,
		ClaimedAt:  ptrTime(time.Now()),
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestPipelineRunsAllStages(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("archives/user-1/job.zip")
	f.blob.objects[job.SourcePath] = []byte(archivePayload)

	f.pipeline.Run(context.Background(), job)

	want := []types.JobStatus{types.JobExtracting, types.JobChunking, types.JobProcessing}
	if len(f.jobs.statuses) != len(want) {
		t.Fatalf("unexpected status trail: %v", f.jobs.statuses)
	}
	for i, status := range want {
		if f.jobs.statuses[i] != status {
			t.Fatalf("status %d = %s, want %s", i, f.jobs.statuses[i], status)
		}
	}
	if !f.jobs.completed {
		t.Fatalf("job not completed, fail reason %q", f.jobs.failReason)
	}
	if len(f.convs.convs) != 2 {
		t.Fatalf("expected 2 conversations saved, got %d", len(f.convs.convs))
	}
	if f.profiles.convTotal != 2 || f.profiles.msgTotal != 3 {
		t.Fatalf("unexpected archive stats: %d conversations, %d messages", f.profiles.convTotal, f.profiles.msgTotal)
	}
	if len(f.chunks.chunks) == 0 {
		t.Fatal("no chunks written")
	}
	if !f.profiles.ensured || !f.profiles.processing {
		t.Fatal("profile lifecycle writes missing")
	}
	if got := strings.Join(f.synth.calls, ","); got != "quick,index,full" {
		t.Fatalf("stages ran out of order: %s", got)
	}
	if len(f.blob.deletes) != 1 || f.blob.deletes[0] != job.SourcePath {
		t.Fatalf("archive object not cleaned up: %v", f.blob.deletes)
	}
}

func TestPipelineCreatesProfileBeforeWritingStats(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("archives/user-1/job.zip")
	f.blob.objects[job.SourcePath] = []byte(archivePayload)

	f.pipeline.Run(context.Background(), job)

	// A first-time user has no profile row during extraction; stats written
	// before Ensure would update nothing and vanish.
	ensureAt, statsAt := -1, -1
	for i, call := range f.profiles.calls {
		switch call {
		case "ensure":
			if ensureAt < 0 {
				ensureAt = i
			}
		case "set_stats":
			statsAt = i
		}
	}
	if ensureAt < 0 || statsAt < 0 {
		t.Fatalf("missing profile calls: %v", f.profiles.calls)
	}
	if statsAt < ensureAt {
		t.Fatalf("stats written before profile existed: %v", f.profiles.calls)
	}
	if f.profiles.convTotal != 2 || f.profiles.msgTotal != 3 {
		t.Fatalf("unexpected archive stats: %d conversations, %d messages", f.profiles.convTotal, f.profiles.msgTotal)
	}
}

func TestPipelineResumesFromRecordedStage(t *testing.T) {
	f := newFixture(t)
	f.convs.convs = []types.Conversation{
		{
			ID:        "conv-1",
			UserID:    "user-1",
			Title:     "Garden planning",
			CreatedAt: time.Unix(1700000000, 0).UTC(),
			Messages: []types.Message{
				{Role: types.RoleUser, Content: "I want to plant tomatoes", Timestamp: time.Unix(1700000000, 0).UTC()},
			},
		},
	}
	job := pendingJob("archives/user-1/job.zip")
	job.Status = types.JobChunking

	f.pipeline.Run(context.Background(), job)

	if len(f.blob.gets) != 0 {
		t.Fatal("resumed job re-fetched the archive")
	}
	if f.convs.saves != 0 {
		t.Fatal("resumed job re-ran extraction")
	}
	if !f.jobs.completed {
		t.Fatalf("resumed job did not complete, fail reason %q", f.jobs.failReason)
	}
	if len(f.chunks.chunks) == 0 {
		t.Fatal("resumed job wrote no chunks")
	}
}

func TestPipelineFailsOnUnreadableArchive(t *testing.T) {
	f := newFixture(t)
	job := pendingJob("archives/user-1/job.zip")
	f.blob.objects[job.SourcePath] = []byte("not an archive")

	f.pipeline.Run(context.Background(), job)

	if f.jobs.completed {
		t.Fatal("job completed despite unreadable archive")
	}
	if !strings.Contains(f.jobs.failReason, "couldn't read this archive") {
		t.Fatalf("unexpected fail reason: %q", f.jobs.failReason)
	}
}

func TestPipelineStopsWhenSuperseded(t *testing.T) {
	f := newFixture(t)
	f.jobs.superseded = true
	job := pendingJob("archives/user-1/job.zip")
	f.blob.objects[job.SourcePath] = []byte(archivePayload)

	f.pipeline.Run(context.Background(), job)

	if f.jobs.completed {
		t.Fatal("superseded job completed")
	}
	if len(f.blob.gets) != 0 {
		t.Fatal("superseded job fetched the archive")
	}
	if !strings.Contains(f.jobs.failReason, "replaced by a newer upload") {
		t.Fatalf("unexpected fail reason: %q", f.jobs.failReason)
	}
}

func TestPipelineAbandonsMidRunOnSupersession(t *testing.T) {
	f := newFixture(t)
	// First check passes the pending->extracting transition, later checks flip.
	f.jobs.supersedeAfter = 2
	job := pendingJob("archives/user-1/job.zip")
	f.blob.objects[job.SourcePath] = []byte(archivePayload)

	f.pipeline.Run(context.Background(), job)

	if f.jobs.completed {
		t.Fatal("superseded job completed")
	}
	for _, call := range f.synth.calls {
		if call == "full" {
			t.Fatal("full pass ran after supersession")
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]types.JobStatus{
		{types.JobPending, types.JobExtracting},
		{types.JobExtracting, types.JobChunking},
		{types.JobChunking, types.JobProcessing},
		{types.JobProcessing, types.JobComplete},
		{types.JobPending, types.JobFailed},
		{types.JobProcessing, types.JobFailed},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]types.JobStatus{
		{types.JobPending, types.JobProcessing},
		{types.JobComplete, types.JobPending},
		{types.JobFailed, types.JobExtracting},
		{types.JobProcessing, types.JobExtracting},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}
