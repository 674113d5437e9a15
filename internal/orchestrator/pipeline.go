package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soulprintlabs/soulprint/internal/archive"
	"github.com/soulprintlabs/soulprint/internal/blob"
	"github.com/soulprintlabs/soulprint/internal/chunker"
	"github.com/soulprintlabs/soulprint/internal/embedding"
	"github.com/soulprintlabs/soulprint/internal/synthesis"
	"github.com/soulprintlabs/soulprint/internal/types"
)

// JobStore is the job-row seam the pipeline drives.
type JobStore interface {
	UpdateStatus(ctx context.Context, jobID uuid.UUID, status types.JobStatus) error
	Heartbeat(ctx context.Context, jobID uuid.UUID) error
	CheckpointProgress(ctx context.Context, jobID uuid.UUID, processed, total int) error
	SetSkipped(ctx context.Context, jobID uuid.UUID, skipped int) error
	Complete(ctx context.Context, jobID uuid.UUID) error
	Fail(ctx context.Context, jobID uuid.UUID, message string) error
	IsSuperseded(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// ConversationStore persists extracted conversations.
type ConversationStore interface {
	SaveAll(ctx context.Context, userID string, convs []types.Conversation) error
	ListByUser(ctx context.Context, userID string) ([]types.Conversation, error)
	CountStats(ctx context.Context, userID string) (conversations, messages int, err error)
}

// ChunkStore persists memory chunks.
type ChunkStore interface {
	ReplaceAll(ctx context.Context, userID string, chunks []types.MemoryChunk) error
	ListChunks(ctx context.Context, userID string) ([]types.MemoryChunk, error)
}

// ProfileStore covers the profile writes the pipeline makes directly; the
// synthesis engine writes sections through its own seam.
type ProfileStore interface {
	Ensure(ctx context.Context, userID string) (types.SoulprintProfile, error)
	MarkProcessing(ctx context.Context, userID string) error
	CheckpointProgress(ctx context.Context, userID string, processed, total int) error
	SetArchiveStats(ctx context.Context, userID string, conversations, messages int) error
}

// Synthesizer runs the quick and full passes.
type Synthesizer interface {
	QuickPass(ctx context.Context, userID string, sample []types.MemoryChunk) (types.SectionSet, error)
	FullPass(ctx context.Context, userID string, chunks []types.MemoryChunk, draft types.SectionSet, progress func(processed, failed int)) (synthesis.FullPassResult, error)
}

// Indexer embeds the user's chunks.
type Indexer interface {
	IndexUser(ctx context.Context, userID string) (embedding.Stats, error)
}

const heartbeatInterval = 30 * time.Second

// Pipeline runs one claimed import job through its stages. Each stage records
// its status before starting, so a resumed job re-enters at the stage it died
// in; every stage write is idempotent.
type Pipeline struct {
	log         *slog.Logger
	blobs       blob.Store
	jobs        JobStore
	convs       ConversationStore
	chunks      ChunkStore
	profiles    ProfileStore
	chunker     *chunker.Chunker
	synthesizer Synthesizer
	indexer     Indexer
	sampleSize  int
}

// NewPipeline creates a Pipeline.
func NewPipeline(log *slog.Logger, blobs blob.Store, jobs JobStore, convs ConversationStore, chunks ChunkStore, profiles ProfileStore, ck *chunker.Chunker, synthesizer Synthesizer, indexer Indexer, sampleSize int) *Pipeline {
	if sampleSize <= 0 {
		sampleSize = 24
	}
	return &Pipeline{
		log:         log.With("component", "pipeline"),
		blobs:       blobs,
		jobs:        jobs,
		convs:       convs,
		chunks:      chunks,
		profiles:    profiles,
		chunker:     ck,
		synthesizer: synthesizer,
		indexer:     indexer,
		sampleSize:  sampleSize,
	}
}

// Run executes the job from its recorded stage to a terminal state. Errors
// end in a failed job row, never a returned error; the worker loop must keep
// polling regardless of individual job outcomes.
func (p *Pipeline) Run(ctx context.Context, job types.ImportJob) {
	log := p.log.With("job_id", job.ID, "user_id", job.UserID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
			p.failJob(job.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeatLoop(hbCtx, job.ID)

	status := job.Status
	if status == types.JobPending {
		status = types.JobExtracting
		if err := p.advance(ctx, job.ID, types.JobPending, status); err != nil {
			p.failJob(job.ID, types.FailureReason(err))
			return
		}
	}

	for {
		var next types.JobStatus
		var err error
		switch status {
		case types.JobExtracting:
			next, err = p.stageExtract(ctx, job)
		case types.JobChunking:
			next, err = p.stageChunk(ctx, job)
		case types.JobProcessing:
			next, err = p.stageProcess(ctx, job)
		default:
			log.Error("job claimed in unexpected status", "status", status)
			p.failJob(job.ID, "unexpected job status")
			return
		}
		if err != nil {
			reason := types.FailureReason(err)
			log.Error("job stage failed", "stage", status, "error", err, "reason", reason)
			p.failJob(job.ID, reason)
			return
		}
		if next == types.JobComplete {
			if err := p.jobs.Complete(ctx, job.ID); err != nil {
				log.Error("failed to complete job", "error", err)
			}
			log.Info("job complete")
			return
		}
		if err := p.advance(ctx, job.ID, status, next); err != nil {
			p.failJob(job.ID, types.FailureReason(err))
			return
		}
		status = next
	}
}

// stageExtract downloads the archive, normalizes it, and persists the
// conversations.
func (p *Pipeline) stageExtract(ctx context.Context, job types.ImportJob) (types.JobStatus, error) {
	data, err := p.blobs.GetObject(ctx, job.SourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to fetch archive: %w", err)
	}

	result, err := archive.Extract(p.log, data)
	if err != nil {
		return "", err
	}
	for i := range result.Conversations {
		result.Conversations[i].UserID = job.UserID
	}

	if err := p.convs.SaveAll(ctx, job.UserID, result.Conversations); err != nil {
		return "", err
	}
	if err := p.jobs.SetSkipped(ctx, job.ID, result.Skipped); err != nil {
		return "", err
	}
	p.log.Info("archive extracted", "job_id", job.ID,
		"conversations", len(result.Conversations), "messages", result.TotalMessages, "skipped", result.Skipped)
	return types.JobChunking, nil
}

// stageChunk packs the saved conversations into the two chunk tiers.
// Chunking is deterministic, so a resumed run replaces the set with an
// identical one.
func (p *Pipeline) stageChunk(ctx context.Context, job types.ImportJob) (types.JobStatus, error) {
	convs, err := p.convs.ListByUser(ctx, job.UserID)
	if err != nil {
		return "", err
	}
	if len(convs) == 0 {
		return "", types.ErrEmptyArchive
	}

	chunks := p.chunker.Chunk(job.UserID, convs)
	if err := p.chunks.ReplaceAll(ctx, job.UserID, chunks); err != nil {
		return "", err
	}
	if err := p.checkpoint(ctx, job, 0, len(chunks)); err != nil {
		return "", err
	}
	p.log.Info("chunks written", "job_id", job.ID, "chunks", len(chunks))
	return types.JobProcessing, nil
}

// stageProcess runs quick pass, indexing, and the full pass. The profile is
// readable from the moment the quick pass lands.
func (p *Pipeline) stageProcess(ctx context.Context, job types.ImportJob) (types.JobStatus, error) {
	// The profile row must exist before any stat or section write targets it.
	if _, err := p.profiles.Ensure(ctx, job.UserID); err != nil {
		return "", err
	}
	convCount, msgCount, err := p.convs.CountStats(ctx, job.UserID)
	if err != nil {
		return "", err
	}
	if err := p.profiles.SetArchiveStats(ctx, job.UserID, convCount, msgCount); err != nil {
		return "", err
	}

	chunks, err := p.chunks.ListChunks(ctx, job.UserID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", types.ErrEmptyArchive
	}

	sample := chunker.QuickSample(chunks, p.sampleSize)
	draft, err := p.synthesizer.QuickPass(ctx, job.UserID, sample)
	if err != nil {
		return "", err
	}

	if err := p.checkSuperseded(ctx, job.ID); err != nil {
		return "", err
	}

	// Embedding failures degrade to keyword-only retrieval.
	stats, err := p.indexer.IndexUser(ctx, job.UserID)
	if err != nil {
		return "", err
	}
	if stats.Failed > 0 {
		p.log.Warn("some chunks left unembedded", "job_id", job.ID, "failed", stats.Failed)
	}

	if err := p.checkSuperseded(ctx, job.ID); err != nil {
		return "", err
	}

	if err := p.profiles.MarkProcessing(ctx, job.UserID); err != nil {
		return "", err
	}
	result, err := p.synthesizer.FullPass(ctx, job.UserID, chunks, draft, func(processed, failed int) {
		if err := p.checkpoint(ctx, job, processed+failed, len(chunks)); err != nil {
			p.log.Warn("failed to checkpoint progress", "job_id", job.ID, "error", err)
		}
	})
	if err != nil {
		return "", err
	}

	if err := p.checkSuperseded(ctx, job.ID); err != nil {
		return "", err
	}
	if err := p.checkpoint(ctx, job, result.Processed+result.Failed, len(chunks)); err != nil {
		return "", err
	}

	if err := p.blobs.DeleteObject(ctx, job.SourcePath); err != nil {
		p.log.Warn("failed to delete archive object", "job_id", job.ID, "error", err)
	}
	return types.JobComplete, nil
}

func (p *Pipeline) advance(ctx context.Context, jobID uuid.UUID, from, to types.JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal job transition %s -> %s", from, to)
	}
	if err := p.checkSuperseded(ctx, jobID); err != nil {
		return err
	}
	return p.jobs.UpdateStatus(ctx, jobID, to)
}

func (p *Pipeline) checkSuperseded(ctx context.Context, jobID uuid.UUID) error {
	superseded, err := p.jobs.IsSuperseded(ctx, jobID)
	if err != nil {
		return err
	}
	if superseded {
		return types.ErrJobSuperseded
	}
	return nil
}

func (p *Pipeline) checkpoint(ctx context.Context, job types.ImportJob, processed, total int) error {
	if err := p.jobs.CheckpointProgress(ctx, job.ID, processed, total); err != nil {
		return err
	}
	return p.profiles.CheckpointProgress(ctx, job.UserID, processed, total)
}

// failJob writes the terminal failure with a fresh context so a canceled job
// context cannot lose the terminal write.
func (p *Pipeline) failJob(jobID uuid.UUID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.jobs.Fail(ctx, jobID, reason); err != nil {
		p.log.Error("failed to record job failure", "job_id", jobID, "error", err)
	}
}

func (p *Pipeline) heartbeatLoop(ctx context.Context, jobID uuid.UUID) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.jobs.Heartbeat(ctx, jobID); err != nil {
				p.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}
