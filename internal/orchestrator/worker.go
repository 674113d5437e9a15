package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// ClaimStore is the queue seam the worker polls.
type ClaimStore interface {
	ClaimNext(ctx context.Context) (*types.ImportJob, error)
	SweepStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (released, failed int, err error)
}

// Worker polls the job queue and runs claimed jobs through the pipeline.
// Multiple workers may poll the same queue; the claim is the mutual
// exclusion.
type Worker struct {
	log          *slog.Logger
	claims       ClaimStore
	pipeline     *Pipeline
	pollInterval time.Duration
	maxAttempts  int
}

// NewWorker creates a Worker.
func NewWorker(log *slog.Logger, claims ClaimStore, pipeline *Pipeline, pollInterval time.Duration, maxAttempts int) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		log:          log.With("component", "worker"),
		claims:       claims,
		pipeline:     pipeline,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// Run polls until the context is canceled. After finishing a job it polls
// again immediately so a backlog drains without waiting out the interval.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started", "poll_interval", w.pollInterval)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		job, err := w.claims.ClaimNext(ctx)
		if err != nil {
			w.log.Error("failed to claim job", "error", err)
		} else if job != nil {
			w.log.Info("job claimed", "job_id", job.ID, "user_id", job.UserID, "status", job.Status, "attempt", job.Attempts)
			w.pipeline.Run(ctx, *job)
			continue
		}

		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunSweeper periodically recovers jobs whose worker died without releasing
// its claim.
func (w *Worker) RunSweeper(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, failed, err := w.claims.SweepStale(ctx, staleAfter, w.maxAttempts)
			if err != nil {
				w.log.Error("stale job sweep failed", "error", err)
				continue
			}
			if released > 0 || failed > 0 {
				w.log.Info("stale jobs swept", "released", released, "failed", failed)
			}
		}
	}
}
