package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// jobModel maps to the import_jobs table.
type jobModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID          string
	Status          string
	SourcePath      string
	ErrorMessage    string
	SkippedRecords  int
	ProcessedChunks int
	TotalChunks     int
	Attempts        int
	Superseded      bool
	ClaimedAt       *time.Time
	HeartbeatAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (jobModel) TableName() string {
	return "import_jobs"
}

var nonTerminalStatuses = []string{
	string(types.JobPending),
	string(types.JobExtracting),
	string(types.JobChunking),
	string(types.JobProcessing),
}

// ImportJobRepo accesses import job rows. Jobs double as the durable work
// queue: workers claim rows, heartbeat while holding them, and the sweep
// releases claims whose heartbeat went quiet.
type ImportJobRepo struct {
	db *gorm.DB
}

// NewImportJobRepo returns an ImportJobRepo.
func NewImportJobRepo(db *gorm.DB) *ImportJobRepo {
	return &ImportJobRepo{db: db}
}

// Enqueue inserts a new pending job unless the user already has an active
// one. The existence check and the insert are a single statement, so two
// concurrent uploads cannot both slip past it; the loser gets ErrActiveJob.
func (r *ImportJobRepo) Enqueue(ctx context.Context, userID, sourcePath string) (types.ImportJob, error) {
	query := `
		INSERT INTO import_jobs (id, user_id, status, source_path, error_message, created_at, updated_at)
		SELECT ?, ?, 'pending', ?, '', NOW(), NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM import_jobs
			WHERE user_id = ?
			  AND status IN ('pending', 'extracting', 'chunking', 'processing')
			  AND NOT superseded
		)`

	id := uuid.New()
	result := r.db.WithContext(ctx).Exec(query, id, userID, sourcePath, userID)
	if result.Error != nil {
		return types.ImportJob{}, fmt.Errorf("failed to insert import job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.ImportJob{}, types.ErrActiveJob
	}
	return r.Get(ctx, id)
}

// EnqueueSuperseding replaces the user's active job, if any, with a new
// pending one. Supersede and insert commit together, so no interleaving
// leaves the user with two live jobs.
func (r *ImportJobRepo) EnqueueSuperseding(ctx context.Context, userID, sourcePath string) (types.ImportJob, int, error) {
	var job types.ImportJob
	superseded := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := supersedeActive(tx, userID)
		if err != nil {
			return err
		}
		superseded = n

		record := jobModel{
			ID:         uuid.New(),
			UserID:     userID,
			Status:     string(types.JobPending),
			SourcePath: sourcePath,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to insert import job: %w", err)
		}
		job = jobFromModel(record)
		return nil
	})
	if err != nil {
		return types.ImportJob{}, 0, err
	}
	return job, superseded, nil
}

// Get returns one job by ID.
func (r *ImportJobRepo) Get(ctx context.Context, jobID uuid.UUID) (types.ImportJob, error) {
	var record jobModel
	if err := r.db.WithContext(ctx).First(&record, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.ImportJob{}, gorm.ErrRecordNotFound
		}
		return types.ImportJob{}, fmt.Errorf("failed to query import job: %w", err)
	}
	return jobFromModel(record), nil
}

// supersedeActive terminates the user's in-flight jobs. Unclaimed jobs have
// no worker watching the flag, so they fail immediately; claimed jobs are
// flagged and their worker abandons them at the next stage boundary.
func supersedeActive(tx *gorm.DB, userID string) (int, error) {
	killed := tx.Model(&jobModel{}).
		Where("user_id = ? AND status IN ? AND NOT superseded AND claimed_at IS NULL", userID, nonTerminalStatuses).
		Updates(map[string]any{
			"superseded":    true,
			"status":        string(types.JobFailed),
			"error_message": types.FailureReason(types.ErrJobSuperseded),
		})
	if killed.Error != nil {
		return 0, fmt.Errorf("failed to supersede queued jobs: %w", killed.Error)
	}

	flagged := tx.Model(&jobModel{}).
		Where("user_id = ? AND status IN ? AND NOT superseded AND claimed_at IS NOT NULL", userID, nonTerminalStatuses).
		Update("superseded", true)
	if flagged.Error != nil {
		return 0, fmt.Errorf("failed to supersede running jobs: %w", flagged.Error)
	}
	return int(killed.RowsAffected + flagged.RowsAffected), nil
}

// IsSuperseded reports whether the job has been flagged by a newer upload.
func (r *ImportJobRepo) IsSuperseded(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var superseded bool
	if err := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Select("superseded").
		Where("id = ?", jobID).
		Scan(&superseded).Error; err != nil {
		return false, fmt.Errorf("failed to check supersession: %w", err)
	}
	return superseded, nil
}

// ClaimNext atomically claims the oldest runnable job. A job is runnable when
// it is unclaimed, not superseded, and not terminal; a released stage job
// resumes from the stage its status records. Returns nil when the queue is
// empty.
func (r *ImportJobRepo) ClaimNext(ctx context.Context) (*types.ImportJob, error) {
	query := `
		UPDATE import_jobs
		SET claimed_at = NOW(), heartbeat_at = NOW(), attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM import_jobs
			WHERE status IN ('pending', 'extracting', 'chunking', 'processing')
			  AND claimed_at IS NULL
			  AND NOT superseded
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`

	var record jobModel
	result := r.db.WithContext(ctx).Raw(query).Scan(&record)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to claim job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	job := jobFromModel(record)
	return &job, nil
}

// UpdateStatus moves the job to the given stage.
func (r *ImportJobRepo) UpdateStatus(ctx context.Context, jobID uuid.UUID, status types.JobStatus) error {
	if err := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ?", jobID).
		Update("status", string(status)).Error; err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// Heartbeat refreshes the claim so the sweep leaves the job alone.
func (r *ImportJobRepo) Heartbeat(ctx context.Context, jobID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ?", jobID).
		Update("heartbeat_at", time.Now()).Error; err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	return nil
}

// CheckpointProgress records settled chunk counts. Counts never move
// backwards even if a resumed run reports smaller numbers.
func (r *ImportJobRepo) CheckpointProgress(ctx context.Context, jobID uuid.UUID, processed, total int) error {
	if err := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"processed_chunks": gorm.Expr("GREATEST(processed_chunks, ?)", processed),
			"total_chunks":     gorm.Expr("GREATEST(total_chunks, ?)", total),
		}).Error; err != nil {
		return fmt.Errorf("failed to checkpoint job progress: %w", err)
	}
	return nil
}

// SetSkipped records how many malformed archive records were dropped.
func (r *ImportJobRepo) SetSkipped(ctx context.Context, jobID uuid.UUID, skipped int) error {
	if err := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ?", jobID).
		Update("skipped_records", skipped).Error; err != nil {
		return fmt.Errorf("failed to record skipped count: %w", err)
	}
	return nil
}

// Complete releases the claim and moves the job to its terminal success state.
func (r *ImportJobRepo) Complete(ctx context.Context, jobID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":     string(types.JobComplete),
			"claimed_at": nil,
		}).Error; err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Fail releases the claim and records the failure reason.
func (r *ImportJobRepo) Fail(ctx context.Context, jobID uuid.UUID, message string) error {
	if err := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":        string(types.JobFailed),
			"error_message": message,
			"claimed_at":    nil,
		}).Error; err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// SweepStale recovers jobs whose worker died. Claims with a quiet heartbeat
// are released so another worker resumes them from the last checkpoint; jobs
// that already burned maxAttempts are failed instead. Unclaimed superseded
// jobs are failed too, since no worker will ever pick them up.
func (r *ImportJobRepo) SweepStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (released, failed int, err error) {
	cutoff := time.Now().Add(-staleAfter)

	failResult := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("status IN ? AND claimed_at IS NOT NULL AND heartbeat_at < ? AND attempts >= ?",
			nonTerminalStatuses, cutoff, maxAttempts).
		Updates(map[string]any{
			"status":        string(types.JobFailed),
			"error_message": types.ErrJobStalled.Error(),
			"claimed_at":    nil,
		})
	if failResult.Error != nil {
		return 0, 0, fmt.Errorf("failed to fail stalled jobs: %w", failResult.Error)
	}

	releaseResult := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("status IN ? AND claimed_at IS NOT NULL AND heartbeat_at < ?",
			nonTerminalStatuses, cutoff).
		Update("claimed_at", nil)
	if releaseResult.Error != nil {
		return 0, int(failResult.RowsAffected), fmt.Errorf("failed to release stalled jobs: %w", releaseResult.Error)
	}

	orphanResult := r.db.WithContext(ctx).
		Model(&jobModel{}).
		Where("status IN ? AND claimed_at IS NULL AND superseded", nonTerminalStatuses).
		Updates(map[string]any{
			"status":        string(types.JobFailed),
			"error_message": types.FailureReason(types.ErrJobSuperseded),
		})
	if orphanResult.Error != nil {
		return int(releaseResult.RowsAffected), int(failResult.RowsAffected),
			fmt.Errorf("failed to fail superseded jobs: %w", orphanResult.Error)
	}
	return int(releaseResult.RowsAffected), int(failResult.RowsAffected + orphanResult.RowsAffected), nil
}

func jobFromModel(model jobModel) types.ImportJob {
	return types.ImportJob{
		ID:              model.ID,
		UserID:          model.UserID,
		Status:          types.JobStatus(model.Status),
		SourcePath:      model.SourcePath,
		ErrorMessage:    model.ErrorMessage,
		SkippedRecords:  model.SkippedRecords,
		ProcessedChunks: model.ProcessedChunks,
		TotalChunks:     model.TotalChunks,
		Attempts:        model.Attempts,
		Superseded:      model.Superseded,
		ClaimedAt:       model.ClaimedAt,
		HeartbeatAt:     model.HeartbeatAt,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
}
