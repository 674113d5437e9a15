package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// qualityModel maps to the quality_breakdowns table. One row per user; a
// scoring run replaces the whole set so scores from different runs never mix.
type qualityModel struct {
	UserID   string          `gorm:"primaryKey"`
	Scores   json.RawMessage `gorm:"type:jsonb"`
	ScoredAt time.Time
}

func (qualityModel) TableName() string {
	return "quality_breakdowns"
}

// QualityRepo accesses quality score data.
type QualityRepo struct {
	db *gorm.DB
}

// NewQualityRepo returns a QualityRepo.
func NewQualityRepo(db *gorm.DB) *QualityRepo {
	return &QualityRepo{db: db}
}

// SaveBreakdown upserts the user's complete score set.
func (r *QualityRepo) SaveBreakdown(ctx context.Context, breakdown types.QualityBreakdown) error {
	raw, err := json.Marshal(breakdown.Scores)
	if err != nil {
		return fmt.Errorf("failed to encode quality scores: %w", err)
	}
	record := qualityModel{
		UserID:   breakdown.UserID,
		Scores:   raw,
		ScoredAt: breakdown.ScoredAt,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"scores", "scored_at"}),
		}).
		Create(&record).Error; err != nil {
		return fmt.Errorf("failed to save quality breakdown: %w", err)
	}
	return nil
}

// GetByUser returns the user's latest breakdown, or nil if never scored.
func (r *QualityRepo) GetByUser(ctx context.Context, userID string) (*types.QualityBreakdown, error) {
	var record qualityModel
	err := r.db.WithContext(ctx).First(&record, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quality breakdown: %w", err)
	}

	scores := map[types.SectionName]types.SectionScore{}
	if len(record.Scores) > 0 {
		if err := json.Unmarshal(record.Scores, &scores); err != nil {
			return nil, fmt.Errorf("failed to decode quality scores: %w", err)
		}
	}
	return &types.QualityBreakdown{
		UserID:   record.UserID,
		Scores:   scores,
		ScoredAt: record.ScoredAt,
	}, nil
}
