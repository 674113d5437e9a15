package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// profileModel maps to the soulprint_profiles table. All seven sections live
// in one JSONB column so a version upgrade is a single-row atomic write.
type profileModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID             string    `gorm:"uniqueIndex"`
	Status             string
	SectionsVersion    int
	Sections           json.RawMessage `gorm:"type:jsonb"`
	ProcessedChunks    int
	TotalChunks        int
	TotalConversations int
	TotalMessages      int
	QuickPassAt        *time.Time
	FullPassAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (profileModel) TableName() string {
	return "soulprint_profiles"
}

// ProfileRepo accesses soulprint profiles.
type ProfileRepo struct {
	db *gorm.DB
}

// NewProfileRepo returns a ProfileRepo.
func NewProfileRepo(db *gorm.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// Ensure creates an empty profile row for the user if none exists and
// returns the current row either way.
func (r *ProfileRepo) Ensure(ctx context.Context, userID string) (types.SoulprintProfile, error) {
	record := profileModel{
		ID:     uuid.New(),
		UserID: userID,
		Status: string(types.ProfileNone),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&record).Error; err != nil {
		return types.SoulprintProfile{}, fmt.Errorf("failed to ensure profile: %w", err)
	}
	return r.GetByUser(ctx, userID)
}

// GetByUser returns the user's profile.
func (r *ProfileRepo) GetByUser(ctx context.Context, userID string) (types.SoulprintProfile, error) {
	var record profileModel
	if err := r.db.WithContext(ctx).First(&record, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.SoulprintProfile{}, gorm.ErrRecordNotFound
		}
		return types.SoulprintProfile{}, fmt.Errorf("failed to query profile: %w", err)
	}
	return profileFromModel(record)
}

// SaveQuickSections writes the v1 section set and moves the profile to
// quick_ready in one update.
func (r *ProfileRepo) SaveQuickSections(ctx context.Context, userID string, sections types.SectionSet) error {
	raw, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("failed to encode sections: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Model(&profileModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"sections":         json.RawMessage(raw),
			"sections_version": 1,
			"status":           string(types.ProfileQuickReady),
			"quick_pass_at":    time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to save quick sections: %w", err)
	}
	return nil
}

// MarkProcessing flags the profile while the full pass runs. The v1 sections
// stay readable throughout.
func (r *ProfileRepo) MarkProcessing(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).
		Model(&profileModel{}).
		Where("user_id = ?", userID).
		Update("status", string(types.ProfileProcessing)).Error; err != nil {
		return fmt.Errorf("failed to mark profile processing: %w", err)
	}
	return nil
}

// CompleteFullPass replaces all seven sections with the v2 set, bumps the
// version, and marks the profile complete in a single atomic update. A reader
// sees either the full v1 state or the full v2 state, never a mix.
func (r *ProfileRepo) CompleteFullPass(ctx context.Context, userID string, sections types.SectionSet) error {
	raw, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("failed to encode sections: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Model(&profileModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"sections":         json.RawMessage(raw),
			"sections_version": 2,
			"status":           string(types.ProfileComplete),
			"full_pass_at":     time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("failed to complete full pass: %w", err)
	}
	return nil
}

// SaveSection atomically replaces one section, leaving the other six
// untouched.
func (r *ProfileRepo) SaveSection(ctx context.Context, userID string, name types.SectionName, doc types.SectionDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode section: %w", err)
	}
	query := `
		UPDATE soulprint_profiles
		SET sections = jsonb_set(COALESCE(sections, '{}'::jsonb), ARRAY[$1], $2::jsonb),
		    updated_at = NOW()
		WHERE user_id = $3`
	if err := r.db.WithContext(ctx).
		Exec(query, string(name), string(raw), userID).Error; err != nil {
		return fmt.Errorf("failed to save section %s: %w", name, err)
	}
	return nil
}

// CheckpointProgress records settled chunk counts for status reporting.
// Counts never move backwards.
func (r *ProfileRepo) CheckpointProgress(ctx context.Context, userID string, processed, total int) error {
	if err := r.db.WithContext(ctx).
		Model(&profileModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"processed_chunks": gorm.Expr("GREATEST(processed_chunks, ?)", processed),
			"total_chunks":     gorm.Expr("GREATEST(total_chunks, ?)", total),
		}).Error; err != nil {
		return fmt.Errorf("failed to checkpoint profile progress: %w", err)
	}
	return nil
}

// ListCompleteUserIDs returns the users whose profile finished the full
// pass, oldest update first so refinement visits the stalest profiles first.
func (r *ProfileRepo) ListCompleteUserIDs(ctx context.Context, limit int) ([]string, error) {
	var userIDs []string
	if err := r.db.WithContext(ctx).
		Model(&profileModel{}).
		Select("user_id").
		Where("status = ?", string(types.ProfileComplete)).
		Order("updated_at ASC").
		Limit(limit).
		Scan(&userIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to list complete profiles: %w", err)
	}
	return userIDs, nil
}

// SetArchiveStats records the archive totals shown alongside the profile.
func (r *ProfileRepo) SetArchiveStats(ctx context.Context, userID string, conversations, messages int) error {
	if err := r.db.WithContext(ctx).
		Model(&profileModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"total_conversations": conversations,
			"total_messages":      messages,
		}).Error; err != nil {
		return fmt.Errorf("failed to set archive stats: %w", err)
	}
	return nil
}

func profileFromModel(model profileModel) (types.SoulprintProfile, error) {
	sections := types.SectionSet{}
	if len(model.Sections) > 0 {
		if err := json.Unmarshal(model.Sections, &sections); err != nil {
			return types.SoulprintProfile{}, fmt.Errorf("failed to decode profile sections: %w", err)
		}
		sections.Normalize()
	}
	return types.SoulprintProfile{
		ID:                 model.ID,
		UserID:             model.UserID,
		Status:             types.ProfileStatus(model.Status),
		SectionsVersion:    model.SectionsVersion,
		Sections:           sections,
		ProcessedChunks:    model.ProcessedChunks,
		TotalChunks:        model.TotalChunks,
		TotalConversations: model.TotalConversations,
		TotalMessages:      model.TotalMessages,
		QuickPassAt:        model.QuickPassAt,
		FullPassAt:         model.FullPassAt,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}, nil
}
