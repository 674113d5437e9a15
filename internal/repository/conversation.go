package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// conversationModel maps to the conversations table. Messages are stored as
// JSONB; conversations are immutable once extracted, so re-saving the same
// external ID simply replaces the payload.
type conversationModel struct {
	ID         int
	UserID     string
	ExternalID string
	Title      string
	Messages   json.RawMessage `gorm:"type:jsonb"`
	StartedAt  time.Time
	CreatedAt  time.Time
}

func (conversationModel) TableName() string {
	return "conversations"
}

// ConversationRepo accesses normalized archive conversations.
type ConversationRepo struct {
	db *gorm.DB
}

// NewConversationRepo returns a ConversationRepo.
func NewConversationRepo(db *gorm.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// SaveAll upserts the extracted conversations. Resuming an interrupted job
// re-saves the same rows, so conflicts on (user_id, external_id) overwrite.
func (r *ConversationRepo) SaveAll(ctx context.Context, userID string, convs []types.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	records := make([]conversationModel, 0, len(convs))
	for _, conv := range convs {
		messages, err := json.Marshal(conv.Messages)
		if err != nil {
			return fmt.Errorf("failed to encode conversation messages: %w", err)
		}
		records = append(records, conversationModel{
			UserID:     userID,
			ExternalID: conv.ID,
			Title:      conv.Title,
			Messages:   messages,
			StartedAt:  conv.CreatedAt,
		})
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "messages", "started_at"}),
		}).
		CreateInBatches(records, 200).Error; err != nil {
		return fmt.Errorf("failed to insert conversations: %w", err)
	}
	return nil
}

// ListByUser returns the user's conversations, oldest first. The external id
// breaks timestamp ties so re-chunking always reads the same order.
func (r *ConversationRepo) ListByUser(ctx context.Context, userID string) ([]types.Conversation, error) {
	var records []conversationModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at ASC, external_id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	results := make([]types.Conversation, 0, len(records))
	for _, record := range records {
		conv, err := conversationFromModel(record)
		if err != nil {
			return nil, err
		}
		results = append(results, conv)
	}
	return results, nil
}

// CountStats returns the conversation and message totals for the user.
func (r *ConversationRepo) CountStats(ctx context.Context, userID string) (conversations, messages int, err error) {
	row := struct {
		Conversations int
		Messages      int
	}{}
	query := `
		SELECT COUNT(*) AS conversations,
		       COALESCE(SUM(jsonb_array_length(messages)), 0) AS messages
		FROM conversations
		WHERE user_id = $1`
	if err := r.db.WithContext(ctx).Raw(query, userID).Scan(&row).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return row.Conversations, row.Messages, nil
}

func conversationFromModel(model conversationModel) (types.Conversation, error) {
	var messages []types.Message
	if len(model.Messages) > 0 {
		if err := json.Unmarshal(model.Messages, &messages); err != nil {
			return types.Conversation{}, fmt.Errorf("failed to decode conversation messages: %w", err)
		}
	}
	return types.Conversation{
		ID:        model.ExternalID,
		UserID:    model.UserID,
		Title:     model.Title,
		CreatedAt: model.StartedAt,
		Messages:  messages,
	}, nil
}
