package types

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobExtracting JobStatus = "extracting"
	JobChunking   JobStatus = "chunking"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// ImportJob is one upload attempt. A user has at most one non-terminal job;
// a newer upload supersedes the active one instead of racing it.
type ImportJob struct {
	ID              uuid.UUID `json:"id"`
	UserID          string    `json:"user_id"`
	Status          JobStatus `json:"status"`
	SourcePath      string    `json:"source_path"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	SkippedRecords  int       `json:"skipped_records"`
	ProcessedChunks int       `json:"processed_chunks"`
	TotalChunks     int       `json:"total_chunks"`
	Attempts        int       `json:"attempts"`
	Superseded      bool      `json:"superseded"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// MessageRole normalizes archive author roles.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleOther     MessageRole = "other"
)

// Message is a single normalized archive message. Immutable once extracted.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// Conversation is a normalized conversation record with messages in
// timestamp order.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// ChunkTier identifies the granularity a chunk was packed at.
type ChunkTier string

const (
	// TierConversation packs consecutive messages of one conversation.
	TierConversation ChunkTier = "conversation"
	// TierWindow packs messages of one calendar day across conversations.
	TierWindow ChunkTier = "window"
)

// MemoryChunk is a bounded span of conversation content. Written once by the
// chunker; only the embedding is added afterwards.
type MemoryChunk struct {
	ID             uuid.UUID `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	ConversationID string    `json:"conversation_id"`
	Tier           ChunkTier `json:"tier"`
	Recent         bool      `json:"recent"`
	Embedding      []float32 `json:"-"`
	ExtractFailed  bool      `json:"extract_failed"`
	// Similarity is a query-time annotation set by retrieval, never persisted.
	Similarity float64   `json:"similarity,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SectionName names one of the seven soulprint sections.
type SectionName string

const (
	SectionIdentity        SectionName = "identity"
	SectionPersonality     SectionName = "personality"
	SectionUserFacts       SectionName = "user_facts"
	SectionBehavioralRules SectionName = "behavioral_rules"
	SectionCapabilities    SectionName = "capabilities"
	SectionDerivedMemory   SectionName = "derived_memory"
	SectionDailyMemory     SectionName = "daily_memory"
)

// SectionNames lists all sections in render order.
var SectionNames = []SectionName{
	SectionIdentity,
	SectionPersonality,
	SectionUserFacts,
	SectionBehavioralRules,
	SectionCapabilities,
	SectionDerivedMemory,
	SectionDailyMemory,
}

// SectionDoc is one section's payload: a fixed set of known field names
// mapped to string or []string values. Shapes are validated at the parse
// boundary, not trusted from the model.
type SectionDoc map[string]any

// Normalize rewrites JSON-decoded list values ([]any) into []string so a
// doc loaded from storage behaves like a freshly built one.
func (d SectionDoc) Normalize() {
	for field, value := range d {
		items, ok := value.([]any)
		if !ok {
			continue
		}
		strs := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				strs = append(strs, s)
			}
		}
		d[field] = strs
	}
}

// SectionSet holds all seven sections of a profile.
type SectionSet map[SectionName]SectionDoc

// Normalize applies SectionDoc.Normalize to every section.
func (s SectionSet) Normalize() {
	for _, doc := range s {
		doc.Normalize()
	}
}

// ProfileStatus is the soulprint progress state machine.
type ProfileStatus string

const (
	ProfileNone       ProfileStatus = "none"
	ProfileQuickReady ProfileStatus = "quick_ready"
	ProfileProcessing ProfileStatus = "processing"
	ProfileComplete   ProfileStatus = "complete"
)

// SoulprintProfile is the durable artifact the pipeline produces. Sections
// are written as v1 by the quick pass and upgraded to v2 atomically by the
// full pass; counters never decrease within a job.
type SoulprintProfile struct {
	ID                 uuid.UUID     `json:"id"`
	UserID             string        `json:"user_id"`
	Status             ProfileStatus `json:"status"`
	SectionsVersion    int           `json:"sections_version"`
	Sections           SectionSet    `json:"sections"`
	ProcessedChunks    int           `json:"processed_chunks"`
	TotalChunks        int           `json:"total_chunks"`
	TotalConversations int           `json:"total_conversations"`
	TotalMessages      int           `json:"total_messages"`
	QuickPassAt        *time.Time    `json:"quick_pass_at,omitempty"`
	FullPassAt         *time.Time    `json:"full_pass_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// SectionScore holds the three judge axes for one section, each in [0,1].
type SectionScore struct {
	Completeness float64 `json:"completeness"`
	Coherence    float64 `json:"coherence"`
	Specificity  float64 `json:"specificity"`
}

// Min returns the lowest axis score.
func (s SectionScore) Min() float64 {
	min := s.Completeness
	if s.Coherence < min {
		min = s.Coherence
	}
	if s.Specificity < min {
		min = s.Specificity
	}
	return min
}

// QualityBreakdown is a full per-section scoring run. Always recomputed and
// rewritten as a complete set.
type QualityBreakdown struct {
	UserID   string                       `json:"user_id"`
	Scores   map[SectionName]SectionScore `json:"scores"`
	ScoredAt time.Time                    `json:"scored_at"`
}

// RetrievalMethod reports which search path produced a retrieval result.
type RetrievalMethod string

const (
	MethodVector  RetrievalMethod = "vector"
	MethodKeyword RetrievalMethod = "keyword"
)

// MemoryContext is what the chat subsystem consumes once per turn.
type MemoryContext struct {
	Chunks      []MemoryChunk   `json:"chunks"`
	ContextText string          `json:"context_text"`
	Method      RetrievalMethod `json:"method"`
}
