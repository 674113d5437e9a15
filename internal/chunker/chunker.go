// Package chunker packs normalized conversation messages into bounded
// memory chunks at two granularities.
package chunker

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/soulprintlabs/soulprint/internal/types"
)

const (
	// ContentCap bounds chunk content so retrieval and prompt assembly stay
	// cheap. Applied before embedding and storage.
	ContentCap = 6000

	defaultTokenBudget         = 800
	defaultRecentConversations = 10

	encodingName = "cl100k_base"
	windowLayout = "2006-01-02"
)

// Config tunes chunk packing.
type Config struct {
	// TokenBudget is the target token size a chunk is packed toward.
	TokenBudget int
	// RecentConversations marks chunks of the N newest conversations as
	// recent; the quick sample is seeded from them.
	RecentConversations int
}

// Chunker packs messages deterministically: identical input always yields
// identical chunk boundaries.
type Chunker struct {
	cfg Config
	enc *tiktoken.Tiktoken
}

// New creates a Chunker. When the token encoder cannot be loaded the chunker
// falls back to a rune-length heuristic instead of failing.
func New(log *slog.Logger, cfg Config) *Chunker {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = defaultTokenBudget
	}
	if cfg.RecentConversations <= 0 {
		cfg.RecentConversations = defaultRecentConversations
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		log.Warn("token encoder unavailable, using rune-length estimate", "encoding", encodingName, "error", err)
		enc = nil
	}
	return &Chunker{cfg: cfg, enc: enc}
}

// Chunk produces both tiers for a user's full message stream. Every message
// is covered exactly once per tier.
func (c *Chunker) Chunk(userID string, convs []types.Conversation) []types.MemoryChunk {
	ordered := make([]types.Conversation, len(convs))
	copy(ordered, convs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	recentCutoff := len(ordered) - c.cfg.RecentConversations
	var chunks []types.MemoryChunk
	for i, conv := range ordered {
		recent := i >= recentCutoff
		chunks = append(chunks, c.packConversation(userID, conv, recent)...)
	}
	chunks = append(chunks, c.packWindows(userID, ordered)...)
	return chunks
}

// packConversation packs consecutive messages of one conversation until the
// token budget is reached, then starts a new chunk.
func (c *Chunker) packConversation(userID string, conv types.Conversation, recent bool) []types.MemoryChunk {
	var chunks []types.MemoryChunk
	var lines []string
	var tokens int
	part := 1

	flush := func() {
		if len(lines) == 0 {
			return
		}
		chunks = append(chunks, types.MemoryChunk{
			ID:             uuid.New(),
			UserID:         userID,
			Title:          fmt.Sprintf("%s (part %d)", conv.Title, part),
			Content:        Truncate(strings.Join(lines, "\n"), ContentCap),
			ConversationID: conv.ID,
			Tier:           types.TierConversation,
			Recent:         recent,
		})
		lines = nil
		tokens = 0
		part++
	}

	for _, msg := range conv.Messages {
		line := formatMessage(msg)
		cost := c.tokenCount(line)
		if tokens > 0 && tokens+cost > c.cfg.TokenBudget {
			flush()
		}
		lines = append(lines, line)
		tokens += cost
	}
	flush()
	return chunks
}

// packWindows groups all messages by calendar day across conversations.
func (c *Chunker) packWindows(userID string, convs []types.Conversation) []types.MemoryChunk {
	type stamped struct {
		msg types.Message
		day string
	}
	var all []stamped
	for _, conv := range convs {
		for _, msg := range conv.Messages {
			all = append(all, stamped{msg: msg, day: msg.Timestamp.UTC().Format(windowLayout)})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].msg.Timestamp.Equal(all[j].msg.Timestamp) {
			return all[i].msg.Timestamp.Before(all[j].msg.Timestamp)
		}
		return all[i].day < all[j].day
	})

	var chunks []types.MemoryChunk
	var lines []string
	var tokens int
	var day string
	part := 1

	flush := func() {
		if len(lines) == 0 {
			return
		}
		chunks = append(chunks, types.MemoryChunk{
			ID:      uuid.New(),
			UserID:  userID,
			Title:   fmt.Sprintf("Day %s (part %d)", day, part),
			Content: Truncate(strings.Join(lines, "\n"), ContentCap),
			Tier:    types.TierWindow,
		})
		lines = nil
		tokens = 0
	}

	for _, item := range all {
		if item.day != day {
			flush()
			day = item.day
			part = 1
		}
		line := formatMessage(item.msg)
		cost := c.tokenCount(line)
		if tokens > 0 && tokens+cost > c.cfg.TokenBudget {
			flush()
			part++
		}
		lines = append(lines, line)
		tokens += cost
	}
	flush()
	return chunks
}

// QuickSample picks a bounded, recency-and-diversity-biased subset used to
// seed the quick pass. Deterministic for identical input.
func QuickSample(chunks []types.MemoryChunk, size int) []types.MemoryChunk {
	if size <= 0 || len(chunks) <= size {
		return chunks
	}

	var recent, older []types.MemoryChunk
	for _, chunk := range chunks {
		if chunk.Tier != types.TierConversation {
			continue
		}
		if chunk.Recent {
			recent = append(recent, chunk)
		} else {
			older = append(older, chunk)
		}
	}

	// Recent chunks seed the sample but never crowd out history entirely.
	recentQuota := size
	if len(older) > 0 {
		recentQuota = (size + 1) / 2
	}
	sample := recent
	if len(sample) > recentQuota {
		sample = sample[len(sample)-recentQuota:]
	}
	remaining := size - len(sample)
	if remaining > 0 && len(older) > 0 {
		// Even stride through history so old eras are represented.
		stride := len(older) / remaining
		if stride < 1 {
			stride = 1
		}
		for i := 0; i < len(older) && remaining > 0; i += stride {
			sample = append(sample, older[i])
			remaining--
		}
	}
	return sample
}

// Truncate caps content length in runes.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func (c *Chunker) tokenCount(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	count := len([]rune(text))/4 + 1
	return count
}

func formatMessage(msg types.Message) string {
	ts := ""
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp.UTC().Format(time.RFC3339) + " "
	}
	return fmt.Sprintf("%s%s: %s", ts, msg.Role, msg.Content)
}
