// Package archive turns a raw uploaded conversation export into normalized
// conversation records.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// Result is the output of a successful extraction.
type Result struct {
	Conversations []types.Conversation
	TotalMessages int
	// Skipped counts malformed entries dropped instead of aborting the
	// archive.
	Skipped int
}

// rawConversation mirrors the exported conversations.json entries: a node
// mapping keyed by node id, each node optionally carrying one message.
type rawConversation struct {
	ID         string             `json:"id"`
	Title      string             `json:"title"`
	CreateTime float64            `json:"create_time"`
	Mapping    map[string]rawNode `json:"mapping"`
}

type rawNode struct {
	Message *rawMessage `json:"message"`
}

type rawMessage struct {
	Author     rawAuthor  `json:"author"`
	Content    rawContent `json:"content"`
	CreateTime float64    `json:"create_time"`
}

type rawAuthor struct {
	Role string `json:"role"`
}

type rawContent struct {
	ContentType string            `json:"content_type"`
	Parts       []json.RawMessage `json:"parts"`
}

// Extract parses archive bytes into ordered conversations. The input is
// either a conversations.json payload or a ZIP containing one.
func Extract(log *slog.Logger, data []byte) (*Result, error) {
	payload, err := conversationsPayload(data)
	if err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, fmt.Errorf("%w: expected a conversation array: %v", types.ErrArchiveFormat, err)
	}

	result := &Result{}
	for i, raw := range raws {
		var rc rawConversation
		if err := json.Unmarshal(raw, &rc); err != nil {
			log.Warn("skipping malformed conversation entry", "index", i, "error", err)
			result.Skipped++
			continue
		}
		conv, skipped := normalizeConversation(rc, i)
		result.Skipped += skipped
		if len(conv.Messages) == 0 {
			continue
		}
		result.Conversations = append(result.Conversations, conv)
		result.TotalMessages += len(conv.Messages)
	}

	if result.TotalMessages == 0 {
		return nil, types.ErrEmptyArchive
	}

	// Oldest conversation first so downstream chunking is reproducible.
	sort.SliceStable(result.Conversations, func(i, j int) bool {
		return result.Conversations[i].CreatedAt.Before(result.Conversations[j].CreatedAt)
	})
	return result, nil
}

// conversationsPayload unwraps a ZIP if one was uploaded, otherwise returns
// the bytes unchanged.
func conversationsPayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, types.ErrEmptyArchive
	}
	if !bytes.HasPrefix(data, []byte("PK")) {
		return data, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable zip: %v", types.ErrArchiveFormat, err)
	}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, "conversations.json") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: unreadable conversations.json: %v", types.ErrArchiveFormat, err)
		}
		payload, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: unreadable conversations.json: %v", types.ErrArchiveFormat, err)
		}
		return payload, nil
	}
	return nil, fmt.Errorf("%w: zip has no conversations.json", types.ErrArchiveFormat)
}

func normalizeConversation(rc rawConversation, index int) (types.Conversation, int) {
	conv := types.Conversation{
		ID:        rc.ID,
		Title:     strings.TrimSpace(rc.Title),
		CreatedAt: unixTime(rc.CreateTime),
	}
	if conv.ID == "" {
		conv.ID = fmt.Sprintf("conversation-%d", index)
	}
	if conv.Title == "" {
		conv.Title = "Untitled conversation"
	}

	// Node keys give equal timestamps a stable order; map iteration order
	// must never leak into chunk boundaries.
	keys := make([]string, 0, len(rc.Mapping))
	for key := range rc.Mapping {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	skipped := 0
	for _, key := range keys {
		node := rc.Mapping[key]
		if node.Message == nil {
			continue
		}
		msg, ok := normalizeMessage(*node.Message)
		if !ok {
			skipped++
			continue
		}
		conv.Messages = append(conv.Messages, msg)
	}

	sort.SliceStable(conv.Messages, func(i, j int) bool {
		return conv.Messages[i].Timestamp.Before(conv.Messages[j].Timestamp)
	})
	if conv.CreatedAt.IsZero() && len(conv.Messages) > 0 {
		conv.CreatedAt = conv.Messages[0].Timestamp
	}
	return conv, skipped
}

func normalizeMessage(rm rawMessage) (types.Message, bool) {
	if rm.Content.ContentType != "" && rm.Content.ContentType != "text" {
		return types.Message{}, false
	}

	var parts []string
	for _, raw := range rm.Content.Parts {
		var part string
		if err := json.Unmarshal(raw, &part); err != nil {
			// Non-text parts (images, tool payloads) are not memory material.
			continue
		}
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	content := strings.Join(parts, "\n")
	if content == "" {
		return types.Message{}, false
	}

	return types.Message{
		Role:      normalizeRole(rm.Author.Role),
		Content:   content,
		Timestamp: unixTime(rm.CreateTime),
	}, true
}

func normalizeRole(role string) types.MessageRole {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user":
		return types.RoleUser
	case "assistant":
		return types.RoleAssistant
	default:
		return types.RoleOther
	}
}

func unixTime(seconds float64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
