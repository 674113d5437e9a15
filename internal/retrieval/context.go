package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/soulprintlabs/soulprint/internal/chunker"
	"github.com/soulprintlabs/soulprint/internal/types"
)

// maxChunkRunes bounds each chunk's contribution to the context text so one
// long chunk cannot crowd out the rest of the budget.
const maxChunkRunes = 1500

// ContextBuilder turns retrieval results into the memory context a chat turn
// consumes.
type ContextBuilder struct {
	engine    *Engine
	maxChunks int
}

// NewContextBuilder creates a ContextBuilder.
func NewContextBuilder(engine *Engine, maxChunks int) *ContextBuilder {
	if maxChunks <= 0 {
		maxChunks = 8
	}
	return &ContextBuilder{engine: engine, maxChunks: maxChunks}
}

// GetMemoryContext retrieves and renders the memory relevant to the query.
// maxChunks overrides the builder default when positive, so callers can tune
// context size per turn.
func (b *ContextBuilder) GetMemoryContext(ctx context.Context, userID, query string, maxChunks int) (types.MemoryContext, error) {
	if maxChunks <= 0 {
		maxChunks = b.maxChunks
	}
	chunks, method, err := b.engine.Retrieve(ctx, userID, query)
	if err != nil {
		return types.MemoryContext{}, err
	}
	if len(chunks) > maxChunks {
		chunks = chunks[:maxChunks]
	}

	var sb strings.Builder
	for _, chunk := range chunks {
		fmt.Fprintf(&sb, "--- %s ---\n", chunk.Title)
		sb.WriteString(chunker.Truncate(chunk.Content, maxChunkRunes))
		sb.WriteString("\n")
	}
	return types.MemoryContext{
		Chunks:      chunks,
		ContextText: sb.String(),
		Method:      method,
	}, nil
}

var systemPromptTemplate = template.Must(template.New("system_prompt").Parse(
	`You are a personal assistant who knows the user well. Everything below comes from the user's own conversation history. Never contradict it, never invent facts about the user, and never mention that you were given a profile.

{{range .Sections}}## {{.Title}}
{{.Body}}
{{end}}{{if .MemoryText}}## Relevant memories
{{.MemoryText}}{{end}}`))

type promptSection struct {
	Title string
	Body  string
}

type promptData struct {
	Sections   []promptSection
	MemoryText string
}

// sectionTitles maps section names to their prompt headings.
var sectionTitles = map[types.SectionName]string{
	types.SectionIdentity:        "Who the user is",
	types.SectionPersonality:     "How the user communicates",
	types.SectionUserFacts:       "Facts about the user",
	types.SectionBehavioralRules: "Rules the user expects",
	types.SectionCapabilities:    "Skills and projects",
	types.SectionDerivedMemory:   "Long-term themes",
	types.SectionDailyMemory:     "Recent context",
}

// BuildSystemPrompt renders the profile and retrieved memory into the system
// prompt a chat model consumes. Empty sections are omitted entirely.
func BuildSystemPrompt(profile types.SoulprintProfile, memory types.MemoryContext) (string, error) {
	data := promptData{MemoryText: strings.TrimSpace(memory.ContextText)}
	for _, name := range types.SectionNames {
		doc := profile.Sections[name]
		body := renderDoc(doc)
		if body == "" {
			continue
		}
		data.Sections = append(data.Sections, promptSection{Title: sectionTitles[name], Body: body})
	}

	var sb strings.Builder
	if err := systemPromptTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	return sb.String(), nil
}

func renderDoc(doc types.SectionDoc) string {
	var sb strings.Builder
	for _, field := range sortedFields(doc) {
		switch v := doc[field].(type) {
		case string:
			fmt.Fprintf(&sb, "- %s: %s\n", field, v)
		case []string:
			for _, item := range v {
				fmt.Fprintf(&sb, "- %s\n", item)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func sortedFields(doc types.SectionDoc) []string {
	fields := make([]string, 0, len(doc))
	for field := range doc {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
