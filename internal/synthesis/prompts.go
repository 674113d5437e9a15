package synthesis

import (
	"fmt"
	"strings"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// quickPassInstruction produces all seven sections from the sampled chunks
// in one call.
const quickPassInstruction = `You are a memory profiler. From the conversation excerpts below, build a structured profile of the USER (the person writing the "user" messages, never the assistant).

Extract:
1. Who they are and what shapes their life
2. Communication style and personality traits
3. Durable facts, preferences, and important dates
4. Rules and boundaries they expect an assistant to follow
5. Skills, interests, and active projects
6. Recurring themes and recent events

Output requirements:
- Return ONLY a valid JSON object, no other text
- Use exactly this shape:
{
%s}
- Every value must be grounded in the excerpts
- Where the excerpts give no grounding, use the exact string %q for that value`

// factExtractionInstruction is the map step: one call per chunk.
const factExtractionInstruction = `You are a fact extraction agent. Read one excerpt of a user's conversation history and extract durable information about the USER.

Consider:
1. Stated personal facts, preferences, habits, and important dates
2. Decisions made and commitments given
3. Emotional significance and recurring concerns
4. Skills, projects, and interests in evidence

Output requirements:
- Return ONLY a valid JSON object: {"facts": ["..."]}
- Each fact is one self-contained sentence
- Return {"facts": []} if the excerpt reveals nothing durable`

// reduceInstruction regenerates all sections from the full fact set.
const reduceInstruction = `You are a memory profiler. Below is the complete set of facts extracted from a user's entire conversation history, plus the current draft profile built from a small sample.

Rebuild the full profile using all facts. Prefer the facts over the draft where they disagree; keep draft details the facts confirm.

Output requirements:
- Return ONLY a valid JSON object, no other text
- Use exactly this shape:
{
%s}
- Where the facts give no grounding, use the exact string %q for that value`

// sectionInstruction regenerates one section in isolation.
const sectionInstruction = `You are a memory profiler. Regenerate exactly one profile section named %q from the context below.

Output requirements:
- Return ONLY a valid JSON object with this shape: {%s}
- Every value must be grounded in the context
- Where the context gives no grounding, use the exact string %q for that value`

// extractionTemperature keeps fact extraction consistent across runs.
const extractionTemperature = 0.3

func buildQuickPassPrompt(chunks []types.MemoryChunk) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, quickPassInstruction, sectionShapeDescription(), InsufficientData)
	sb.WriteString("\n\nCONVERSATION EXCERPTS:\n")
	writeChunks(&sb, chunks)
	return sb.String()
}

func buildFactExtractionPrompt(chunk types.MemoryChunk) string {
	var sb strings.Builder
	sb.WriteString(factExtractionInstruction)
	sb.WriteString("\n\nEXCERPT:\n")
	sb.WriteString(chunk.Title)
	sb.WriteString("\n")
	sb.WriteString(chunk.Content)
	return sb.String()
}

func buildReducePrompt(facts []string, draft types.SectionSet) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, reduceInstruction, sectionShapeDescription(), InsufficientData)
	sb.WriteString("\n\nFACTS:\n")
	for _, fact := range facts {
		sb.WriteString("- ")
		sb.WriteString(fact)
		sb.WriteString("\n")
	}
	sb.WriteString("\nDRAFT PROFILE:\n")
	writeSections(&sb, draft)
	return sb.String()
}

func buildSectionPrompt(name types.SectionName, context types.SectionSet, facts []string) string {
	fields := sectionSpecs[name]
	var shape strings.Builder
	for i, field := range fields {
		if i > 0 {
			shape.WriteString(", ")
		}
		if field.Kind == FieldList {
			fmt.Fprintf(&shape, "%q: [\"...\"]", field.Name)
		} else {
			fmt.Fprintf(&shape, "%q: \"...\"", field.Name)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, sectionInstruction, name, shape.String(), InsufficientData)
	sb.WriteString("\n\nCONTEXT PROFILE:\n")
	writeSections(&sb, context)
	if len(facts) > 0 {
		sb.WriteString("\nSUPPORTING FACTS:\n")
		for _, fact := range facts {
			sb.WriteString("- ")
			sb.WriteString(fact)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func writeChunks(sb *strings.Builder, chunks []types.MemoryChunk) {
	for _, chunk := range chunks {
		sb.WriteString("--- ")
		sb.WriteString(chunk.Title)
		sb.WriteString(" ---\n")
		sb.WriteString(chunk.Content)
		sb.WriteString("\n")
	}
}

func writeSections(sb *strings.Builder, set types.SectionSet) {
	for _, name := range types.SectionNames {
		doc, ok := set[name]
		if !ok || len(doc) == 0 {
			continue
		}
		fmt.Fprintf(sb, "[%s]\n", name)
		for _, field := range ListFields(doc) {
			switch v := doc[field].(type) {
			case string:
				fmt.Fprintf(sb, "%s: %s\n", field, v)
			case []string:
				fmt.Fprintf(sb, "%s: %s\n", field, strings.Join(v, "; "))
			}
		}
	}
}
