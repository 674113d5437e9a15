// Package synthesis produces the structured soulprint sections from memory
// chunks: a fast sampled quick pass and an exhaustive map-reduce full pass.
package synthesis

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// FieldKind says whether a section field holds text or a list of strings.
type FieldKind int

const (
	FieldText FieldKind = iota
	FieldList
)

type fieldSpec struct {
	Name string
	Kind FieldKind
}

// sectionSpecs is the closed set of section variants. Model output is
// validated against these shapes at the parse boundary, never trusted.
var sectionSpecs = map[types.SectionName][]fieldSpec{
	types.SectionIdentity: {
		{Name: "summary", Kind: FieldText},
		{Name: "core_values", Kind: FieldList},
		{Name: "life_context", Kind: FieldList},
	},
	types.SectionPersonality: {
		{Name: "communication_style", Kind: FieldText},
		{Name: "traits", Kind: FieldList},
		{Name: "emotional_tendencies", Kind: FieldList},
	},
	types.SectionUserFacts: {
		{Name: "facts", Kind: FieldList},
		{Name: "preferences", Kind: FieldList},
		{Name: "important_dates", Kind: FieldList},
	},
	types.SectionBehavioralRules: {
		{Name: "rules", Kind: FieldList},
		{Name: "boundaries", Kind: FieldList},
	},
	types.SectionCapabilities: {
		{Name: "skills", Kind: FieldList},
		{Name: "interests", Kind: FieldList},
		{Name: "active_projects", Kind: FieldList},
	},
	types.SectionDerivedMemory: {
		{Name: "summary", Kind: FieldText},
		{Name: "themes", Kind: FieldList},
		{Name: "patterns", Kind: FieldList},
	},
	types.SectionDailyMemory: {
		{Name: "recent_events", Kind: FieldList},
		{Name: "open_threads", Kind: FieldList},
	},
}

// resolvedSchemas holds one compiled JSON schema per section variant.
var resolvedSchemas = buildSchemas()

func buildSchemas() map[types.SectionName]*jsonschema.Resolved {
	out := make(map[types.SectionName]*jsonschema.Resolved, len(sectionSpecs))
	for name, fields := range sectionSpecs {
		props := make(map[string]*jsonschema.Schema, len(fields))
		for _, field := range fields {
			switch field.Kind {
			case FieldList:
				props[field.Name] = &jsonschema.Schema{
					Type:  "array",
					Items: &jsonschema.Schema{Type: "string"},
				}
			default:
				props[field.Name] = &jsonschema.Schema{Type: "string"}
			}
		}
		schema := &jsonschema.Schema{Type: "object", Properties: props}
		resolved, err := schema.Resolve(nil)
		if err != nil {
			log.Fatalf("invalid section schema for %s: %v", name, err)
		}
		out[name] = resolved
	}
	return out
}

// ParseSectionSet decodes a model response into all seven validated
// sections. Sections the model omitted come back empty rather than missing.
func ParseSectionSet(raw string) (types.SectionSet, error) {
	payload := sliceJSON(raw)
	var decoded map[string]map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse section json: %w", err)
	}

	set := make(types.SectionSet, len(types.SectionNames))
	for _, name := range types.SectionNames {
		doc, ok := decoded[string(name)]
		if !ok {
			set[name] = types.SectionDoc{}
			continue
		}
		normalized, err := normalizeSection(name, doc)
		if err != nil {
			return nil, err
		}
		set[name] = normalized
	}
	return set, nil
}

// ParseSection decodes a single-section model response.
func ParseSection(name types.SectionName, raw string) (types.SectionDoc, error) {
	payload := sliceJSON(raw)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse section json: %w", err)
	}
	// Accept either the bare document or one wrapped under the section name.
	if inner, ok := decoded[string(name)].(map[string]any); ok {
		decoded = inner
	}
	return normalizeSection(name, decoded)
}

// normalizeSection validates a document against its section schema and drops
// unknown fields and empty values.
func normalizeSection(name types.SectionName, doc map[string]any) (types.SectionDoc, error) {
	schema, ok := resolvedSchemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown section %q", name)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("section %s failed validation: %w", name, err)
	}

	normalized := types.SectionDoc{}
	for _, field := range sectionSpecs[name] {
		value, ok := doc[field.Name]
		if !ok || value == nil {
			continue
		}
		switch field.Kind {
		case FieldText:
			text, ok := value.(string)
			if !ok {
				continue
			}
			if text = strings.TrimSpace(text); text != "" {
				normalized[field.Name] = text
			}
		case FieldList:
			items, ok := value.([]any)
			if !ok {
				continue
			}
			var list []string
			for _, item := range items {
				entry, ok := item.(string)
				if !ok {
					continue
				}
				if entry = strings.TrimSpace(entry); entry != "" {
					list = append(list, entry)
				}
			}
			if len(list) > 0 {
				normalized[field.Name] = list
			}
		}
	}
	return normalized, nil
}

// sliceJSON extracts the outermost JSON object from a model response that
// may carry prose or fencing around it.
func sliceJSON(raw string) string {
	clean := strings.TrimSpace(raw)
	start := strings.Index(clean, "{")
	end := strings.LastIndex(clean, "}")
	if start >= 0 && end > start {
		return clean[start : end+1]
	}
	return clean
}

// sectionShapeDescription renders the expected JSON shape for prompts, in
// stable order.
func sectionShapeDescription() string {
	var sb strings.Builder
	for _, name := range types.SectionNames {
		fields := sectionSpecs[name]
		sb.WriteString(fmt.Sprintf("  %q: {", name))
		for i, field := range fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			if field.Kind == FieldList {
				sb.WriteString(fmt.Sprintf("%q: [\"...\"]", field.Name))
			} else {
				sb.WriteString(fmt.Sprintf("%q: \"...\"", field.Name))
			}
		}
		sb.WriteString("}\n")
	}
	return sb.String()
}

// FieldNames lists the known fields of a section in declaration order.
func FieldNames(name types.SectionName) []string {
	fields := sectionSpecs[name]
	out := make([]string, len(fields))
	for i, field := range fields {
		out[i] = field.Name
	}
	return out
}

// ListFields returns a sorted view of a document's field names, for stable
// rendering.
func ListFields(doc types.SectionDoc) []string {
	out := make([]string, 0, len(doc))
	for name := range doc {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
