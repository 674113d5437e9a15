package synthesis

import (
	"strings"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// InsufficientData is the sentinel the model is instructed to emit when a
// field cannot be grounded in the chunks. It must never reach rendered
// output.
const InsufficientData = "Not enough information"

// FilterSections applies the placeholder filter to every section. It is the
// single filtering path for both the quick and the full pass; the two passes
// behaving identically here is a contract, not a coincidence.
func FilterSections(set types.SectionSet) types.SectionSet {
	filtered := make(types.SectionSet, len(set))
	for name, doc := range set {
		filtered[name] = FilterDoc(doc)
	}
	return filtered
}

// FilterDoc drops any field whose value is the sentinel and any list entries
// equal to it; a list left empty is dropped entirely.
func FilterDoc(doc types.SectionDoc) types.SectionDoc {
	filtered := types.SectionDoc{}
	for field, value := range doc {
		switch v := value.(type) {
		case string:
			if !isSentinel(v) {
				filtered[field] = v
			}
		case []string:
			var kept []string
			for _, item := range v {
				if !isSentinel(item) {
					kept = append(kept, item)
				}
			}
			if len(kept) > 0 {
				filtered[field] = kept
			}
		default:
			// Normalization only emits string and []string values.
		}
	}
	return filtered
}

func isSentinel(value string) bool {
	return strings.EqualFold(strings.TrimSpace(value), InsufficientData)
}
