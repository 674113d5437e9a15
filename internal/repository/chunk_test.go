package repository

import (
	"reflect"
	"strings"
	"testing"
)

func TestKeywordTermsKeepsContentWords(t *testing.T) {
	got := keywordTerms("how do I plan the ferry trip to orcas island")
	want := []string{"plan", "ferry", "trip", "orcas", "island"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("keywordTerms = %v, want %v", got, want)
	}

	if got := keywordTerms("is it ok"); got != nil {
		t.Fatalf("expected no terms for short-word query, got %v", got)
	}

	long := strings.Repeat("planting ", 12)
	if got := keywordTerms(long); len(got) != maxKeywordTerms {
		t.Fatalf("expected cap of %d terms, got %d", maxKeywordTerms, len(got))
	}
}
