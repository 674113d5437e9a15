package types

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. Chunk- and section-scoped failures never fail a
// job; these sentinels classify the ones that do, so user-visible failures
// always carry a stable reason instead of a raw error string.
var (
	// ErrArchiveFormat means the upload could not be read as a known export.
	ErrArchiveFormat = errors.New("archive format not recognized")
	// ErrEmptyArchive means no valid messages were found in the upload.
	ErrEmptyArchive = errors.New("archive contains no messages")
	// ErrJobStalled is set by the recovery sweep on jobs stuck in processing.
	ErrJobStalled = errors.New("import job stalled")
	// ErrJobSuperseded marks work abandoned in favor of a newer upload.
	ErrJobSuperseded = errors.New("import job superseded by a newer upload")
	// ErrActiveJob rejects a new upload while one is in flight and
	// supersession is disabled.
	ErrActiveJob = errors.New("an import is already in progress")
)

// ProviderKind distinguishes the two external AI capabilities.
type ProviderKind string

const (
	ProviderCompletion ProviderKind = "completion"
	ProviderEmbedding  ProviderKind = "embedding"
)

// ProviderError wraps a transient failure from an external AI provider.
// Callers retry with backoff and then degrade: embedding failures leave
// chunks keyword-only, completion failures abort only the affected
// chunk or section.
type ProviderError struct {
	Kind ProviderKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// FailureReason maps a pipeline error to the stable, user-facing reason
// recorded on a failed job.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrArchiveFormat):
		return "We couldn't read this archive. Re-export your conversations and upload the new file."
	case errors.Is(err, ErrEmptyArchive):
		return "This archive contains no messages. Export an archive that includes your conversation history."
	case errors.Is(err, ErrJobStalled):
		return "The import stopped making progress. Retry the upload to start a new import."
	case errors.Is(err, ErrJobSuperseded):
		return "This import was replaced by a newer upload."
	default:
		var provErr *ProviderError
		if errors.As(err, &provErr) {
			return fmt.Sprintf("A required %s service was unavailable. Retry the upload in a few minutes.", provErr.Kind)
		}
		return "The import failed unexpectedly. Retry the upload to start a new import."
	}
}
