// Package llm provides the text-completion capability behind the synthesis
// and quality-judging steps, with one adapter per provider.
package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/soulprintlabs/soulprint/internal/types"
)

// Options control a single completion call.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completer is the opaque text-completion contract.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

const (
	defaultAttempts    = 3
	defaultBaseDelay   = time.Second
	defaultCallTimeout = 2 * time.Minute
)

// retryingCompleter retries transient provider failures with exponential
// backoff and bounds each attempt with a timeout so a stalled provider
// cannot hang a worker.
type retryingCompleter struct {
	inner       Completer
	log         *slog.Logger
	attempts    int
	baseDelay   time.Duration
	callTimeout time.Duration
}

// WithRetry wraps a Completer with bounded retries. Exhausted retries
// surface as a *types.ProviderError.
func WithRetry(inner Completer, log *slog.Logger) Completer {
	return &retryingCompleter{
		inner:       inner,
		log:         log.With("component", "llm"),
		attempts:    defaultAttempts,
		baseDelay:   defaultBaseDelay,
		callTimeout: defaultCallTimeout,
	}
}

func (r *retryingCompleter) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	var lastErr error
	delay := r.baseDelay
	for attempt := 1; attempt <= r.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		text, err := r.inner.Complete(callCtx, prompt, opts)
		cancel()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < r.attempts {
			r.log.Warn("completion attempt failed, retrying", "attempt", attempt, "model", opts.Model, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", &types.ProviderError{Kind: types.ProviderCompletion, Err: ctx.Err()}
			}
			delay *= 2
		}
	}
	return "", &types.ProviderError{Kind: types.ProviderCompletion, Err: lastErr}
}
