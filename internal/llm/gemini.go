package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// geminiCompleter wraps the GenAI client.
type geminiCompleter struct {
	client *genai.Client
}

// NewGeminiCompleter creates the Gemini completion adapter.
func NewGeminiCompleter(ctx context.Context, apiKey string) (Completer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &geminiCompleter{client: client}, nil
}

func (c *geminiCompleter) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if opts.Model == "" {
		return "", fmt.Errorf("model name cannot be empty")
	}

	config := &genai.GenerateContentConfig{}
	if opts.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, opts.Model, genai.Text(prompt), config)
	if err != nil {
		return "", fmt.Errorf("failed to call completion API: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("empty completion response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("completion response missing text")
	}
	return sb.String(), nil
}
