package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// openaiCompleter wraps the OpenAI chat completions client.
type openaiCompleter struct {
	client *openai.Client
}

// NewOpenAICompleter creates the OpenAI completion adapter.
func NewOpenAICompleter(apiKey string) (Completer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &openaiCompleter{client: &client}, nil
}

func (c *openaiCompleter) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if opts.Model == "" {
		return "", fmt.Errorf("model name cannot be empty")
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(opts.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to call completion API: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
