// Package llm wraps the chat-completion backend used by the pipeline steps.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrEmptyCompletion is returned when the model produced no content.
var ErrEmptyCompletion = errors.New("model returned no content")

// Completer produces one completion for a system + user prompt pair.
// Implementations must abort the call when ctx is cancelled.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Options configures an OpenAIClient.
type Options struct {
	APIKey      string
	BaseURL     string // empty for api.openai.com; set for compatible gateways
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAIClient implements Completer against an OpenAI-compatible API.
type OpenAIClient struct {
	client *openai.Client
	opts   Options
}

// NewOpenAIClient creates a client. The API key is required.
func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required (set llm.api_key or QUERYCAST_LLM_API_KEY)")
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
		slog.Warn("llm model not set, defaulting", "model", opts.Model)
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}

	slog.Info("initializing llm client", "model", opts.Model, "base_url", cfg.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
	}, nil
}

// Complete implements Completer.
func (c *OpenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.opts.Temperature,
	}
	if c.opts.MaxTokens > 0 {
		req.MaxCompletionTokens = c.opts.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}

	slog.Debug("llm completion received",
		"model", c.opts.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens)

	return resp.Choices[0].Message.Content, nil
}
