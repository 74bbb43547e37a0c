// Package openai adapts the OpenAI-compatible chat completion API to the
// gateway's provider contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/domain"
)

// Completer invokes chat completions against an OpenAI-compatible API.
type Completer struct {
	client  *openai.Client
	model   string
	// modelFree routes non-pro tiers to a cheaper model to control cost.
	modelFree string
	timeout   time.Duration
	logger    *zap.Logger
}

// Config holds the completion provider settings.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	ModelFree string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// NewCompleter creates an OpenAI-compatible completion provider.
func NewCompleter(cfg *Config) *Completer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	modelFree := cfg.ModelFree
	if modelFree == "" {
		modelFree = cfg.Model
	}

	return &Completer{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		modelFree: modelFree,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// Complete performs one chat completion with a hard output-token ceiling.
// The per-call deadline is the provider timeout or the caller's context,
// whichever expires first.
func (c *Completer) Complete(
	ctx context.Context, tier string, system, prompt string, maxTokens int,
) (domain.ProviderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.modelFor(tier),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: maxTokens,
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	duration := time.Since(start)

	if err != nil {
		return domain.ProviderResult{}, c.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return domain.ProviderResult{}, fmt.Errorf("empty completion response: %w", domain.ErrProvider)
	}

	c.logger.Debug("Completion finished",
		zap.String("model", req.Model),
		zap.Duration("duration", duration),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return domain.ProviderResult{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (c *Completer) modelFor(tier string) string {
	if tier == "pro" {
		return c.model
	}
	return c.modelFree
}

// mapError folds provider errors into the gateway taxonomy. Provider
// error text never escapes to callers unmapped.
func (c *Completer) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("completion deadline: %w", domain.ErrTimeout)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("completion API error %d: %w", reqErr.HTTPStatusCode, domain.ErrProvider)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("completion API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, domain.ErrProvider)
	}

	return fmt.Errorf("completion request failed: %w", domain.ErrProvider)
}
