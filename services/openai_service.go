package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"lmschat/config"
	"lmschat/metrics"
	"lmschat/models"
)

// ChatCompleter is the part of the go-openai client the completion client uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// CompletionClient sends a bounded message list to the model provider with
// fixed generation parameters and retries transient failures with
// exponential backoff. It keeps no state between calls.
type CompletionClient struct {
	api         ChatCompleter
	model       string
	temperature float32
	maxTokens   int
	maxAttempts int
	baseDelay   time.Duration
	log         zerolog.Logger
}

// NewCompletionClient builds a client for the OpenAI API. It fails with
// ErrNotConfigured when no API key is set.
func NewCompletionClient(cfg config.OpenAIConfig, log zerolog.Logger) (*CompletionClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewCompletionClientWithAPI(openai.NewClientWithConfig(clientCfg), cfg, log), nil
}

func NewCompletionClientWithAPI(api ChatCompleter, cfg config.OpenAIConfig, log zerolog.Logger) *CompletionClient {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &CompletionClient{
		api:         api,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxAttempts: attempts,
		baseDelay:   cfg.BaseDelay,
		log:         log.With().Str("component", "completion").Logger(),
	}
}

// Complete returns the provider's completion text for turns. Invalid
// credentials and exhausted quota are returned without retrying; other
// failures are retried up to the attempt limit and the last error is returned.
func (c *CompletionClient) Complete(ctx context.Context, turns []models.ChatTurn) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAIMessages(turns),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	delay := c.baseDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		content, err := c.completeOnce(ctx, req)
		if err == nil {
			metrics.UpstreamAttempts.WithLabelValues("success").Inc()
			return content, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			metrics.UpstreamAttempts.WithLabelValues("fatal").Inc()
			return "", err
		}
		kind := Classify(err)
		if !kind.Retryable() {
			metrics.UpstreamAttempts.WithLabelValues("fatal").Inc()
			c.log.Warn().Err(err).Str("kind", kind.String()).Msg("completion failed, not retrying")
			return "", err
		}
		if attempt == c.maxAttempts {
			metrics.UpstreamAttempts.WithLabelValues("fatal").Inc()
			break
		}

		metrics.UpstreamAttempts.WithLabelValues("retry").Inc()
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("completion failed, retrying")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	c.log.Error().Err(lastErr).Int("attempts", c.maxAttempts).Msg("completion retries exhausted")
	return "", lastErr
}

func (c *CompletionClient) completeOnce(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoCompletion
	}
	c.log.Debug().Str("finish_reason", string(resp.Choices[0].FinishReason)).Msg("completion received")
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(turns []models.ChatTurn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}
	return out
}
