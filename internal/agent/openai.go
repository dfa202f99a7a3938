package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lexiqai/duplex-voice/internal/resilience"
)

// OpenAIConfig holds OpenAI settings
type OpenAIConfig struct {
	APIKey       string
	Model        string
	BaseURL      string // Empty uses the public API
	Generation   GenerationConfig
	Instructions string
}

// OpenAI is an Agent backed by the OpenAI chat completions API
type OpenAI struct {
	client *openai.Client
	config OpenAIConfig
	logger zerolog.Logger
}

// NewOpenAI creates an OpenAI agent
func NewOpenAI(cfg OpenAIConfig, logger zerolog.Logger) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
		logger: logger.With().Str("component", "openai").Str("model", cfg.Model).Logger(),
	}
}

// Name implements Agent
func (o *OpenAI) Name() string { return "openai" }

// NewChat implements Agent. The chat keeps its own history.
func (o *OpenAI) NewChat(ctx context.Context) (Chat, error) {
	chat := &openaiChat{agent: o}
	if o.config.Instructions != "" {
		chat.history = append(chat.history, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.config.Instructions,
		})
	}
	return chat, nil
}

type openaiChat struct {
	agent *OpenAI

	mu      sync.Mutex
	history []openai.ChatCompletionMessage
}

func (c *openaiChat) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := append(c.history[:len(c.history):len(c.history)], openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	resp, err := c.agent.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.agent.config.Model,
		Messages:    messages,
		Temperature: c.agent.config.Generation.Temperature,
		TopP:        c.agent.config.Generation.TopP,
		MaxTokens:   c.agent.config.Generation.MaxOutputTokens,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}

	// Only completed turns enter the history
	c.history = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply,
	})
	c.agent.logger.Debug().Int("chars", len(reply)).Int("turns", len(c.history)).Msg("OpenAI reply")
	return reply, nil
}

// classifyOpenAIError marks rate limits and server errors as retryable
func classifyOpenAIError(err error) error {
	wrapped := fmt.Errorf("openai request failed: %w", err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return resilience.NewRetryableError(wrapped)
		}
		return wrapped
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && (reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500) {
		return resilience.NewRetryableError(wrapped)
	}
	return wrapped
}
