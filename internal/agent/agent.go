package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lexiqai/duplex-voice/internal/observability"
	"github.com/lexiqai/duplex-voice/internal/resilience"
)

// ErrEmptyReply is returned when the model produced no text
var ErrEmptyReply = errors.New("agent: empty reply")

// Chat is one multi-turn conversation with a language model
type Chat interface {
	Send(ctx context.Context, text string) (string, error)
}

// Agent starts chats
type Agent interface {
	Name() string
	NewChat(ctx context.Context) (Chat, error)
}

// GenerationConfig holds sampling parameters shared by all providers
type GenerationConfig struct {
	Temperature     float32
	TopK            int
	TopP            float32
	MaxOutputTokens int
}

// DefaultGenerationConfig returns the conversational defaults
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:     0.7,
		TopK:            40,
		TopP:            0.95,
		MaxOutputTokens: 1024,
	}
}

// Instructions returns the system instructions for an assistant. A
// non-empty custom text replaces the default.
func Instructions(assistantName, custom string) string {
	if strings.TrimSpace(custom) != "" {
		return custom
	}
	return fmt.Sprintf(`You are %s, a friendly voice assistant.
Your replies are spoken aloud, so keep them short and conversational and avoid lists, markdown or code.
If you are interrupted, answer the new question instead of finishing the old answer.
Stay on the topic the user raised and politely steer away from requests you cannot help with.`, assistantName)
}

// guardedChat protects a chat with a circuit breaker and retries
type guardedChat struct {
	chat    Chat
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

// Guard wraps chat with breaker and retry protection. Either may be nil.
func Guard(chat Chat, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig) Chat {
	return &guardedChat{chat: chat, breaker: breaker, retry: retry}
}

func (g *guardedChat) Send(ctx context.Context, text string) (string, error) {
	var reply string
	attempt := func(ctx context.Context) error {
		out, err := g.chat.Send(ctx, text)
		if err != nil {
			return err
		}
		reply = out
		return nil
	}

	call := attempt
	if g.breaker != nil {
		call = func(ctx context.Context) error {
			err := g.breaker.Call(func() error { return attempt(ctx) })
			observability.UpdateCircuitBreakerState(g.breaker.Name(), int(g.breaker.GetState()))
			if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
				observability.IncrementCircuitBreakerFailures(g.breaker.Name())
			}
			return err
		}
	}

	if err := resilience.Retry(ctx, call, g.retry, resilience.IsRetryableNetworkError); err != nil {
		return "", err
	}
	return reply, nil
}
