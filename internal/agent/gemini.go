package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// GeminiConfig holds Gemini settings
type GeminiConfig struct {
	APIKey       string
	Model        string
	BaseURL      string // Empty uses the public endpoint
	Generation   GenerationConfig
	Instructions string
}

// Gemini is an Agent backed by the Gemini API
type Gemini struct {
	client *genai.Client
	config GeminiConfig
	logger zerolog.Logger
}

// NewGemini creates a Gemini agent
func NewGemini(ctx context.Context, cfg GeminiConfig, logger zerolog.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "gemini").Str("model", cfg.Model).Logger(),
	}, nil
}

// Name implements Agent
func (g *Gemini) Name() string { return "gemini" }

// NewChat implements Agent
func (g *Gemini) NewChat(ctx context.Context) (Chat, error) {
	chat, err := g.client.Chats.Create(ctx, g.config.Model, g.contentConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return &geminiChat{chat: chat, logger: g.logger}, nil
}

func (g *Gemini) contentConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.config.Generation.Temperature),
		TopP:            genai.Ptr(g.config.Generation.TopP),
		TopK:            genai.Ptr(float32(g.config.Generation.TopK)),
		MaxOutputTokens: int32(g.config.Generation.MaxOutputTokens),
	}
	if g.config.Instructions != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.config.Instructions, genai.RoleUser)
	}
	return cfg
}

type geminiChat struct {
	chat   *genai.Chat
	logger zerolog.Logger
}

func (c *geminiChat) Send(ctx context.Context, text string) (string, error) {
	res, err := c.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	reply := strings.TrimSpace(res.Text())
	if reply == "" {
		return "", ErrEmptyReply
	}
	c.logger.Debug().Int("chars", len(reply)).Msg("Gemini reply")
	return reply, nil
}
