package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/observability"
	"github.com/lexiqai/duplex-voice/internal/resilience"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2024-06-10"
)

// Player plays raw PCM16 audio
type Player interface {
	Play(ctx context.Context, pcm []byte, sampleRate int) error
}

// CartesiaConfig holds Cartesia TTS settings
type CartesiaConfig struct {
	APIKey     string
	ModelID    string
	VoiceID    string // Used when the utterance carries no voice
	Language   string
	SampleRate int
	BaseURL    string
	Breaker    *resilience.CircuitBreaker
	Retry      *resilience.RetryConfig
}

// CartesiaEngine implements Engine with Cartesia's HTTP TTS API and a local player
type CartesiaEngine struct {
	config     CartesiaConfig
	player     Player
	httpClient *http.Client
	logger     zerolog.Logger
}

// cartesiaRequest is the /tts/bytes payload
type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaVoice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewCartesiaEngine creates a Cartesia engine that plays through player
func NewCartesiaEngine(cfg CartesiaConfig, player Player, logger zerolog.Logger) *CartesiaEngine {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cartesiaBaseURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic"
	}
	return &CartesiaEngine{
		config:     cfg,
		player:     player,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "cartesia").Logger(),
	}
}

// Voices lists the voices available to the account
func (c *CartesiaEngine) Voices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cartesia API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read voices: %w", err)
	}

	// The endpoint has returned both a bare array and a paginated object
	var list []cartesiaVoice
	if err := json.Unmarshal(body, &list); err != nil {
		var page struct {
			Data []cartesiaVoice `json:"data"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode voices: %w", err)
		}
		list = page.Data
	}

	voices := make([]Voice, 0, len(list))
	for _, v := range list {
		voices = append(voices, Voice{ID: v.ID, Name: v.Name})
	}
	return voices, nil
}

// Speak renders the utterance and plays it
func (c *CartesiaEngine) Speak(ctx context.Context, u Utterance, started func()) error {
	voiceID := u.Voice.ID
	if voiceID == "" {
		voiceID = c.config.VoiceID
	}
	if voiceID == "" {
		return errors.New("no voice configured")
	}
	if strings.TrimSpace(u.Text) == "" {
		return nil
	}

	pcm, err := c.synthesize(ctx, u.Text, voiceID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	observability.RecordAudioBytes("out", len(pcm))
	if started != nil {
		started()
	}
	return c.player.Play(ctx, pcm, c.config.SampleRate)
}

// synthesize fetches PCM audio for text with circuit breaker and retry protection
func (c *CartesiaEngine) synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	payload, err := json.Marshal(cartesiaRequest{
		ModelID:    c.config.ModelID,
		Transcript: text,
		Voice:      cartesiaVoiceSpec{Mode: "id", ID: voiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.config.SampleRate,
		},
		Language: c.config.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var pcm []byte
	attempt := func(ctx context.Context) error {
		data, err := c.post(ctx, payload)
		if err != nil {
			return err
		}
		pcm = data
		return nil
	}

	call := attempt
	if c.config.Breaker != nil {
		breaker := c.config.Breaker
		call = func(ctx context.Context) error {
			err := breaker.Call(func() error { return attempt(ctx) })
			if err != nil && !errors.Is(err, context.Canceled) {
				observability.IncrementCircuitBreakerFailures(breaker.Name())
			}
			return err
		}
	}

	if err := resilience.Retry(ctx, call, c.config.Retry, resilience.IsRetryableNetworkError); err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, errors.New("cartesia returned empty audio")
	}
	return pcm, nil
}

func (c *CartesiaEngine) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/tts/bytes", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading Cartesia audio response: %w", err)
	}
	return data, nil
}

func (c *CartesiaEngine) setHeaders(req *http.Request) {
	req.Header.Set("X-API-Key", c.config.APIKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
}
