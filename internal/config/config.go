package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Common holds settings shared by both binaries
type Common struct {
	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds
}

// BreakerResetTimeout returns the circuit breaker reset timeout
func (c *Common) BreakerResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// Voice holds configuration for the voice front end
type Voice struct {
	Common

	// Backend conversation endpoint
	BackendURL        string `envconfig:"BACKEND_URL" default:"ws://localhost:8080/ws"`
	BackendHealthAddr string `envconfig:"BACKEND_HEALTH_ADDR" default:""` // gRPC health address; empty skips the probe
	ConversationMode  string `envconfig:"CONVERSATION_MODE" default:"voice"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`

	// Cartesia TTS API configuration
	CartesiaAPIKey       string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID      string `envconfig:"CARTESIA_VOICE_ID" default:""` // Fallback voice when no preference matches
	CartesiaModelID      string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	VoicePreferencesFile string `envconfig:"VOICE_PREFERENCES_FILE" default:""` // YAML voice preference list

	// Audio device configuration
	InputSampleRate  int `envconfig:"INPUT_SAMPLE_RATE" default:"16000"`
	OutputSampleRate int `envconfig:"OUTPUT_SAMPLE_RATE" default:"24000"`
	FramesPerBuffer  int `envconfig:"FRAMES_PER_BUFFER" default:"320"` // 20ms at 16kHz
	AudioBufferSize  int `envconfig:"AUDIO_BUFFER_SIZE" default:"64000"` // Bytes held while the recognizer reconnects

	// Sound-level monitor
	SoundThreshold    float64 `envconfig:"SOUND_THRESHOLD" default:"500.0"` // Rolling RMS threshold
	SoundWindowFrames int     `envconfig:"SOUND_WINDOW_FRAMES" default:"5"`
	SoundHoldMs       int     `envconfig:"SOUND_HOLD_MS" default:"1000"`

	// Turn-taking timing
	MinTranscriptLength int           `envconfig:"MIN_TRANSCRIPT_LENGTH" default:"3"`
	RestartDelayMs      int           `envconfig:"RESTART_DELAY_MS" default:"100"`
	RestartRetryDelayMs int           `envconfig:"RESTART_RETRY_DELAY_MS" default:"200"`
	ErrorRestartDelayMs int           `envconfig:"ERROR_RESTART_DELAY_MS" default:"500"`
	GreetingDelayMs     int           `envconfig:"GREETING_DELAY_MS" default:"300"`
	ResumeDelayMs       int           `envconfig:"RESUME_DELAY_MS" default:"200"`
	ReplyTimeout        time.Duration `envconfig:"REPLY_TIMEOUT" default:"30s"`
	SuspendTimeout      time.Duration `envconfig:"SUSPEND_TIMEOUT" default:"60s"`
}

// Server holds configuration for the conversational backend
type Server struct {
	Common

	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"50051"`

	// Language model configuration
	AgentProvider      string `envconfig:"AGENT_PROVIDER" default:"gemini"` // gemini or openai
	GeminiAPIKey       string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel        string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	OpenAIAPIKey       string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel        string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	AssistantName      string `envconfig:"ASSISTANT_NAME" default:"Lexi"`
	SystemInstructions string `envconfig:"SYSTEM_INSTRUCTIONS" default:""`
	AgentTimeout       int    `envconfig:"AGENT_TIMEOUT" default:"30"` // seconds
}

// LoadVoice reads voice front end configuration from the environment.
// It first attempts to load a .env file if one exists.
func LoadVoice() (*Voice, error) {
	_ = godotenv.Load()

	var cfg Voice
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required voice settings
func (c *Voice) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if c.ConversationMode != "voice" && c.ConversationMode != "text" {
		return fmt.Errorf("CONVERSATION_MODE must be voice or text, got %q", c.ConversationMode)
	}
	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	return nil
}

// RestartDelay returns the delay before restarting an ended capture stream
func (c *Voice) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMs) * time.Millisecond
}

// RestartRetryDelay returns the delay before retrying a failed restart
func (c *Voice) RestartRetryDelay() time.Duration {
	return time.Duration(c.RestartRetryDelayMs) * time.Millisecond
}

// ErrorRestartDelay returns the delay before restarting after a capture error
func (c *Voice) ErrorRestartDelay() time.Duration {
	return time.Duration(c.ErrorRestartDelayMs) * time.Millisecond
}

// GreetingDelay returns the pause before speaking the greeting
func (c *Voice) GreetingDelay() time.Duration {
	return time.Duration(c.GreetingDelayMs) * time.Millisecond
}

// ResumeDelay returns the pause before capture resumes
func (c *Voice) ResumeDelay() time.Duration {
	return time.Duration(c.ResumeDelayMs) * time.Millisecond
}

// SoundHold returns the sound monitor hold-down window
func (c *Voice) SoundHold() time.Duration {
	return time.Duration(c.SoundHoldMs) * time.Millisecond
}

// LoadServer reads backend configuration from the environment.
// It first attempts to load a .env file if one exists.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required server settings
func (c *Server) Validate() error {
	switch c.AgentProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required")
		}
	default:
		return fmt.Errorf("AGENT_PROVIDER must be gemini or openai, got %q", c.AgentProvider)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
