package backend

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/agent"
	"github.com/lexiqai/duplex-voice/internal/gateway"
	"github.com/lexiqai/duplex-voice/internal/observability"
	"github.com/lexiqai/duplex-voice/internal/resilience"
)

const requestQueueSize = 16

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local front ends connect from any origin
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandlerConfig holds backend conversation settings
type HandlerConfig struct {
	AssistantName string
	Timeout       time.Duration // Per agent request
	Breaker       *resilience.CircuitBreaker
	Retry         *resilience.RetryConfig
}

// Handler serves the conversation WebSocket. Each connection owns at most
// one chat, discarded when the connection closes.
type Handler struct {
	agent  agent.Agent
	config HandlerConfig
	now    func() time.Time
	logger zerolog.Logger
}

// NewHandler creates a conversation handler backed by the given agent
func NewHandler(a agent.Agent, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Lexi"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Handler{
		agent:  a,
		config: cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "backend").Str("agent", a.Name()).Logger(),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	id := uuid.New().String()
	c := &connection{
		handler: h,
		ws:      ws,
		id:      id,
		logger: h.logger.With().
			Str("connection_id", id).
			Str("correlation_id", observability.NewCorrelationID()).
			Logger(),
		requests: make(chan gateway.Envelope, requestQueueSize),
		metrics:  observability.NewSessionMetrics(id),
	}
	c.serve(r.Context())
}

// connection is one client. Reads and agent calls run on separate
// goroutines so a slow model never stalls disconnect detection.
type connection struct {
	handler *Handler
	ws      *websocket.Conn
	id      string
	logger  zerolog.Logger
	metrics *observability.Metrics

	requests chan gateway.Envelope
	writeMu  sync.Mutex
	chat     agent.Chat // owned by the worker goroutine
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.ws.Close()

	c.metrics.RecordSessionStart()
	defer c.metrics.RecordSessionEnd()
	c.logger.Info().Msg("Client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.work(ctx)
	}()

	c.read()
	cancel()
	<-done
	c.logger.Info().Msg("Client disconnected")
}

func (c *connection) read() {
	defer close(c.requests)

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		env, err := gateway.Decode(frame)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to parse client message")
			continue
		}

		select {
		case c.requests <- env:
		default:
			c.logger.Warn().Str("event", env.Event).Msg("Request queue full, dropping message")
			c.sendError("Server busy, message dropped")
		}
	}
}

func (c *connection) work(ctx context.Context) {
	for env := range c.requests {
		if ctx.Err() != nil {
			continue
		}
		start := time.Now()
		ok := c.dispatch(ctx, env)
		observability.RecordBackendRequest(env.Event, ok, time.Since(start))
	}
}

func (c *connection) dispatch(ctx context.Context, env gateway.Envelope) bool {
	switch env.Event {
	case gateway.EventInitializeChat:
		return c.initializeChat(ctx, env)
	case gateway.EventTextMessage:
		return c.textMessage(ctx, env)
	case gateway.EventVoiceGreeting:
		return c.voiceGreeting(ctx)
	default:
		c.logger.Warn().Str("event", env.Event).Msg("Unknown client event")
		return false
	}
}

func (c *connection) initializeChat(ctx context.Context, env gateway.Envelope) bool {
	mode := "voice"
	if len(env.Data) > 0 {
		if err := env.DecodeData(&mode); err != nil {
			c.sendError("Failed to initialize chat: " + err.Error())
			return false
		}
	}

	if err := c.newChat(ctx); err != nil {
		c.sendError("Failed to initialize chat: " + err.Error())
		return false
	}
	c.logger.Info().Str("mode", mode).Msg("Chat initialized")

	greeting := WelcomeMessage(c.handler.now(), c.handler.config.AssistantName, mode)
	return c.send(gateway.EventChatInitialized, gateway.ChatInitialized{Greeting: &greeting, Mode: mode})
}

func (c *connection) textMessage(ctx context.Context, env gateway.Envelope) bool {
	if c.chat == nil {
		c.sendError("No active conversation")
		return false
	}

	var text string
	if err := env.DecodeData(&text); err != nil {
		c.sendError("Failed to process text message: " + err.Error())
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.sendError("Failed to process text message: empty message")
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.handler.config.Timeout)
	defer cancel()

	c.logger.Debug().Str("text", text).Msg("Processing text message")
	reply, err := c.chat.Send(reqCtx, text)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error().Err(err).Msg("Agent request failed")
		c.metrics.RecordError("agent", c.handler.agent.Name())
		c.sendError("Failed to process text message: " + err.Error())
		return false
	}

	return c.send(gateway.EventAIResponse, gateway.AIResponse{Text: reply})
}

// voiceGreeting starts a fresh voice chat and sends the greeting as a reply
func (c *connection) voiceGreeting(ctx context.Context) bool {
	if err := c.newChat(ctx); err != nil {
		c.sendError("Failed to send greeting: " + err.Error())
		return false
	}
	greeting := WelcomeMessage(c.handler.now(), c.handler.config.AssistantName, "voice")
	return c.send(gateway.EventAIResponse, gateway.AIResponse{Text: greeting})
}

func (c *connection) newChat(ctx context.Context) error {
	chat, err := c.handler.agent.NewChat(ctx)
	if err != nil {
		return err
	}
	c.chat = agent.Guard(chat, c.handler.config.Breaker, c.handler.config.Retry)
	return nil
}

func (c *connection) sendError(message string) {
	c.send(gateway.EventError, message)
}

func (c *connection) send(eventName string, data interface{}) bool {
	frame, err := gateway.Encode(eventName, data)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode message")
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn().Err(err).Str("event", eventName).Msg("Failed to send message")
		return false
	}
	return eventName != gateway.EventError
}
