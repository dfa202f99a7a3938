package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/conversation"
	"github.com/lexiqai/duplex-voice/internal/event"
	"github.com/lexiqai/duplex-voice/internal/observability"
	"github.com/lexiqai/duplex-voice/internal/resilience"
)

// ErrNotConnected is returned when sending while the connection is down
var ErrNotConnected = errors.New("gateway: not connected")

// ClientConfig holds backend connection settings
type ClientConfig struct {
	URL          string
	Reconnect    *resilience.ReconnectConfig
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

// Client talks to the conversational backend over a WebSocket. It
// implements conversation.Gateway and posts the backend's events to sink.
type Client struct {
	config ClientConfig
	sink   event.Sink
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu     sync.Mutex // guards conn and serializes writes
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a backend client. Call Connect before use.
func NewClient(cfg ClientConfig, sink event.Sink, logger zerolog.Logger) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: cfg,
		sink:   sink,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: logger.With().Str("component", "gateway").Str("url", cfg.URL).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the backend, retrying with backoff, and starts reading
func (c *Client) Connect(ctx context.Context) error {
	return resilience.Reconnect(ctx, c.dial, c.config.Reconnect, c.logger)
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial backend: %w", err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return c.ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().Msg("Connected to backend")
	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Connected reports whether a connection is up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// InitializeConversation implements conversation.Gateway
func (c *Client) InitializeConversation(mode string) error {
	return c.send(EventInitializeChat, mode)
}

// SubmitUtterance implements conversation.Gateway
func (c *Client) SubmitUtterance(text string) error {
	return c.send(EventTextMessage, text)
}

func (c *Client) send(eventName string, data interface{}) error {
	frame, err := Encode(eventName, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		observability.RecordError("send_failed", "gateway")
		return fmt.Errorf("failed to send %s: %w", eventName, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(conn, err)
			return
		}

		env, err := Decode(frame)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to parse backend message")
			continue
		}

		if ev := c.translate(env); ev != nil {
			c.sink.Post(ev)
		}
	}
}

// translate maps a backend frame to a conversation event
func (c *Client) translate(env Envelope) event.Event {
	switch env.Event {
	case EventChatInitialized:
		var data ChatInitialized
		if err := env.DecodeData(&data); err != nil {
			c.logger.Error().Err(err).Msg("Invalid chatInitialized")
			return conversation.BackendError{Message: err.Error()}
		}
		ready := conversation.ConversationReady{}
		if data.Greeting != nil {
			ready.Greeting = *data.Greeting
		}
		return ready

	case EventAIResponse:
		var data AIResponse
		if err := env.DecodeData(&data); err != nil {
			c.logger.Error().Err(err).Msg("Invalid aiResponse")
			return conversation.BackendError{Message: err.Error()}
		}
		return conversation.AgentReply{Text: data.Text}

	case EventError:
		var message string
		if err := env.DecodeData(&message); err != nil {
			message = "unknown backend error"
		}
		return conversation.BackendError{Message: message}

	default:
		c.logger.Warn().Str("event", env.Event).Msg("Unknown backend event")
		return nil
	}
}

// dropConnection forgets a dead connection, tells the session, and
// reconnects in the background unless the client is closing
func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closing := c.ctx.Err() != nil
	c.mu.Unlock()
	conn.Close()

	if closing {
		return
	}

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn().Err(cause).Msg("Backend connection lost")
	} else {
		c.logger.Info().Err(cause).Msg("Backend connection closed")
	}
	c.sink.Post(conversation.Disconnected{Err: cause})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := resilience.Reconnect(c.ctx, c.dial, c.config.Reconnect, c.logger); err != nil && c.ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("Giving up on backend connection")
		}
	}()
}

// Close shuts the connection and stops reconnecting
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}
