package recognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/audio"
	"github.com/lexiqai/duplex-voice/internal/event"
	"github.com/lexiqai/duplex-voice/internal/observability"
	"github.com/lexiqai/duplex-voice/internal/resilience"
)

// DeepgramConfig holds Deepgram streaming settings
type DeepgramConfig struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	PreRollBytes   int // Audio held while the stream is connecting
	Reconnect      *resilience.ReconnectConfig
	Breaker        *resilience.CircuitBreaker
	UtteranceEndMs string
}

// AudioSource opens a dedicated input stream for the recognizer
type AudioSource interface {
	Open() audio.Stream
}

// AudioSourceFunc adapts a function to AudioSource
type AudioSourceFunc func() audio.Stream

// Open implements AudioSource
func (f AudioSourceFunc) Open() audio.Stream { return f() }

// streamCallback implements the LiveMessageCallback interface.
// It embeds the default handler and overrides the events the engine reports.
type streamCallback struct {
	*websocketv1api.DefaultCallbackHandler
	session *deepgramSession
}

// Message forwards transcripts
func (c *streamCallback) Message(msg *msginterfaces.MessageResponse) error {
	c.session.handleMessage(msg)
	return nil
}

// SpeechStarted forwards the provider's voice activity signal
func (c *streamCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.session.post(SpeechStarted{})
	return nil
}

// UtteranceEnd is logged only; finals carry the transcript
func (c *streamCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.session.logger.Debug().Msg("Deepgram utterance end")
	return nil
}

// Close reports the end of the stream
func (c *streamCallback) Close(*msginterfaces.CloseResponse) error {
	c.session.finish(nil)
	return nil
}

// Error reports a stream failure
func (c *streamCallback) Error(errorResponse *msginterfaces.ErrorResponse) error {
	c.session.finish(classifyDeepgramError(fmt.Sprintf("%+v", errorResponse)))
	return nil
}

// DeepgramEngine implements Engine on Deepgram's live transcription API
type DeepgramEngine struct {
	config DeepgramConfig
	source AudioSource
	logger zerolog.Logger

	mu      sync.Mutex
	current *deepgramSession
}

// NewDeepgramEngine creates a Deepgram streaming engine fed from source
func NewDeepgramEngine(cfg DeepgramConfig, source AudioSource, logger zerolog.Logger) *DeepgramEngine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.PreRollBytes <= 0 {
		cfg.PreRollBytes = cfg.SampleRate * 2 * 2 // two seconds of PCM16
	}
	if cfg.UtteranceEndMs == "" {
		cfg.UtteranceEndMs = "1000"
	}
	return &DeepgramEngine{
		config: cfg,
		source: source,
		logger: logger.With().Str("component", "deepgram").Logger(),
	}
}

// Start opens a new live transcription stream
func (d *DeepgramEngine) Start(emit func(event.Event)) error {
	if d.config.APIKey == "" || d.source == nil {
		return ErrUnsupported
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current != nil && d.current.alive() {
		return ErrAlreadyStarted
	}

	input := d.source.Open()
	if input == nil {
		return fmt.Errorf("%w: no microphone input", ErrPermissionDenied)
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &deepgramSession{
		engine:  d,
		emit:    emit,
		input:   input,
		ctx:     ctx,
		cancel:  cancel,
		pending: audio.NewRingBuffer(d.config.PreRollBytes),
		logger:  d.logger,
	}
	d.current = session

	go session.connect()
	go session.pump()

	return nil
}

// Stop closes the current stream without reporting Ended
func (d *DeepgramEngine) Stop() {
	d.mu.Lock()
	session := d.current
	d.current = nil
	d.mu.Unlock()

	if session != nil {
		session.shutdown()
	}
}

// deepgramSession is one live stream. Events stop flowing once it is closed.
type deepgramSession struct {
	engine *DeepgramEngine
	emit   func(event.Event)
	input  audio.Stream
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	closed atomic.Bool

	mu      sync.Mutex // guards client and pending
	client  *listenClient.WSCallback
	pending *audio.RingBuffer
}

func (s *deepgramSession) alive() bool {
	return !s.closed.Load()
}

func (s *deepgramSession) post(ev event.Event) {
	if !s.closed.Load() {
		s.emit(ev)
	}
}

// connect dials Deepgram with backoff, then flushes buffered audio
func (s *deepgramSession) connect() {
	cfg := s.engine.config
	options := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       cfg.Language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: cfg.UtteranceEndMs,
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     cfg.SampleRate,
	}

	dial := func(ctx context.Context) error {
		client, err := listenClient.NewWSUsingCallback(ctx, cfg.APIKey, nil, options, &streamCallback{
			DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
			session:                s,
		})
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return errors.New("failed to connect to Deepgram")
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed.Load() {
			go client.Finish()
			return nil
		}
		s.client = client
		if buffered := s.pending.Drain(); len(buffered) > 0 {
			if _, err := client.Write(buffered); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to flush buffered audio")
			}
			observability.RecordAudioBytes("in", len(buffered))
		}
		if dropped := s.pending.Dropped(); dropped > 0 {
			s.logger.Debug().Int64("dropped_bytes", dropped).Msg("Audio dropped while connecting")
		}
		return nil
	}

	if cfg.Breaker != nil {
		guarded := dial
		dial = func(ctx context.Context) error {
			err := cfg.Breaker.Call(func() error { return guarded(ctx) })
			if err != nil {
				observability.IncrementCircuitBreakerFailures(cfg.Breaker.Name())
			}
			return err
		}
	}

	if err := resilience.Reconnect(s.ctx, dial, cfg.Reconnect, s.logger); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Msg("Deepgram stream could not be opened")
		s.finish(err)
		return
	}

	s.logger.Info().
		Str("model", cfg.Model).
		Str("language", cfg.Language).
		Msg("Deepgram streaming started")
}

// pump moves microphone frames to Deepgram, buffering while disconnected
func (s *deepgramSession) pump() {
	frames := s.input.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				s.finish(fmt.Errorf("%w: microphone closed", ErrAborted))
				return
			}
			s.send(audio.SamplesToBytes(frame))
		}
	}
}

func (s *deepgramSession) send(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return
	}
	if s.client == nil {
		s.pending.Write(data)
		return
	}
	if _, err := s.client.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Deepgram write failed, buffering")
		s.pending.Write(data)
		return
	}
	observability.RecordAudioBytes("in", len(data))
}

func (s *deepgramSession) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	transcript := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	if transcript == "" {
		return
	}
	s.post(Result{Text: transcript, Final: msg.IsFinal})
}

// finish closes the session and reports its outcome once.
// A nil cause reports Ended.
func (s *deepgramSession) finish(cause error) {
	if !s.close() {
		return
	}
	if cause != nil {
		s.emit(Failed{Err: cause})
	} else {
		s.emit(Ended{})
	}
}

// shutdown closes the session without reporting anything
func (s *deepgramSession) shutdown() {
	if s.close() {
		s.logger.Info().Msg("Deepgram streaming stopped")
	}
}

// close releases the connection and the input stream. It returns false if
// the session was already closed.
func (s *deepgramSession) close() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.cancel()

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	// Finish may call back into the session, so never block the caller on it
	if client != nil {
		go client.Finish()
	}
	if err := s.input.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Error closing recognizer input")
	}
	return true
}

// classifyDeepgramError maps a provider error description to the engine's error kinds
func classifyDeepgramError(description string) error {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "401"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid credentials"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, description)
	case strings.Contains(lower, "403"), strings.Contains(lower, "forbidden"), strings.Contains(lower, "insufficient permissions"):
		return fmt.Errorf("%w: %s", ErrServiceNotAllowed, description)
	default:
		return fmt.Errorf("deepgram stream error: %s", description)
	}
}
