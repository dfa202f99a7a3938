package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/audio"
	"github.com/lexiqai/duplex-voice/internal/config"
	"github.com/lexiqai/duplex-voice/internal/conversation"
	"github.com/lexiqai/duplex-voice/internal/event"
	"github.com/lexiqai/duplex-voice/internal/gateway"
	"github.com/lexiqai/duplex-voice/internal/observability"
	"github.com/lexiqai/duplex-voice/internal/recognition"
	"github.com/lexiqai/duplex-voice/internal/resilience"
	"github.com/lexiqai/duplex-voice/internal/synthesis"
)

func main() {
	cfg, err := config.LoadVoice()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Voice front end stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Voice, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := event.NewLoop(nil)
	clock := event.SystemClock{}

	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	// Audio devices. Without them the session still runs and reports
	// capture or speech as unavailable.
	var (
		recognizer recognition.Engine
		synth      synthesis.Engine
		monitor    *audio.Monitor
	)
	if err := audio.Initialize(); err != nil {
		logger.Error().Err(err).Msg("Audio devices unavailable")
	} else {
		defer audio.Terminate(logger)

		mic := audio.NewMicrophone(cfg.InputSampleRate, cfg.FramesPerBuffer, logger)
		if err := mic.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Microphone unavailable")
		} else {
			defer mic.Close()

			recognizer = recognition.NewDeepgramEngine(recognition.DeepgramConfig{
				APIKey:       cfg.DeepgramAPIKey,
				Model:        cfg.DeepgramModel,
				Language:     cfg.DeepgramLanguage,
				SampleRate:   cfg.InputSampleRate,
				PreRollBytes: cfg.AudioBufferSize,
				Reconnect:    reconnect,
				Breaker:      newBreaker("deepgram", cfg, logger),
			}, recognition.AudioSourceFunc(func() audio.Stream {
				return mic.Tap("recognition")
			}), logger)

			// The monitor is best effort: interruptions still work through
			// recognition if it cannot start.
			monitor = audio.NewMonitor(&audio.LevelConfig{
				Threshold:    cfg.SoundThreshold,
				WindowFrames: cfg.SoundWindowFrames,
				HoldDown:     cfg.SoundHold(),
			}, loop, clock, logger)
			if err := monitor.Start(mic.Tap("monitor")); err != nil {
				logger.Warn().Err(err).Msg("Sound monitor unavailable")
			}
			defer monitor.Stop()
		}

		speaker := audio.NewSpeaker(cfg.OutputSampleRate, cfg.FramesPerBuffer, logger)
		synth = synthesis.NewCartesiaEngine(synthesis.CartesiaConfig{
			APIKey:     cfg.CartesiaAPIKey,
			ModelID:    cfg.CartesiaModelID,
			VoiceID:    cfg.CartesiaVoiceID,
			SampleRate: cfg.OutputSampleRate,
			Breaker:    newBreaker("cartesia", cfg, logger),
			Retry:      retry,
		}, speaker, logger)
	}

	policy := synthesis.DefaultVoicePolicy()
	if cfg.VoicePreferencesFile != "" {
		p, err := synthesis.LoadVoicePolicy(cfg.VoicePreferencesFile)
		if err != nil {
			return err
		}
		policy = p
	}
	speech := synthesis.NewController(synth, loop, policy, logger)
	if synth != nil {
		voicesCtx, voicesCancel := context.WithTimeout(ctx, 10*time.Second)
		_ = speech.LoadVoices(voicesCtx)
		voicesCancel()
	}

	if cfg.BackendHealthAddr != "" {
		checkCtx, checkCancel := context.WithTimeout(ctx, 5*time.Second)
		ok, err := gateway.CheckBackend(checkCtx, cfg.BackendHealthAddr)
		checkCancel()
		if !ok {
			logger.Warn().Err(err).Str("addr", cfg.BackendHealthAddr).Msg("Backend health check failed")
		}
	}

	client := gateway.NewClient(gateway.ClientConfig{
		URL:       cfg.BackendURL,
		Reconnect: reconnect,
	}, loop, logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to backend: %w", err)
	}
	defer client.Close()

	var session *conversation.Session
	capture := recognition.NewManager(recognizer, loop, clock,
		recognition.GateFunc(func() bool { return session.Interruptible() }),
		recognition.ManagerConfig{
			MinTranscriptLength: cfg.MinTranscriptLength,
			RestartDelay:        cfg.RestartDelay(),
			RetryDelay:          cfg.RestartRetryDelay(),
			ErrorRestartDelay:   cfg.ErrorRestartDelay(),
		}, logger)

	deps := conversation.Deps{
		Capture: capture,
		Speech:  speech,
		Gateway: client,
		Sink:    loop,
		Clock:   clock,
	}
	if monitor != nil {
		deps.Monitor = monitor
	}
	session = conversation.NewSession(deps, conversation.Config{
		Mode:           cfg.ConversationMode,
		GreetingDelay:  cfg.GreetingDelay(),
		ResumeDelay:    cfg.ResumeDelay(),
		ReplyTimeout:   cfg.ReplyTimeout,
		SuspendTimeout: cfg.SuspendTimeout,
	}, logger)
	session.OnStatus(printStatus)
	loop.SetHandler(session.Handle)

	go readControls(loop, cancel)

	fmt.Println("Press Enter to start or stop the conversation, p to pause, r to resume, q to quit.")
	printStatus(session.Status())

	err := loop.Run(ctx)
	// Tear the session down on the way out so speech and capture stop
	session.Handle(conversation.Stop{})
	if err == context.Canceled {
		return nil
	}
	return err
}

// readControls turns terminal input into session commands
func readControls(loop *event.Loop, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
			loop.Post(conversation.Toggle{})
		case "p":
			loop.Post(conversation.Suspend{})
		case "r":
			loop.Post(conversation.Resume{})
		case "q":
			quit()
			return
		}
	}
	quit()
}

func printStatus(status conversation.Status) {
	line := fmt.Sprintf("[%s]", status)
	if status.Err != "" {
		line += " " + status.Err
	}
	fmt.Println(line)
}

func newBreaker(name string, cfg *config.Voice, logger zerolog.Logger) *resilience.CircuitBreaker {
	breaker := resilience.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})
	return breaker
}
