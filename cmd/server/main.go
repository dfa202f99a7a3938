package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/duplex-voice/internal/agent"
	"github.com/lexiqai/duplex-voice/internal/backend"
	"github.com/lexiqai/duplex-voice/internal/config"
	"github.com/lexiqai/duplex-voice/internal/gateway"
	"github.com/lexiqai/duplex-voice/internal/observability"
	"github.com/lexiqai/duplex-voice/internal/resilience"
)

func main() {
	// Load configuration
	cfg, err := config.LoadServer()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("agent", cfg.AgentProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Conversation backend starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	model, err := newAgent(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create agent")
	}

	breaker := resilience.NewCircuitBreaker(model.Name(), cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	handler := backend.NewHandler(model, backend.HandlerConfig{
		AssistantName: cfg.AssistantName,
		Timeout:       time.Duration(cfg.AgentTimeout) * time.Second,
		Breaker:       breaker,
		Retry:         retry,
	}, logger)

	// gRPC health service, probed by voice front ends
	healthServer := health.NewServer()
	healthServer.SetServingStatus(gateway.HealthService, healthpb.HealthCheckResponse_SERVING)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		logger.Fatal().Err(err).Str("grpc_port", cfg.GRPCPort).Msg("Failed to listen for gRPC")
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	// Create HTTP server
	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.HandleFunc("/health", observability.HealthCheckHandler("duplex-voice-backend"))
	mux.HandleFunc("/ready", observability.ReadinessHandler("duplex-voice-backend",
		observability.HealthCheck{
			Name: model.Name(),
			Check: func(ctx context.Context) (bool, error) {
				if breaker.GetState() == resilience.StateOpen {
					return false, resilience.ErrCircuitOpen
				}
				return true, nil
			},
		},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No WriteTimeout: the conversation socket is long-lived
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	grpcServer.GracefulStop()

	logger.Info().Msg("Server exited gracefully")
}

func newAgent(ctx context.Context, cfg *config.Server, logger zerolog.Logger) (agent.Agent, error) {
	instructions := agent.Instructions(cfg.AssistantName, cfg.SystemInstructions)

	switch cfg.AgentProvider {
	case "openai":
		return agent.NewOpenAI(agent.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.OpenAIModel,
			Generation:   agent.DefaultGenerationConfig(),
			Instructions: instructions,
		}, logger), nil
	default:
		return agent.NewGemini(ctx, agent.GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			Generation:   agent.DefaultGenerationConfig(),
			Instructions: instructions,
		}, logger)
	}
}
