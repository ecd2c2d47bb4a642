// Package main runs a headless ProbeDesk demo: it wires a resilient client,
// the health registry and the background task engine together, probes a
// target service periodically, and prints what a GUI would render.
//
// Pair it with cmd/mockservice to watch the circuit breaker open and recover:
//
//	go run ./cmd/mockservice
//	PROBE_TARGET_URL=http://localhost:9090 go run ./cmd/probedemo
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/probedesk/probedesk/internal/resilience"
	"github.com/probedesk/probedesk/internal/taskengine"
	"github.com/probedesk/probedesk/internal/telemetry"
)

// Version is set at compile time via ldflags.
var Version = "dev"

func main() {
	const serviceName = "probedesk-demo"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	targetURL := os.Getenv("PROBE_TARGET_URL")
	if targetURL == "" {
		targetURL = "http://localhost:9090"
	}
	targetName := os.Getenv("PROBE_TARGET_NAME")
	if targetName == "" {
		targetName = "mockservice"
	}
	probePath := os.Getenv("PROBE_PATH")
	if probePath == "" {
		probePath = "/flaky"
	}
	interval := 2 * time.Second
	if raw := os.Getenv("PROBE_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatal().Err(err).Str("value", raw).Msg("invalid PROBE_INTERVAL")
		}
		interval = parsed
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	ctx := context.Background()
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    env,
		OTLPEndpoint:   otlpEndpoint,
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	metrics, err := resilience.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	registry := resilience.NewRegistry()

	auth := resilience.AuthConfig{Scheme: resilience.AuthNone}
	if token := os.Getenv("PROBE_BEARER_TOKEN"); token != "" {
		auth = resilience.AuthConfig{Scheme: resilience.AuthBearer, Token: token}
	}

	client, err := resilience.NewClient(resilience.ServiceConfig{
		Name:    targetName,
		BaseURL: targetURL,
		Auth:    auth,
		Timeout: 5 * time.Second,
	},
		resilience.WithLogger(log),
		resilience.WithMetrics(metrics),
		resilience.WithRegistry(registry),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create probe client")
	}

	engine := taskengine.NewEngine(taskengine.WithLogger(log))

	probe := taskengine.NewPeriodicTask(engine, targetName, interval,
		func(ctx context.Context) (any, error) {
			return client.MakeRequest(ctx, http.MethodGet, probePath, nil), nil
		},
		taskengine.WithPeriodicLogger(log),
	)
	probe.Start()

	log.Info().
		Str("target", targetURL).
		Str("path", probePath).
		Dur("interval", interval).
		Msg("probing started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Stand-in for a GUI frame loop: drain completed results and render the
	// registry's view of the service.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, res := range engine.ProcessResults() {
				req, ok := res.Result.(resilience.RequestResult)
				if !ok {
					log.Error().Str("task_id", res.TaskID).Err(res.Err).Msg("probe iteration failed")
					continue
				}
				evt := log.Info()
				if !req.Success {
					evt = log.Warn()
				}
				evt.
					Str("task_id", res.TaskID).
					Bool("success", req.Success).
					Int("status", req.StatusCode).
					Int("retries", req.RetryAttempts).
					Bool("breaker_triggered", req.CircuitBreakerTriggered).
					Str("error", req.ErrorMessage).
					Msg("probe result")
			}
			for _, h := range registry.GetAllHealth() {
				log.Debug().
					Str("service", h.Name).
					Stringer("breaker", h.BreakerState).
					Bool("healthy", h.IsHealthy()).
					Msg("service health")
			}

		case <-quit:
			log.Info().Msg("shutting down")
			probe.Stop()
			engine.Shutdown()
			log.Info().Msg("stopped")
			return
		}
	}
}
