// Package main runs a mock microservice for exercising ProbeDesk clients
// locally. Its endpoints simulate the failure modes the resilience layer is
// built for: intermittent 5xx responses, slow replies and malformed payloads.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func main() {
	const serviceName = "probedesk-mockservice"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	var flakyHits atomic.Int64

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Fails two requests out of every three so retries have work to do.
	r.Get("/flaky", func(w http.ResponseWriter, _ *http.Request) {
		if flakyHits.Add(1)%3 != 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recovered"})
	})

	// Sleeps long enough to trip short client timeouts. The delay is
	// overridable per request via ?delay_ms=N.
	r.Get("/slow", func(w http.ResponseWriter, req *http.Request) {
		delay := 2 * time.Second
		if ms, err := strconv.Atoi(req.URL.Query().Get("delay_ms")); err == nil && ms > 0 {
			delay = time.Duration(ms) * time.Millisecond
		}
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "slow but alive"})
	})

	r.Get("/error", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "broken"})
	})

	r.Get("/garbage", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("this is not json"))
	})

	// Echoes back the authorization the client sent, for auth-scheme checks.
	r.Get("/whoami", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"authorization": req.Header.Get("Authorization"),
		})
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("mock service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down mock service")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("mock service stopped")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
