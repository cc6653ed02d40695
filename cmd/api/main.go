// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/internal/auth"
	"github.com/capitalize-ai/appforge/internal/completeness"
	"github.com/capitalize-ai/appforge/internal/config"
	"github.com/capitalize-ai/appforge/internal/engine"
	"github.com/capitalize-ai/appforge/internal/handler"
	"github.com/capitalize-ai/appforge/internal/llm"
	natsclient "github.com/capitalize-ai/appforge/internal/nats"
	"github.com/capitalize-ai/appforge/internal/service"
	"github.com/capitalize-ai/appforge/internal/store"
	"github.com/capitalize-ai/appforge/pkg/logger"
	"github.com/capitalize-ai/appforge/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "appforge-api", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Persistence
	var chatStore store.Store
	if cfg.NATSURL == "" {
		log.Warn("NATS_URL is empty, using in-memory store")
		chatStore = store.NewMemory()
	} else {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		natsStore, err := natsclient.NewStore(ctx, natsClient, log)
		if err != nil {
			log.Fatal("failed to initialize JetStream store", zap.Error(err))
		}
		chatStore = natsStore
	}

	// Upstream completions
	source, err := llm.NewSource(llm.Provider(cfg.UpstreamProvider), cfg.UpstreamBaseURL, log)
	if err != nil {
		log.Fatal("failed to create upstream source", zap.Error(err))
	}

	orchestrator := engine.NewOrchestrator(source, engine.RetryConfig{
		MaxRetries:     cfg.Stream.MaxRetries,
		BaseDelay:      cfg.Stream.BaseDelay,
		MaxDelay:       cfg.Stream.MaxDelay,
		AttemptTimeout: cfg.Stream.AttemptTimeout,
	}, log)
	detector := &completeness.Detector{
		LengthThreshold:  cfg.DetectorLengthThreshold,
		BracketThreshold: cfg.DetectorBracketThreshold,
	}
	controller := engine.NewController(orchestrator, chatStore, detector, engine.ControllerConfig{
		Temperature:      cfg.Stream.Temperature,
		MaxTokens:        cfg.Stream.MaxTokens,
		HistoryLimit:     cfg.Stream.HistoryLimit,
		MaxContinuations: cfg.Stream.MaxContinuations,
	}, log)

	verifier := auth.NewVerifier(cfg.UpstreamBaseURL, cfg.AuthCacheTTL, cfg.AuthCacheSize, auth.WithLogger(log))
	chatService := service.NewChatService(chatStore, cfg.DefaultModel, log)

	router := handler.NewRouter(handler.RouterConfig{
		Logger:               log,
		Store:                chatStore,
		Chats:                chatService,
		Streamer:             controller,
		Verifier:             verifier,
		CORSAllowedOrigins:   cfg.CORSAllowedOrigins,
		RateLimitRequests:    cfg.RateLimitRequests,
		RateLimitCompletions: cfg.RateLimitCompletions,
		RateLimitSession:     cfg.RateLimitSession,
		RateLimitWindow:      cfg.RateLimitWindow,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening",
			zap.String("port", cfg.ServerPort),
			zap.String("upstream", cfg.UpstreamBaseURL),
			zap.String("provider", cfg.UpstreamProvider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func newLogger(level string) (*logger.Logger, error) {
	if os.Getenv("ENV") == "development" {
		return logger.NewDevelopment()
	}
	return logger.New(level)
}
