// cmd/mediahubd/main.go
// Package main implements the entry point for the MediaHub upload service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/config"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/event"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/platform"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/server"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/storage"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/telemetry"
)

// main is the entry point for the upload service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("mediahub-upload")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		// Use PostgreSQL storage for production
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		// Use in-memory storage for development/testing
		store = storage.NewMemory()
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close()

	// Initialize platform registry client for platform validation
	var registry *platform.Client
	if cfg.RegistryURL != "" {
		registry = platform.New(cfg.RegistryURL)
	}

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(store, pub, registry, server.Options{
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		DefaultPlatformID:  cfg.PlatformID,
		ChunkSize:          cfg.ChunkSize,
		MaxParallelChunks:  cfg.MaxParallelChunks,
		MaxFileSize:        cfg.MaxFileSize,
		SupportedFormats:   cfg.SupportedFormats,
		SessionTTL:         cfg.SessionTTL,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	// Sweep expired sessions in the background
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go storage.NewSweeper(store, cfg.SweepInterval).Run(sweepCtx)

	// Create HTTP server with timeout configuration. The write timeout is
	// generous because chunk uploads can carry multi-megabyte bodies.
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	stopSweeper()

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
