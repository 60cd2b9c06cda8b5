package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"yuutrace/collector/config"
	"yuutrace/collector/ingest"
	"yuutrace/collector/logger"
	"yuutrace/collector/query"
	"yuutrace/collector/server"
	"yuutrace/collector/storage"
)

// formatStartupConfig creates a formatted multi-line config summary
func formatStartupConfig(cfg *config.Config) string {
	return fmt.Sprintf(`
┌─────────────────────────────────────────────────────────────
│ YUUTRACE COLLECTOR CONFIGURATION
├─────────────────────────────────────────────────────────────
│ Storage
│   SQLite Path:      %s
├─────────────────────────────────────────────────────────────
│ Server
│   OTLP/HTTP + API:  %s
│   OTLP/gRPC:        %s
└─────────────────────────────────────────────────────────────`,
		cfg.Storage.Path,
		cfg.Server.HTTPAddr(),
		cfg.Server.GRPCAddr(),
	)
}

func main() {
	// Load configuration and initialize logger
	config.MustLoad()
	logger.Init()

	cfg := config.Get()

	// Print startup configuration (directly to stdout for formatting)
	fmt.Println(formatStartupConfig(cfg))

	// Ensure the database directory exists (0700 = owner-only access)
	dbDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		slog.Error("failed to create database directory", slog.String("path", dbDir), slog.Any("error", err))
		os.Exit(1)
	}

	// Open the store
	slog.Info("initializing sqlite", slog.String("path", cfg.Storage.Path))
	store, err := storage.NewStore(cfg.Storage.Path)
	if err != nil {
		slog.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("storage initialized successfully")

	// Create batched receipt logger (logs every 10 seconds instead of per-span)
	ingestLogger := server.NewIngestLogger(10 * time.Second)
	ingestLogger.Start()

	// Wire the ingest pipeline and read side
	ingestor := ingest.NewIngestor(store)
	ingestor.SetObserver(ingestLogger.ObserveSpan)
	querySvc := query.NewService(store)

	// Create the HTTP server (collector endpoint + read API)
	httpServer, httpLis, err := server.NewHTTPServer(ingestor, querySvc, store)
	if err != nil {
		slog.Error("failed to create http server", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		slog.Info("http server listening", slog.String("address", httpLis.Addr().String()))
		if err := httpServer.Serve(httpLis); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to serve http", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Create the OTLP/gRPC collector server
	grpcServer, grpcLis, err := server.NewGRPCServer(ingestor)
	if err != nil {
		slog.Error("failed to create grpc server", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		slog.Info("grpc server listening", slog.String("address", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil {
			slog.Error("failed to serve grpc", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down servers")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", slog.Any("error", err))
	}
	grpcServer.GracefulStop()
	slog.Info("servers stopped")

	// Stop receipt logger (flushes any remaining log entries)
	ingestLogger.Stop()

	slog.Info("syncing database to disk")
	if err := store.Sync(); err != nil {
		slog.Warn("failed to sync database", slog.Any("error", err))
	}

	slog.Info("closing database")
	if err := store.Close(); err != nil {
		slog.Error("failed to close database", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("database closed successfully")
}
