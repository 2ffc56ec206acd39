// ShopAssist conversation API server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dudenrb/think41nikhil/internal/api"
	"github.com/dudenrb/think41nikhil/internal/assistant"
	"github.com/dudenrb/think41nikhil/internal/config"
	"github.com/dudenrb/think41nikhil/internal/conversation"
	"github.com/dudenrb/think41nikhil/internal/history"
	"github.com/dudenrb/think41nikhil/internal/llm"
	"github.com/dudenrb/think41nikhil/internal/logger"
	"github.com/dudenrb/think41nikhil/pkg/tools"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.L.Info("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	store, err := openStore(cfg.Storage)
	if err != nil {
		logger.L.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.L.Error("Failed to close session store", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen, closeGen := newGenerator(ctx, cfg)
	defer closeGen()

	svc := conversation.NewService(store, gen, cfg.LLM.Timeout)
	handler := api.NewHandler(svc, conversation.NewQuery(store), store)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.L.Info("Server listening", "addr", srv.Addr, "storage", cfg.Storage.Driver, "provider", cfg.LLM.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	logger.L.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Server forced to shutdown", "error", err)
		return
	}
	logger.L.Info("Server stopped successfully")
}

func openStore(cfg config.StorageConfig) (history.Store, error) {
	if cfg.Driver == config.StorageMemory {
		logger.L.Warn("Using in-memory session store, conversations are lost on restart")
		return history.NewMemoryStore(), nil
	}
	return history.NewSQLiteStore(cfg.Path)
}

// newGenerator returns the reply generator for the configured provider and a
// function releasing its resources.
func newGenerator(ctx context.Context, cfg *config.Config) (conversation.ReplyGenerator, func()) {
	if cfg.LLM.Provider == config.ProviderMock {
		logger.L.Warn("LLM provider is mock, replies are canned")
		return assistant.MockGenerator{}, func() {}
	}

	localTools := tools.NewToolManager()
	if cfg.Catalog.BaseURL != "" {
		tools.RegisterCatalogTools(localTools, tools.NewCatalogClient(cfg.Catalog))
	} else {
		logger.L.Info("catalog.base_url not set, lookup tools disabled")
	}

	a := assistant.New(ctx, llm.NewClient(cfg.LLM), *cfg, localTools)
	return a, func() {
		if err := a.Close(); err != nil {
			logger.L.Warn("Failed to close MCP clients", "error", err)
		}
	}
}
