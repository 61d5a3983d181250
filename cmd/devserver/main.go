// Command devserver runs a local stand-in for the chat backend: the history
// endpoint and the chat WebSocket, backed by memory.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2amu/PES-FIB/internal/api"
	"github.com/2amu/PES-FIB/internal/config"
	"github.com/2amu/PES-FIB/internal/logging"
	"github.com/2amu/PES-FIB/internal/services"
	"github.com/2amu/PES-FIB/internal/websocket"
)

func main() {
	// Load configuration from environment
	cfg := config.Load()
	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel)

	users, err := services.ParseUserDirectory(cfg.DevUsers)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid DEV_USERS")
	}

	// Initialize services
	messageService := services.NewMessageService()
	hub := websocket.NewHub(messageService, logger)
	go hub.Run()

	cleanupService := services.NewCleanupService(messageService, hub, cfg.CleanupInterval, cfg.ConversationTTL, logger)
	go cleanupService.Start()

	router := api.NewRouter(api.RouterConfig{
		Logger:      logger,
		CorsOrigins: cfg.CorsOrigins,
		Hub:         hub,
		Messages:    messageService,
		Users:       users,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.ServerPort).
			Str("env", cfg.Env).
			Strs("cors_origins", cfg.CorsOrigins).
			Msg("starting chat dev server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; the hub closes them
	cleanupService.Stop()
	hub.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
