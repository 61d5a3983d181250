// Command xat is a terminal client for a shelter conversation. It signs in
// with a stored token, shows the conversation newest at the bottom and sends
// each line typed on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/2amu/PES-FIB/internal/chat"
	"github.com/2amu/PES-FIB/internal/config"
	"github.com/2amu/PES-FIB/internal/history"
	"github.com/2amu/PES-FIB/internal/logging"
	"github.com/2amu/PES-FIB/internal/services"
	"github.com/2amu/PES-FIB/internal/tokenstore"
)

func main() {
	conversationID := flag.Int("chat", 0, "conversation id to open")
	token := flag.String("token", "", "save this auth token before connecting")
	userID := flag.String("user-id", "", "save this user id, used to mark own messages")
	logout := flag.Bool("logout", false, "forget the stored token and user id, then exit")
	flag.Parse()

	cfg := config.Load()
	// stdout belongs to the conversation
	logger := logging.NewWithWriter(os.Stderr, cfg.IsDevelopment(), cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := tokenstore.Open(ctx, cfg.TokenDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening token store")
	}
	defer store.Close()

	if *logout {
		if err := signOut(ctx, store); err != nil {
			logger.Fatal().Err(err).Msg("logout")
		}
		fmt.Println("signed out")
		return
	}
	if err := signIn(ctx, store, *token, *userID); err != nil {
		logger.Fatal().Err(err).Msg("saving credentials")
	}

	if *conversationID <= 0 {
		fmt.Fprintln(os.Stderr, "usage: xat -chat <id> [-token <token>] [-user-id <id>]")
		os.Exit(2)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	if err := run(ctx, cfg, store, *conversationID, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("chat ended")
	}
}

func signIn(ctx context.Context, store *tokenstore.Store, token, userID string) error {
	if token = strings.TrimSpace(token); token != "" {
		if err := store.SaveToken(ctx, token); err != nil {
			return err
		}
	}
	if userID = strings.TrimSpace(userID); userID != "" {
		if err := store.SaveUserID(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func signOut(ctx context.Context, store *tokenstore.Store) error {
	if err := store.ClearToken(ctx); err != nil {
		return err
	}
	return store.ClearUserID(ctx)
}

func run(ctx context.Context, cfg *config.Config, store *tokenstore.Store, conversationID int, logger zerolog.Logger) error {
	retry := chat.RetryPolicy{
		InitialInterval: cfg.ReconnectInitial,
		MaxInterval:     cfg.ReconnectMax,
		MaxAttempts:     cfg.ReconnectMaxAttempts,
		StableAfter:     cfg.ReconnectStableAfter,
	}

	session := services.NewSession(services.SessionConfig{
		NewTransport: func(id int, token string, logger zerolog.Logger) services.Transport {
			return chat.NewClient(chat.URL(cfg.ChatHost, cfg.ChatSecure, id, token), chat.Options{
				Retry:  retry,
				Logger: logger,
			})
		},
		History:        history.NewClient(cfg.ChatHost, cfg.ChatSecure, cfg.HistoryTimeout, logger),
		Tokens:         store,
		HistoryTimeout: cfg.HistoryTimeout,
		Logger:         logger,
	})
	defer session.Close()

	ownID, err := store.UserID(ctx)
	if err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
		return err
	}

	if _, err := store.Token(ctx); errors.Is(err, tokenstore.ErrNotFound) {
		fmt.Fprintln(os.Stderr, "not signed in; waiting for a token (run xat -token <token>)")
	}

	tl, err := session.Open(ctx, conversationID)
	if err != nil {
		return err
	}

	p := newPrinter(os.Stdout, ownID, time.Local)
	changes, unsubscribe := tl.Subscribe()
	defer unsubscribe()
	states, unwatch, _ := session.WatchState()
	defer unwatch()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	p.render(tl.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case _, ok := <-changes:
			if !ok {
				return nil
			}
			p.render(tl.Snapshot())

		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			p.state(s)

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if err := session.Send(ctx, line); err != nil {
				switch {
				case errors.Is(err, services.ErrBlankMessage):
				case errors.Is(err, chat.ErrNotConnected):
					fmt.Fprintln(os.Stderr, "not connected, message not sent")
				default:
					logger.Warn().Err(err).Msg("send failed")
				}
			}
		}
	}
}

func readLines(f *os.File, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
