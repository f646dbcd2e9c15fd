package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"breaker/server/internal/auth"
	"breaker/server/internal/config"
	"breaker/server/internal/core"
	"breaker/server/internal/httpapi"
	"breaker/server/internal/store"
	"breaker/server/internal/welcome"
	"breaker/server/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", "", "Listen address (overrides WS_HOST/WS_PORT)")
	dbPath := flag.String("db", "breaker.db", "SQLite database path")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	listen := cfg.ListenAddr
	if *addr != "" {
		listen = *addr
	}

	if RunCLI(flag.Args(), cfg, *dbPath) {
		return
	}

	slog.Info("starting server", "version", Version, "addr", listen, "db", *dbPath,
		"anonymous_mode", cfg.AnonymousMode, "welcome_enabled", cfg.WelcomeEnabled)

	sqliteStore, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	var validator auth.Validator
	if cfg.TokenSecret != "" {
		validator = auth.NewTokenService(cfg.TokenSecret, sqliteStore)
	} else {
		slog.Warn("AUTH_TOKEN_SECRET not set, token authentication disabled")
	}

	identities := core.NewIdentities(sqliteStore)
	channels := core.NewChannels()
	hook := welcome.New(sqliteStore, cfg.WelcomeEnabled)

	wsHandler := ws.NewHandler(cfg, identities, channels, sqliteStore, validator, hook)
	server := httpapi.New(channels, wsHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", listen)
	if err := server.Run(ctx, listen); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
