package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"breaker/server/internal/auth"
	"breaker/server/internal/config"
	"breaker/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, cfg *config.Config, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("breaker server %s\n", Version)
		return true
	case "user":
		return cliUser(args[1:], dbPath)
	case "token":
		return cliToken(args[1:], cfg, dbPath)
	case "history":
		return cliHistory(args[1:], cfg, dbPath)
	case "welcome":
		return cliWelcome(args[1:], dbPath)
	default:
		return false
	}
}

func openStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliUser(args []string, dbPath string) bool {
	if len(args) < 2 || args[0] != "create" {
		fmt.Fprintf(os.Stderr, "Usage: server user create <username>\n")
		os.Exit(1)
	}

	st := openStore(dbPath)
	defer st.Close()

	id, err := st.CreateUser(context.Background(), args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created user %q (id=%d)\n", args[1], id)
	return true
}

func cliToken(args []string, cfg *config.Config, dbPath string) bool {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: server token <username> [ttl]\n")
		os.Exit(1)
	}
	if cfg.TokenSecret == "" {
		fmt.Fprintf(os.Stderr, "AUTH_TOKEN_SECRET is not configured\n")
		os.Exit(1)
	}

	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid ttl %q: %v\n", args[1], err)
			os.Exit(1)
		}
		ttl = d
	}

	st := openStore(dbPath)
	defer st.Close()

	svc := auth.NewTokenService(cfg.TokenSecret, st)
	token, err := svc.MintAccessToken(context.Background(), args[0], ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error minting token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	return true
}

func cliHistory(args []string, cfg *config.Config, dbPath string) bool {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: server history <channel>\n")
		os.Exit(1)
	}

	st := openStore(dbPath)
	defer st.Close()

	retention := store.Retention{
		MaxCount: cfg.HistoryMaxCount,
		MaxAge:   time.Duration(cfg.HistoryMaxAge) * time.Second,
	}
	rows, err := st.History(context.Background(), args[0], retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No messages found.")
		return true
	}
	for _, m := range rows {
		ts := time.UnixMilli(m.TimestampMs).Format(time.RFC3339)
		fmt.Printf("  [%d] %s %s %s %dms (%s)\n", m.ID, ts, m.ScreenName, m.Codec, m.DurationMs, m.Channel)
	}
	return true
}

func cliWelcome(args []string, dbPath string) bool {
	if len(args) < 3 || args[0] != "add" {
		fmt.Fprintf(os.Stderr, "Usage: server welcome add <name> <audio-file> [trigger] [channel]\n")
		os.Exit(1)
	}

	trigger := "connect"
	if len(args) > 3 {
		trigger = args[3]
	}
	channel := ""
	if len(args) > 4 {
		channel = args[4]
	}

	if _, err := os.Stat(args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "audio file not readable: %v\n", err)
		os.Exit(1)
	}

	st := openStore(dbPath)
	defer st.Close()

	id, err := st.InsertWelcomeMessage(context.Background(), store.WelcomeMessage{
		Name:        args[1],
		AudioFile:   args[2],
		TriggerType: trigger,
		Channel:     channel,
		Enabled:     true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error adding welcome message: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Added welcome message %q (id=%d, trigger=%s)\n", args[1], id, trigger)
	return true
}
