package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/charmander/iptooled/internal/alerts"
	"github.com/charmander/iptooled/internal/api"
	"github.com/charmander/iptooled/internal/db"
	"github.com/charmander/iptooled/internal/persist"
	"github.com/charmander/iptooled/internal/reputation"
	"github.com/charmander/iptooled/internal/server"
)

func showUsage() {
	fmt.Fprintln(os.Stderr, "Usage: iptooled <persist-path> <socket-path>")
}

func main() {
	log.Println("Starting iptooled address reputation daemon...")

	// Optional .env for local development; the environment wins.
	_ = godotenv.Load()

	if len(os.Args) != 3 {
		showUsage()
		os.Exit(2)
	}
	persistPath := os.Args[1]
	socketPath := os.Args[2]

	tree := reputation.NewSpamTree()

	opLog, err := persist.Open(persistPath, tree)
	if err != nil {
		var replayErr *persist.ReplayError
		if errors.As(err, &replayErr) {
			log.Fatalf("FATAL: %s fails verification at record %d: %v. "+
				"The log is corrupt or belongs to different keys; it cannot be trusted.",
				persistPath, replayErr.Record, replayErr.Err)
		}
		log.Fatalf("FATAL: opening persist file %s: %v", persistPath, err)
	}
	stats := tree.Stats()
	log.Printf("Restored state: %d trusted / %d spam observations across %d trie nodes",
		stats.TrustedTotal, stats.SpamTotal, stats.TrieNodes)

	// Optional audit mirror; the daemon is fully functional without it.
	var store *db.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		store, err = db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, continuing without the audit mirror. Error: %v", err)
			store = nil
		} else {
			defer store.Close()
			if err := store.InitSchema(context.Background()); err != nil {
				log.Printf("Warning: audit schema init failed: %v", err)
			}
		}
	}

	hub := api.NewHub()
	go hub.Run()

	am := alerts.NewManager(spamThreshold(), api.BroadcastAlert(hub))

	core := server.New(tree, opLog, am, store)

	if port := getEnvOrDefault("ADMIN_PORT", ""); port != "" {
		router := api.SetupRouter(core, hub, am, store, opLog, persistPath)
		go func() {
			log.Printf("Admin API listening on :%s", port)
			if err := router.Run(":" + port); err != nil {
				log.Fatalf("Failed to start admin API: %v", err)
			}
		}()
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("FATAL: removing stale socket %s: %v", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		log.Fatalf("FATAL: binding %s: %v", socketPath, err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("Received %s, shutting down", sig)
		listener.Close()
	}()

	log.Printf("Listening on %s (persisting to %s)", socketPath, persistPath)
	serveErr := core.Serve(listener)
	core.Shutdown()

	os.Remove(socketPath)
	if err := opLog.Close(); err != nil {
		log.Fatalf("FATAL: closing persist file: %v", err)
	}
	if serveErr != nil {
		log.Fatalf("FATAL: %v", serveErr)
	}
	log.Println("Clean shutdown")
}

// spamThreshold reads ALERT_SPAM_THRESHOLD, falling back to the default
// on absence or garbage.
func spamThreshold() uint32 {
	raw := getEnvOrDefault("ALERT_SPAM_THRESHOLD", "")
	if raw == "" {
		return alerts.DefaultSpamThreshold
	}
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || parsed == 0 {
		log.Printf("Warning: ignoring invalid ALERT_SPAM_THRESHOLD=%q", raw)
		return alerts.DefaultSpamThreshold
	}
	return uint32(parsed)
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
