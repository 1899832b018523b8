// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration.
type Config struct {
	DiscordBotToken  string
	DatabasePath     string
	LogLevel         string
	ListenAddr       string
	PollInterval     time.Duration
	FetchTimeout     time.Duration
	BackoffThreshold int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("DISCORD_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/feed-worker.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	pollMinutes, err := envInt("POLL_INTERVAL_MINUTES", 5)
	if err != nil {
		return nil, err
	}
	if pollMinutes < 1 {
		return nil, fmt.Errorf("POLL_INTERVAL_MINUTES must be at least 1")
	}

	fetchSeconds, err := envInt("FETCH_TIMEOUT_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	if fetchSeconds < 1 {
		return nil, fmt.Errorf("FETCH_TIMEOUT_SECONDS must be at least 1")
	}

	backoff, err := envInt("ERROR_BACKOFF_THRESHOLD", 3)
	if err != nil {
		return nil, err
	}
	if backoff < 0 {
		return nil, fmt.Errorf("ERROR_BACKOFF_THRESHOLD must not be negative")
	}

	return &Config{
		DiscordBotToken:  token,
		DatabasePath:     dbPath,
		LogLevel:         logLevel,
		ListenAddr:       listenAddr,
		PollInterval:     time.Duration(pollMinutes) * time.Minute,
		FetchTimeout:     time.Duration(fetchSeconds) * time.Second,
		BackoffThreshold: backoff,
	}, nil
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
