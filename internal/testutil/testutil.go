package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/p-arndt/docbox/internal/config"
	"github.com/p-arndt/docbox/internal/store"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Driver = "local"
	cfg.Image = "docbox-test:latest"
	cfg.DataDir = "/tmp/docbox-test"
	cfg.Relay.WelcomeDelay = 10 * time.Millisecond
	cfg.Relay.FileProbeDelay = 20 * time.Millisecond
	return cfg
}

func TestSession(id string) *store.Session {
	now := time.Now().UTC()
	return &store.Session{
		ID:               id,
		Framework:        "laravel",
		FrameworkVersion: "11",
		SpectrumVersion:  "^1.0",
		PHPVersion:       "8.3",
		EnvironmentID:    "env-" + id,
		Status:           store.StatusReady,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
