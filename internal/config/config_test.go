package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CONSOLE_PORT", "9090")
	t.Setenv("LOGS_API_BASE_URL", "https://api.example.com/")
	t.Setenv("CACHE_MAX_ENTRIES", "not-a-number")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example.com , ,https://b.example.com")

	cfg := Load()
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.LogsAPIBaseURL != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.LogsAPIBaseURL)
	}
	if cfg.CacheMaxEntries != 512 {
		t.Fatalf("expected fallback for malformed int, got %d", cfg.CacheMaxEntries)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("HANDOFF_SECRET=from-file\nSESSION_TTL_MINUTES=5\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("HANDOFF_SECRET", "from-env")
	t.Setenv("SESSION_TTL_MINUTES", "")
	os.Unsetenv("SESSION_TTL_MINUTES")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	cfg := Load()
	if cfg.HandoffSecret != "from-env" {
		t.Fatalf("expected environment to win, got %q", cfg.HandoffSecret)
	}
	if cfg.SessionTTLMinutes != 5 {
		t.Fatalf("expected value from file, got %d", cfg.SessionTTLMinutes)
	}
}

func TestLoadDotEnvMissingFileIsNotAnError(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
}
