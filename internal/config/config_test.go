package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"RV_HTTP_ADDR", "RV_DB_PATH", "RV_RESTART_WINDOW_SECONDS", "RV_STOP_TIMEOUT_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.HTTPAddr != "127.0.0.1:3000" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != ":memory:" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.RestartWindow() != 600*time.Second {
		t.Fatalf("restart window = %s", cfg.RestartWindow())
	}
	if cfg.StopTimeout() != 10*time.Second {
		t.Fatalf("stop timeout = %s", cfg.StopTimeout())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RV_HTTP_ADDR", ":9999")
	t.Setenv("RV_RESTART_WINDOW_SECONDS", "30")
	t.Setenv("RV_VERIFY_DELAY_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.RestartWindow() != 30*time.Second {
		t.Fatalf("restart window = %s", cfg.RestartWindow())
	}
	if cfg.VerifyDelay() != 2*time.Second {
		t.Fatalf("invalid int should fall back to default, got %s", cfg.VerifyDelay())
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("RV_TG_CHAT_ID=12345\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("RV_TG_CHAT_ID", "")
	os.Unsetenv("RV_TG_CHAT_ID")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := Load().TelegramChatID; got != "12345" {
		t.Fatalf("chat id = %q", got)
	}
}

func TestLoadEnvFileMissingIsIgnored(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
