package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/turnstile/internal/config"
)

func writeHomeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	if body != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	t.Setenv("TURNSTILE_HOME", home)
	return home
}

func TestLoad_FromTurnstileHome(t *testing.T) {
	home := writeHomeConfig(t, "queue:\n  name: uploads\n  mode: parallel\n  pool_size: 3\n")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %s, got %s", home, cfg.HomeDir)
	}
	if cfg.Queue.Name != "uploads" || cfg.Queue.Mode != "parallel" || cfg.Queue.PoolSize != 3 {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.NeedsInit {
		t.Fatal("expected NeedsInit=false when config.yaml exists")
	}
}

func TestLoad_DefaultHomeUnderUserHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("TURNSTILE_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != filepath.Join(home, ".turnstile") {
		t.Fatalf("unexpected home dir %s", cfg.HomeDir)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit=true without config.yaml")
	}
	if _, err := os.Stat(cfg.HomeDir); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := writeHomeConfig(t, "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("unexpected bind addr %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(home, "turnstile.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.Queue.Mode != "series" || cfg.Queue.PoolSize != 1 {
		t.Fatalf("series mode should force pool_size=1, got %+v", cfg.Queue)
	}
	if cfg.Queue.Retry.MaxAttempts != 3 {
		t.Fatalf("expected max_attempts=3, got %d", cfg.Queue.Retry.MaxAttempts)
	}
	if cfg.PollInterval().Seconds() != 1 {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval())
	}
	if cfg.Network.Enabled {
		t.Fatal("network condition should be off by default")
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	writeHomeConfig(t, "bind_addr: 127.0.0.1:9000\nlog_level: info\nwifi_only: false\n")
	t.Setenv("TURNSTILE_BIND_ADDR", "0.0.0.0:9100")
	t.Setenv("TURNSTILE_LOG_LEVEL", "DEBUG")
	t.Setenv("TURNSTILE_QUEUE_MODE", "parallel")
	t.Setenv("TURNSTILE_POOL_SIZE", "6")
	t.Setenv("TURNSTILE_MAX_ATTEMPTS", "5")
	t.Setenv("TURNSTILE_WIFI_ONLY", "true")
	t.Setenv("TURNSTILE_DB_PATH", "/tmp/elsewhere.db")
	t.Setenv("TURNSTILE_AUTH_TOKEN", "operator-token")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9100" {
		t.Fatalf("bind addr override not applied: %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level should be normalized, got %q", cfg.LogLevel)
	}
	if cfg.Queue.Mode != "parallel" || cfg.Queue.PoolSize != 6 {
		t.Fatalf("queue overrides not applied: %+v", cfg.Queue)
	}
	if cfg.Queue.Retry.MaxAttempts != 5 {
		t.Fatalf("max attempts override not applied: %d", cfg.Queue.Retry.MaxAttempts)
	}
	if !cfg.WifiOnly {
		t.Fatal("wifi_only override not applied")
	}
	if cfg.DBPath != "/tmp/elsewhere.db" {
		t.Fatalf("db path override not applied: %q", cfg.DBPath)
	}
	if cfg.Gateway.AuthToken != "operator-token" {
		t.Fatal("auth token override not applied")
	}
}

func TestLoad_InvalidEnvNumbersIgnored(t *testing.T) {
	writeHomeConfig(t, "")
	t.Setenv("TURNSTILE_MAX_ATTEMPTS", "lots")
	t.Setenv("TURNSTILE_WIFI_ONLY", "maybe")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.Retry.MaxAttempts != 3 || cfg.WifiOnly {
		t.Fatalf("malformed env values should be ignored: %+v", cfg)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"mode":       "queue:\n  mode: burst\n",
		"level":      "log_level: loud\n",
		"bind":       "bind_addr: not-a-port\n",
		"attempts":   "queue:\n  retry:\n    max_attempts: 0\n",
		"intervals":  "queue:\n  retry:\n    initial_interval_ms: 5000\n    max_interval_ms: 10\n",
		"pool":       "queue:\n  mode: parallel\n  pool_size: 0\n",
		"probe":      "network:\n  enabled: true\n  probe_addr: \"\"\n",
		"name":       "queue:\n  name: a.b\n",
		"samplerate": "otel:\n  sample_rate: 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			writeHomeConfig(t, body)
			_, err := config.Load()
			if err == nil {
				t.Fatalf("expected validation error for %q", body)
			}
			if !strings.Contains(err.Error(), "invalid config") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	writeHomeConfig(t, "queue: [not, a, map\n")
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	writeHomeConfig(t, "")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b, _ := config.Load()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint should be stable")
	}
	b.Queue.Retry.MaxAttempts = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with retry policy")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}

func TestSetWifiOnly_PreservesOtherKeys(t *testing.T) {
	home := writeHomeConfig(t, "bind_addr: 127.0.0.1:9001\nqueue:\n  name: uploads\n")

	if err := config.SetWifiOnly(home, true); err != nil {
		t.Fatalf("set wifi only: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.WifiOnly {
		t.Fatal("wifi_only not written")
	}
	if cfg.BindAddr != "127.0.0.1:9001" || cfg.Queue.Name != "uploads" {
		t.Fatalf("other keys lost: %+v", cfg)
	}
}

func TestSetWifiOnly_CreatesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	if err := config.SetWifiOnly(home, true); err != nil {
		t.Fatalf("set wifi only: %v", err)
	}
	data, err := os.ReadFile(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "wifi_only: true") {
		t.Fatalf("unexpected config contents: %s", data)
	}
}
