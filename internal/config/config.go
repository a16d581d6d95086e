package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/basket/turnstile/internal/otel"
)

type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts" validate:"gte=1,lte=100"`
	InitialIntervalMs int      `yaml:"initial_interval_ms" validate:"gte=1"`
	MaxIntervalMs     int      `yaml:"max_interval_ms" validate:"gtefield=InitialIntervalMs"`
	Multiplier        float64  `yaml:"multiplier" validate:"gte=1"`
	RetryableDomains  []string `yaml:"retryable_domains" validate:"dive,required"`
}

type QueueConfig struct {
	Name           string      `yaml:"name" validate:"required,max=64,excludesall=."`
	Mode           string      `yaml:"mode" validate:"oneof=series parallel"`
	PoolSize       int         `yaml:"pool_size" validate:"gte=1,lte=256"`
	PollIntervalMs int         `yaml:"poll_interval_ms" validate:"gte=10"`
	Retry          RetryConfig `yaml:"retry"`
}

// NetworkConfig drives the connectivity condition.
type NetworkConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ProbeAddr         string   `yaml:"probe_addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
	ProbeIntervalMs   int      `yaml:"probe_interval_ms" validate:"gte=100"`
	ProbeTimeoutMs    int      `yaml:"probe_timeout_ms" validate:"gte=10"`
	MeteredInterfaces []string `yaml:"metered_interfaces"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" validate:"gte=0"`
	BurstSize         int  `yaml:"burst_size" validate:"gte=0"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" validate:"gte=0"`
}

type GatewayConfig struct {
	// AuthToken, when set, is required as a bearer token on every route
	// except /healthz and /metrics.
	AuthToken    string          `yaml:"auth_token"`
	MaxBodyBytes int64           `yaml:"max_body_bytes" validate:"gte=0"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	CORS         CORSConfig      `yaml:"cors"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr" validate:"required,hostname_port"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	DBPath   string `yaml:"db_path" validate:"required"`

	// WifiOnly is the initial value of the persisted wifi-only preference.
	// Changing it in config.yaml at runtime updates the preference.
	WifiOnly bool `yaml:"wifi_only"`

	// NotificationTarget is handed to the lifecycle host unchanged.
	NotificationTarget string `yaml:"notification_target"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds" validate:"gte=0"`

	Queue   QueueConfig   `yaml:"queue"`
	Network NetworkConfig `yaml:"network"`
	Gateway GatewayConfig `yaml:"gateway"`
	OTel    otel.Config   `yaml:"otel"`

	// NeedsInit is set when no config.yaml existed.
	NeedsInit bool `yaml:"-"`
}

var validate = validator.New()

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMs) * time.Millisecond
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (r RetryConfig) InitialInterval() time.Duration {
	return time.Duration(r.InitialIntervalMs) * time.Millisecond
}

func (r RetryConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalMs) * time.Millisecond
}

func (n NetworkConfig) ProbeInterval() time.Duration {
	return time.Duration(n.ProbeIntervalMs) * time.Millisecond
}

func (n NetworkConfig) ProbeTimeout() time.Duration {
	return time.Duration(n.ProbeTimeoutMs) * time.Millisecond
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetWifiOnly rewrites wifi_only in config.yaml, preserving other settings.
// A running daemon picks the change up through its Watcher.
func SetWifiOnly(homeDir string, v bool) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create turnstile home: %w", err)
	}
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	raw["wifi_only"] = v
	return saveRawConfig(path, raw)
}

// Fingerprint returns a stable hash of the settings that shape scheduling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|queue=%s/%s/%d|retry=%d/%d/%d/%g/%v|net=%t/%s|wifi=%t",
		c.BindAddr, c.LogLevel, c.DBPath,
		c.Queue.Name, c.Queue.Mode, c.Queue.PoolSize,
		c.Queue.Retry.MaxAttempts, c.Queue.Retry.InitialIntervalMs, c.Queue.Retry.MaxIntervalMs,
		c.Queue.Retry.Multiplier, c.Queue.Retry.RetryableDomains,
		c.Network.Enabled, c.Network.ProbeAddr, c.WifiOnly)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Queue: QueueConfig{
			Name:           "default",
			Mode:           "series",
			PoolSize:       4,
			PollIntervalMs: 1000,
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialIntervalMs: 1000,
				MaxIntervalMs:     60_000,
				Multiplier:        2,
			},
		},
		Network: NetworkConfig{
			ProbeAddr:       "1.1.1.1:53",
			ProbeIntervalMs: 5000,
			ProbeTimeoutMs:  2000,
		},
		OTel: otel.Config{Exporter: "none", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("TURNSTILE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".turnstile")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create turnstile home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Queue.Mode = strings.ToLower(strings.TrimSpace(cfg.Queue.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "turnstile.db")
	}
	if cfg.Queue.Mode == "series" {
		cfg.Queue.PoolSize = 1
	}
	for i, d := range cfg.Queue.Retry.RetryableDomains {
		cfg.Queue.Retry.RetryableDomains[i] = strings.TrimSpace(d)
	}
}

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TURNSTILE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TURNSTILE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TURNSTILE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TURNSTILE_QUEUE_MODE"); raw != "" {
		cfg.Queue.Mode = raw
	}
	if raw := os.Getenv("TURNSTILE_POOL_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.PoolSize = v
		}
	}
	if raw := os.Getenv("TURNSTILE_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.Retry.MaxAttempts = v
		}
	}
	if raw := os.Getenv("TURNSTILE_WIFI_ONLY"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.WifiOnly = v
		}
	}
	if raw := os.Getenv("TURNSTILE_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
}
