// Package doctor runs local diagnostic checks for the turnstile daemon.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/turnstile/internal/condition"
	"github.com/basket/turnstile/internal/config"
	"github.com/basket/turnstile/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks in order.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range []check{checkConfig, checkPermissions, checkDatabase, checkNetwork, checkDaemon} {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: err.Error()}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml, using defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: err.Error()}
	}
	n, err := store.Count(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d stored tasks", version, n), Detail: cfg.DBPath}
}

var newProber = func(cfg condition.NetworkConfig) condition.Prober {
	return condition.NewDialProber(cfg)
}

// checkNetwork runs the same probe the connectivity condition uses.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Network.Enabled {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Network condition disabled"}
	}
	prober := newProber(condition.NetworkConfig{
		ProbeAddr:         cfg.Network.ProbeAddr,
		Timeout:           cfg.Network.ProbeTimeout(),
		MeteredInterfaces: cfg.Network.MeteredInterfaces,
	})
	start := time.Now()
	online, metered := prober.Probe(ctx)
	latency := time.Since(start)
	detail := fmt.Sprintf("probe=%s, latency=%dms, metered=%t", cfg.Network.ProbeAddr, latency.Milliseconds(), metered)
	switch {
	case !online:
		return CheckResult{Name: "Network", Status: StatusFail, Message: "Probe unreachable; tasks will wait", Detail: detail}
	case metered && cfg.WifiOnly:
		return CheckResult{Name: "Network", Status: StatusWarn, Message: "Only metered links up and wifi_only is set; tasks will wait", Detail: detail}
	}
	return CheckResult{Name: "Network", Status: StatusPass, Message: "Probe reachable", Detail: detail}
}

func checkDaemon(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Daemon", Status: StatusSkip, Message: "Config missing"}
	}
	host, port, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: StatusFail, Message: fmt.Sprintf("Bad bind_addr: %v", err)}
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, port) + "/healthz"

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: StatusFail, Message: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{Name: "Daemon", Status: StatusWarn, Message: "Not running", Detail: url}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Daemon", Status: StatusFail, Message: fmt.Sprintf("Health check returned %d", resp.StatusCode), Detail: url}
	}
	return CheckResult{Name: "Daemon", Status: StatusPass, Message: "Running", Detail: url}
}
