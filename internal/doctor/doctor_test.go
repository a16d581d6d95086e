package doctor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/turnstile/internal/condition"
	"github.com/basket/turnstile/internal/config"
)

func loadTestConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TURNSTILE_HOME", home)
	if yaml != "" {
		if err := writeFile(filepath.Join(home, "config.yaml"), yaml); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_DefaultsWithoutDaemon(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.BindAddr = "127.0.0.1:1"

	d := Run(context.Background(), cfg, "test")
	if d.System.Version != "test" {
		t.Fatalf("unexpected version %q", d.System.Version)
	}
	if got := find(t, d, "Config").Status; got != StatusWarn {
		t.Fatalf("config check = %s, want WARN for missing config.yaml", got)
	}
	if got := find(t, d, "Permissions").Status; got != StatusPass {
		t.Fatalf("permissions check = %s", got)
	}
	db := find(t, d, "Database")
	if db.Status != StatusPass {
		t.Fatalf("database check = %+v", db)
	}
	if got := find(t, d, "Network").Status; got != StatusSkip {
		t.Fatalf("network check = %s, want SKIP when disabled", got)
	}
	if got := find(t, d, "Daemon").Status; got != StatusWarn {
		t.Fatalf("daemon check = %s, want WARN when nothing listens", got)
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
}

func TestCheckDaemon_Running(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := loadTestConfig(t, "bind_addr: \""+ts.Listener.Addr().String()+"\"\n")
	if got := checkDaemon(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("daemon check = %+v", got)
	}
}

type fakeProber struct{ online, metered bool }

func (p fakeProber) Probe(context.Context) (bool, bool) { return p.online, p.metered }

func TestCheckNetwork_Probe(t *testing.T) {
	orig := newProber
	t.Cleanup(func() { newProber = orig })

	cfg := loadTestConfig(t, "network:\n  enabled: true\n  probe_addr: \"127.0.0.1:53\"\n")

	cases := []struct {
		name     string
		prober   fakeProber
		wifiOnly bool
		want     string
	}{
		{"online", fakeProber{online: true}, false, StatusPass},
		{"offline", fakeProber{}, false, StatusFail},
		{"metered allowed", fakeProber{online: true, metered: true}, false, StatusPass},
		{"metered wifi only", fakeProber{online: true, metered: true}, true, StatusWarn},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			newProber = func(condition.NetworkConfig) condition.Prober { return tc.prober }
			cfg.WifiOnly = tc.wifiOnly
			if got := checkNetwork(context.Background(), cfg); got.Status != tc.want {
				t.Fatalf("network check = %+v, want %s", got, tc.want)
			}
		})
	}
}

func TestNilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if got := find(t, d, "Config").Status; got != StatusFail {
		t.Fatalf("config check = %s, want FAIL", got)
	}
	for _, name := range []string{"Permissions", "Database", "Network", "Daemon"} {
		if got := find(t, d, name).Status; got != StatusSkip {
			t.Fatalf("%s check = %s, want SKIP", name, got)
		}
	}
	if !d.Failed() {
		t.Fatal("expected Failed() with nil config")
	}
}

func writeFile(path, data string) error {
	return os.WriteFile(path, []byte(data), 0o644)
}
