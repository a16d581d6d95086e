package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/basket/turnstile/internal/audit"
	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/cache"
	"github.com/basket/turnstile/internal/condition"
	"github.com/basket/turnstile/internal/config"
	"github.com/basket/turnstile/internal/gateway"
	"github.com/basket/turnstile/internal/notify"
	otelPkg "github.com/basket/turnstile/internal/otel"
	"github.com/basket/turnstile/internal/persistence"
	"github.com/basket/turnstile/internal/queue"
	"github.com/basket/turnstile/internal/settings"
	"github.com/basket/turnstile/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.4-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s [-verbose]                 Run the queue daemon
  %[1]s status [-health]           Print daemon status (/status or /healthz)
  %[1]s doctor [-json]             Run diagnostic checks
  %[1]s wifi-only on|off           Persist the wifi-only preference in config.yaml
  %[1]s version                    Print the version

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TURNSTILE_HOME          Data directory (default: ~/.turnstile)
  TURNSTILE_BIND_ADDR     Gateway listen address
  TURNSTILE_QUEUE_MODE    series or parallel
  TURNSTILE_AUTH_TOKEN    Bearer token required by the gateway
`)
}

func main() {
	verbose := flag.Bool("verbose", false, "log to stdout even when it is not a terminal")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "wifi-only":
			os.Exit(runWifiOnlyCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	quiet := !*verbose && !isatty.IsTerminal(os.Stdout.Fd())
	os.Exit(runDaemon(ctx, quiet))
}

func fatalStartup(logger *slog.Logger, code string, err error) int {
	logger.Error("startup failed", "reason_code", code, "error", err)
	fmt.Fprintf(os.Stderr, "turnstile: %s: %v\n", code, err)
	return 1
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint(),
		"queue", cfg.Queue.Name, "mode", cfg.Queue.Mode, "pool_size", cfg.Queue.PoolSize)
	if cfg.NeedsInit {
		logger.Info("no config.yaml found, running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(sctx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath, nil, logger)
	if err != nil {
		return fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "db_opened", "path", cfg.DBPath)

	eventBus := bus.New()

	prefs, err := settings.Load(ctx, store, cfg.Queue.Name, eventBus, logger)
	if err != nil {
		return fatalStartup(logger, "E_SETTINGS_LOAD", err)
	}
	defer prefs.Close()
	prefs.SetWifiOnly(cfg.WifiOnly)

	taskCache, err := cache.New(ctx, store, logger)
	if err != nil {
		return fatalStartup(logger, "E_CACHE_LOAD", err)
	}

	var network *condition.Network
	var conds []condition.Condition
	if cfg.Network.Enabled {
		network = condition.NewNetwork(condition.NewDialProber(condition.NetworkConfig{
			ProbeAddr:         cfg.Network.ProbeAddr,
			Interval:          cfg.Network.ProbeInterval(),
			Timeout:           cfg.Network.ProbeTimeout(),
			MeteredInterfaces: cfg.Network.MeteredInterfaces,
		}), cfg.Network.ProbeInterval(), prefs.WifiOnly, logger)
		network.Refresh(ctx)
		conds = append(conds, network)
	}

	mode, err := queue.ParseMode(cfg.Queue.Mode)
	if err != nil {
		return fatalStartup(logger, "E_CONFIG_INVALID", err)
	}
	mgr, err := queue.New(taskCache, queue.Options{
		Name:     cfg.Queue.Name,
		Mode:     mode,
		PoolSize: cfg.Queue.PoolSize,
		Retry: queue.RetryPolicy{
			MaxAttempts:      cfg.Queue.Retry.MaxAttempts,
			RetryableDomains: cfg.Queue.Retry.RetryableDomains,
			InitialInterval:  cfg.Queue.Retry.InitialInterval(),
			MaxInterval:      cfg.Queue.Retry.MaxInterval(),
			Multiplier:       cfg.Queue.Retry.Multiplier,
		},
		Conditions:   conds,
		Handlers:     map[string]queue.Handler{sleepKind: queue.HandlerFunc(runSleep)},
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
		Bus:          eventBus,
		Preferences:  prefs,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	})
	if err != nil {
		return fatalStartup(logger, "E_QUEUE_INIT", err)
	}

	tracker := notify.New(cfg.NotificationTarget, len(mgr.TasksToRun()), nil)
	mgr.Subscribe(tracker.Observe)
	tracker.OnChange(func(s notify.Snapshot) {
		logger.Debug("notification update", "active", s.Active, "finished", s.Finished,
			"total", s.Total, "following", s.FollowingID, "progress", s.Progress)
	})

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fatalStartup(logger, "E_AUDIT_OPEN", err)
	}
	defer auditLog.Close()

	gw := gateway.New(gateway.Config{
		Manager:           mgr,
		Tracker:           tracker,
		Audit:             auditLog,
		Gateway:           cfg.Gateway,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
	})

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			err = fmt.Errorf("%w (is another turnstile running? try `%s status`)", err, os.Args[0])
		}
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}

	mgr.Start()
	logger.Info("startup phase", "phase", "scheduler_started", "pending", len(mgr.TasksToRun()))

	g, gctx := errgroup.WithContext(ctx)
	gw.StartBackgroundTasks(gctx)

	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})
	if network != nil {
		g.Go(func() error {
			network.Run(gctx)
			return nil
		})
		g.Go(func() error {
			forwardPreferenceChanges(gctx, eventBus, cfg.Queue.Name, network)
			return nil
		})
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		g.Go(func() error {
			watchConfig(watcher.Events(), cfg, prefs, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped with error", "error", err)
	} else {
		logger.Info("shutdown signal received")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	var shutdownErr error
	if err := mgr.Close(drainCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
		logger.Warn("queue drain incomplete", "error", err)
	}
	if err := taskCache.Close(drainCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
		logger.Warn("cache flush incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	if shutdownErr != nil {
		return 1
	}
	return 0
}

// forwardPreferenceChanges re-evaluates the network gate when wifi_only flips.
func forwardPreferenceChanges(ctx context.Context, b *bus.Bus, manager string, n *condition.Network) {
	sub := b.Subscribe(bus.TopicSettingsChanged)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if sc, ok := ev.Payload.(bus.SettingChanged); ok && sc.Manager == manager && sc.Key == settings.KeyWifiOnly {
				n.PreferenceChanged()
			}
		}
	}
}

// watchConfig applies hot-reloadable settings. Everything else needs a restart.
func watchConfig(events <-chan config.ReloadEvent, current config.Config, prefs *settings.Preferences, logger *slog.Logger) {
	for ev := range events {
		next, err := config.Load()
		if err != nil {
			logger.Warn("config reload rejected", "path", ev.Path, "error", err)
			continue
		}
		prefs.SetWifiOnly(next.WifiOnly)
		next.WifiOnly = current.WifiOnly
		if next.Fingerprint() != current.Fingerprint() {
			logger.Info("config changed; restart to apply", "path", ev.Path, "config_fingerprint", next.Fingerprint())
		} else {
			logger.Info("config reloaded", "path", ev.Path, "wifi_only", prefs.WifiOnly())
		}
	}
}
