package condition

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Prober reports connectivity. metered is true when the only usable links are
// metered ones (cellular, tethering).
type Prober interface {
	Probe(ctx context.Context) (online, metered bool)
}

type NetworkConfig struct {
	// ProbeAddr is dialed over TCP to confirm reachability, e.g. "1.1.1.1:53".
	ProbeAddr string
	Interval  time.Duration
	Timeout   time.Duration
	// MeteredInterfaces lists interface name prefixes treated as metered.
	MeteredInterfaces []string
}

// Network is satisfied while the host is online and, when wifiOnly reports
// true, an unmetered link is available.
type Network struct {
	prober   Prober
	wifiOnly func() bool
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	online  bool
	metered bool
	subs    listeners
}

// NewNetwork builds a Network condition over prober. A nil wifiOnly means
// metered links are always acceptable.
func NewNetwork(prober Prober, interval time.Duration, wifiOnly func() bool, logger *slog.Logger) *Network {
	if wifiOnly == nil {
		wifiOnly = func() bool { return false }
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{
		prober:   prober,
		wifiOnly: wifiOnly,
		interval: interval,
		logger:   logger.With("subsystem", "condition"),
	}
}

func (n *Network) Name() string { return "network" }

func (n *Network) Satisfied() bool {
	n.mu.Lock()
	online, metered := n.online, n.metered
	n.mu.Unlock()
	if !online {
		return false
	}
	return !(metered && n.wifiOnly())
}

func (n *Network) Notify(fn func()) func() { return n.subs.add(fn) }

// Refresh probes once and notifies listeners when the link state changed.
func (n *Network) Refresh(ctx context.Context) {
	online, metered := n.prober.Probe(ctx)
	n.mu.Lock()
	changed := online != n.online || metered != n.metered
	n.online, n.metered = online, metered
	n.mu.Unlock()
	if changed {
		n.logger.Info("network state changed", "online", online, "metered", metered)
		n.subs.fire()
	}
}

// PreferenceChanged re-notifies listeners after the wifi-only setting flips.
func (n *Network) PreferenceChanged() {
	n.subs.fire()
}

// Run probes immediately and then on every interval until ctx is done.
func (n *Network) Run(ctx context.Context) {
	n.Refresh(ctx)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Refresh(ctx)
		}
	}
}

// DialProber dials ProbeAddr and inspects local interfaces.
type DialProber struct {
	cfg        NetworkConfig
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	interfaces func() ([]net.Interface, error)
}

func NewDialProber(cfg NetworkConfig) *DialProber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	d := &net.Dialer{}
	return &DialProber{cfg: cfg, dial: d.DialContext, interfaces: net.Interfaces}
}

func (p *DialProber) Probe(ctx context.Context) (online, metered bool) {
	if p.cfg.ProbeAddr != "" {
		dctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		conn, err := p.dial(dctx, "tcp", p.cfg.ProbeAddr)
		cancel()
		if err != nil {
			return false, false
		}
		_ = conn.Close()
	}
	ifaces, err := p.interfaces()
	if err != nil {
		// Reachability was confirmed; without interface data assume unmetered.
		return p.cfg.ProbeAddr != "", false
	}
	var up, unmetered int
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		up++
		if !p.isMetered(iface.Name) {
			unmetered++
		}
	}
	if up == 0 {
		return false, false
	}
	return true, unmetered == 0
}

func (p *DialProber) isMetered(name string) bool {
	for _, prefix := range p.cfg.MeteredInterfaces {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
