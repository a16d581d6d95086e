package condition

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggle_NotifiesOnlyOnFlip(t *testing.T) {
	tg := NewToggle("manual", false)
	var calls atomic.Int32
	cancel := tg.Notify(func() { calls.Add(1) })

	tg.Set(false)
	assert.Equal(t, int32(0), calls.Load())
	tg.Set(true)
	assert.True(t, tg.Satisfied())
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	tg.Set(false)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAll_RequiresEveryMember(t *testing.T) {
	a := NewToggle("a", true)
	b := NewToggle("b", false)
	polled := NewFunc("polled", func() bool { return true })
	all := All(a, b, polled)
	assert.False(t, all.Satisfied())

	var calls atomic.Int32
	cancel := all.Notify(func() { calls.Add(1) })
	defer cancel()

	b.Set(true)
	assert.True(t, all.Satisfied())
	assert.Equal(t, int32(1), calls.Load())
	a.Set(false)
	assert.False(t, all.Satisfied())
	assert.Equal(t, int32(2), calls.Load())
}

func TestNameOf(t *testing.T) {
	assert.Equal(t, "a", NameOf(NewToggle("a", true)))
	assert.Equal(t, "network", NameOf(NewNetwork(staticProber{}, 0, nil, nil)))
	assert.Equal(t, "condition", NameOf(anon{}))
}

type anon struct{}

func (anon) Satisfied() bool { return true }

type staticProber struct{ online, metered bool }

func (p staticProber) Probe(context.Context) (bool, bool) { return p.online, p.metered }

type switchProber struct{ online, metered atomic.Bool }

func (p *switchProber) Probe(context.Context) (bool, bool) { return p.online.Load(), p.metered.Load() }

func TestNetwork_RespectsWifiOnly(t *testing.T) {
	prober := &switchProber{}
	var wifiOnly atomic.Bool
	n := NewNetwork(prober, 0, wifiOnly.Load, nil)
	var calls atomic.Int32
	n.Notify(func() { calls.Add(1) })

	ctx := context.Background()
	n.Refresh(ctx)
	assert.False(t, n.Satisfied(), "offline before first successful probe")
	assert.Equal(t, int32(0), calls.Load())

	prober.online.Store(true)
	prober.metered.Store(true)
	n.Refresh(ctx)
	assert.True(t, n.Satisfied(), "metered is fine while wifi-only is off")
	assert.Equal(t, int32(1), calls.Load())

	wifiOnly.Store(true)
	n.PreferenceChanged()
	assert.False(t, n.Satisfied())
	assert.Equal(t, int32(2), calls.Load())

	prober.metered.Store(false)
	n.Refresh(ctx)
	assert.True(t, n.Satisfied())
}

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestDialProber(t *testing.T) {
	p := NewDialProber(NetworkConfig{ProbeAddr: "probe:53", MeteredInterfaces: []string{"wwan", "ppp"}})
	p.dial = func(context.Context, string, string) (net.Conn, error) { return fakeConn{}, nil }

	p.interfaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
			{Name: "wwan0", Flags: net.FlagUp},
		}, nil
	}
	online, metered := p.Probe(context.Background())
	assert.True(t, online)
	assert.True(t, metered)

	p.interfaces = func() ([]net.Interface, error) {
		return []net.Interface{{Name: "wwan0", Flags: net.FlagUp}, {Name: "eth0", Flags: net.FlagUp}}, nil
	}
	online, metered = p.Probe(context.Background())
	assert.True(t, online)
	assert.False(t, metered)

	p.interfaces = func() ([]net.Interface, error) {
		return []net.Interface{{Name: "eth0"}}, nil
	}
	online, _ = p.Probe(context.Background())
	assert.False(t, online, "no interface up")

	p.dial = func(context.Context, string, string) (net.Conn, error) { return nil, errors.New("unreachable") }
	online, _ = p.Probe(context.Background())
	require.False(t, online)
}
