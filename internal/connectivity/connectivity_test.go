package connectivity

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProber returns whatever status it was last given.
type fakeProber struct {
	mu     sync.Mutex
	status Status
	calls  atomic.Int32
}

func (f *fakeProber) set(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeProber) Probe(ctx context.Context) Status {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMonitorInitiallyUnreachable(t *testing.T) {
	m := New(WithProber(&fakeProber{}))
	if m.IsReachable() {
		t.Error("monitor must not report reachability before the first probe")
	}
	if m.ConnectionKind() != KindNone {
		t.Errorf("expected kind none, got %s", m.ConnectionKind())
	}
}

func TestMonitorRefreshAndObservers(t *testing.T) {
	p := &fakeProber{}
	m := New(WithProber(p))

	var got []Status
	id := m.AddObserver(func(s Status) { got = append(got, s) })

	p.set(Status{Reachable: true, Kind: KindWiFi})
	m.Refresh(context.Background())
	if !m.IsReachable() || m.ConnectionKind() != KindWiFi {
		t.Fatalf("unexpected status after refresh: %+v", m.Status())
	}

	// Same status again must not notify.
	m.Refresh(context.Background())

	p.set(Status{Reachable: true, Kind: KindCellular})
	m.Refresh(context.Background())

	if len(got) != 2 || got[0].Kind != KindWiFi || got[1].Kind != KindCellular {
		t.Errorf("unexpected notifications: %+v", got)
	}

	m.RemoveObserver(id)
	p.set(Status{Kind: KindNone})
	m.Refresh(context.Background())
	if len(got) != 2 {
		t.Errorf("removed observer was notified: %+v", got)
	}
	if m.IsReachable() {
		t.Error("expected unreachable after last refresh")
	}
}

func TestStatusDescription(t *testing.T) {
	p := &fakeProber{}
	m := New(WithProber(p))

	p.set(Status{Kind: KindNone, Detail: "no active interface"})
	m.Refresh(context.Background())
	if got := m.StatusDescription(); got != "offline (no active interface)" {
		t.Errorf("unexpected description: %q", got)
	}

	p.set(Status{Reachable: true, Kind: KindWired, Detail: "eth0"})
	m.Refresh(context.Background())
	if got := m.StatusDescription(); got != "online via wired-like connection (eth0)" {
		t.Errorf("unexpected description: %q", got)
	}
}

func TestMonitorPollingFallback(t *testing.T) {
	p := &fakeProber{}
	m := New(WithProber(p), WithWatchPaths(), WithPollInterval(10*time.Millisecond))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if m.Mode() != "poll" {
		t.Errorf("expected poll mode, got %q", m.Mode())
	}
	p.set(Status{Reachable: true, Kind: KindWired})
	waitFor(t, m.IsReachable)
}

func TestMonitorPushNotifications(t *testing.T) {
	dir := t.TempDir()
	p := &fakeProber{}
	m := New(WithProber(p), WithWatchPaths(dir, filepath.Join(dir, "missing")), WithPollInterval(time.Hour))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if m.Mode() != "push" {
		t.Fatalf("expected push mode, got %q", m.Mode())
	}

	changed := make(chan Status, 4)
	m.AddObserver(func(s Status) { changed <- s })

	p.set(Status{Reachable: true, Kind: KindWiFi})
	if err := os.WriteFile(filepath.Join(dir, "state"), []byte("connected"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case s := <-changed:
		if !s.Reachable || s.Kind != KindWiFi {
			t.Errorf("unexpected status: %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after filesystem event")
	}
}

func TestMonitorPushModeKeepsPolling(t *testing.T) {
	dir := t.TempDir()
	p := &fakeProber{}
	m := New(WithProber(p), WithWatchPaths(dir), WithPollInterval(20*time.Millisecond))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if m.Mode() != "push" {
		t.Fatalf("expected push mode, got %q", m.Mode())
	}
	if m.IsReachable() {
		t.Fatal("expected unreachable after the first probe")
	}

	// The link recovers without any event under the watched directory.
	p.set(Status{Reachable: true, Kind: KindWired})
	waitFor(t, m.IsReachable)
	if p.calls.Load() < 2 {
		t.Errorf("expected re-probes, got %d", p.calls.Load())
	}
}

func TestDefaultWatchPathsSkipSysfs(t *testing.T) {
	for _, p := range DefaultWatchPaths {
		if strings.HasPrefix(p, "/sys/") {
			t.Errorf("default watch path %s never emits link events", p)
		}
	}
}

func TestMonitorStartTwice(t *testing.T) {
	m := New(WithProber(&fakeProber{}), WithWatchPaths())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()
	if err := m.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestMonitorStopIdempotent(t *testing.T) {
	m := New(WithProber(&fakeProber{}), WithWatchPaths())
	if err := m.Stop(); err != nil {
		t.Errorf("Stop before Start should be a no-op, got %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestClassifyInterface(t *testing.T) {
	tests := map[string]Kind{
		"wlan0":  KindWiFi,
		"wlp3s0": KindWiFi,
		"wwan0":  KindCellular,
		"rmnet0": KindCellular,
		"ppp0":   KindCellular,
		"eth0":   KindWired,
		"enp0s3": KindWired,
	}
	for name, want := range tests {
		if got := ClassifyInterface(name); got != want {
			t.Errorf("ClassifyInterface(%q) = %s, want %s", name, got, want)
		}
	}
}

func ipNet(s string) net.Addr {
	ip, n, _ := net.ParseCIDR(s)
	n.IP = ip
	return n
}

func TestInterfaceProber(t *testing.T) {
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		{Name: "wlan0", Flags: net.FlagUp},
		{Name: "eth0", Flags: 0},
	}
	addrs := map[string][]net.Addr{
		"lo":    {ipNet("127.0.0.1/8")},
		"wlan0": {ipNet("192.168.1.20/24")},
		"eth0":  {ipNet("10.0.0.5/24")},
	}
	p := &InterfaceProber{
		Interfaces: func() ([]net.Interface, error) { return ifaces, nil },
		Addrs:      func(i net.Interface) ([]net.Addr, error) { return addrs[i.Name], nil },
	}

	s := p.Probe(context.Background())
	if !s.Reachable || s.Kind != KindWiFi || s.Detail != "wlan0" {
		t.Errorf("unexpected status: %+v", s)
	}

	p.ProbeAddr = "198.51.100.1:443"
	p.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("network unreachable")
	}
	s = p.Probe(context.Background())
	if s.Reachable || s.Kind != KindWiFi {
		t.Errorf("failed probe dial must report unreachable: %+v", s)
	}

	p.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}
	if s = p.Probe(context.Background()); !s.Reachable {
		t.Errorf("successful probe dial must report reachable: %+v", s)
	}
}

func TestInterfaceProberNoActiveInterface(t *testing.T) {
	p := &InterfaceProber{
		Interfaces: func() ([]net.Interface, error) {
			return []net.Interface{{Name: "eth0", Flags: net.FlagUp}}, nil
		},
		Addrs: func(net.Interface) ([]net.Addr, error) { return []net.Addr{ipNet("fe80::1/64")}, nil },
	}
	s := p.Probe(context.Background())
	if s.Reachable || s.Kind != KindNone {
		t.Errorf("link-local only interface must not count: %+v", s)
	}
}
