// Package connectivity tracks whether outbound network reachability exists.
//
// The Monitor caches the last probe result. Re-probes are triggered by filesystem
// notifications on network-manager state paths when any can be watched, and by a
// polling ticker otherwise.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind is a coarse classification of the active connection.
type Kind string

const (
	KindWiFi     Kind = "wifi-like"
	KindCellular Kind = "cellular-like"
	KindWired    Kind = "wired-like"
	KindNone     Kind = "none"
)

// DefaultPollInterval is the re-probe interval. It applies in push mode too, since
// not every link change produces a filesystem event.
const DefaultPollInterval = 15 * time.Second

// DefaultWatchPaths are common locations whose contents change with link state.
// sysfs is left out: it emits no inotify events for link changes.
var DefaultWatchPaths = []string{
	"/run/NetworkManager",
	"/run/systemd/netif/links",
}

// Status is one probe result.
type Status struct {
	Reachable bool      `json:"reachable"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Prober determines current reachability.
type Prober interface {
	Probe(ctx context.Context) Status
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) Status

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) Status { return f(ctx) }

// ObserverID identifies a registered observer.
type ObserverID uint64

// Opts configures a Monitor.
type Opts struct {
	Prober       Prober
	WatchPaths   []string
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// Option customizes a Monitor.
type Option func(*Opts)

// WithProber replaces the default interface prober.
func WithProber(p Prober) Option {
	return func(o *Opts) {
		o.Prober = p
	}
}

// WithWatchPaths sets the paths watched for connectivity changes. An empty list
// forces polling.
func WithWatchPaths(paths ...string) Option {
	return func(o *Opts) {
		o.WatchPaths = paths
		if o.WatchPaths == nil {
			o.WatchPaths = []string{}
		}
	}
}

// WithPollInterval sets the polling interval used without push notifications.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ProbeTimeout = d
	}
}

// Monitor caches reachability and notifies observers of changes.
type Monitor struct {
	opts Opts

	mu        sync.RWMutex
	status    Status
	observers map[ObserverID]func(Status)
	nextID    ObserverID

	lifecycle sync.Mutex
	watcher   *fsnotify.Watcher
	stop      chan struct{}
	done      chan struct{}
	mode      string
}

// New creates a Monitor. Until Start or Refresh runs, it reports no reachability.
func New(opts ...Option) *Monitor {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Prober == nil {
		cfg.Prober = &InterfaceProber{}
	}
	if cfg.WatchPaths == nil {
		cfg.WatchPaths = DefaultWatchPaths
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{
		opts:      cfg,
		status:    Status{Kind: KindNone, Detail: "not checked yet"},
		observers: make(map[ObserverID]func(Status)),
	}
}

// IsReachable reports the cached reachability.
func (m *Monitor) IsReachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Reachable
}

// ConnectionKind reports the cached connection kind.
func (m *Monitor) ConnectionKind() Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Kind
}

// Status returns the cached status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// StatusDescription returns a human-readable summary of the cached status.
func (m *Monitor) StatusDescription() string {
	s := m.Status()
	if !s.Reachable {
		if s.Detail != "" {
			return "offline (" + s.Detail + ")"
		}
		return "offline"
	}
	desc := fmt.Sprintf("online via %s connection", s.Kind)
	if s.Detail != "" {
		desc += " (" + s.Detail + ")"
	}
	return desc
}

// Mode reports "push", "poll", or "" when not started.
func (m *Monitor) Mode() string {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.mode
}

// AddObserver registers fn to be called after every change of reachability or kind.
func (m *Monitor) AddObserver(fn func(Status)) ObserverID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.observers[m.nextID] = fn
	return m.nextID
}

// RemoveObserver unregisters an observer. Unknown ids are ignored.
func (m *Monitor) RemoveObserver(id ObserverID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, id)
}

// Refresh probes now, updates the cache and notifies observers on change.
func (m *Monitor) Refresh(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	next := m.opts.Prober.Probe(ctx)
	if next.CheckedAt.IsZero() {
		next.CheckedAt = time.Now()
	}
	if next.Kind == "" {
		next.Kind = KindNone
	}

	m.mu.Lock()
	prev := m.status
	m.status = next
	changed := prev.Reachable != next.Reachable || prev.Kind != next.Kind
	var notify []func(Status)
	if changed {
		ids := make([]ObserverID, 0, len(m.observers))
		for id := range m.observers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			notify = append(notify, m.observers[id])
		}
	}
	m.mu.Unlock()

	if changed {
		slog.Info("Monitor.Refresh: connectivity changed", "reachable", next.Reachable, "kind", next.Kind, "detail", next.Detail)
		for _, fn := range notify {
			fn(next)
		}
	}
	return next
}

// Start performs an initial probe, then re-probes on filesystem events and every
// PollInterval until Stop or until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.stop != nil {
		return fmt.Errorf("connectivity monitor already started")
	}

	m.Refresh(ctx)

	watcher, watched := m.openWatcher()
	m.watcher = watcher
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	if watched > 0 {
		m.mode = "push"
	} else {
		m.mode = "poll"
	}
	slog.Info("Monitor.Start: connectivity monitoring started", "mode", m.mode, "watched_paths", watched, "poll_interval", m.opts.PollInterval)

	go m.loop(ctx, watcher, m.stop, m.done)
	return nil
}

func (m *Monitor) openWatcher() (*fsnotify.Watcher, int) {
	if len(m.opts.WatchPaths) == 0 {
		return nil, 0
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Monitor.openWatcher: push notifications unavailable, polling", "error", err)
		return nil, 0
	}
	watched := 0
	for _, p := range m.opts.WatchPaths {
		if err := w.Add(p); err != nil {
			slog.Debug("Monitor.openWatcher: cannot watch path", "path", p, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		w.Close()
		return nil, 0
	}
	return w, watched
}

func (m *Monitor) loop(ctx context.Context, watcher *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				slog.Warn("Monitor.loop: watcher closed, polling only")
				events = nil
				continue
			}
			slog.Debug("Monitor.loop: network state event", "path", ev.Name, "op", ev.Op.String())
			m.Refresh(ctx)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("Monitor.loop: watcher error", "error", err)
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Stop ends monitoring and waits for the background goroutine to exit.
func (m *Monitor) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.stop == nil {
		return nil
	}
	close(m.stop)
	<-m.done
	var err error
	if m.watcher != nil {
		err = m.watcher.Close()
		m.watcher = nil
	}
	m.stop = nil
	m.done = nil
	m.mode = ""
	slog.Info("Monitor.Stop: connectivity monitoring stopped")
	return err
}
