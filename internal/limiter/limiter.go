// Package limiter provides the sliding-window admission limiter that gates how many
// deliveries ForwardPipe may start per time window.
//
// The limiter is constructed once at process start and injected into every component
// that delivers messages. Its state lives in memory only and resets on restart.
package limiter

import (
	"log/slog"
	"sync"
	"time"
)

// Default admission settings.
const (
	// DefaultWindow is the length of the sliding window.
	DefaultWindow = 60 * time.Second
	// DefaultCapacity is the number of deliveries admitted per window.
	DefaultCapacity = 10
)

// Opts holds configuration options for the limiter.
type Opts struct {
	Window   time.Duration
	Capacity int
	Now      func() time.Time
}

// Option defines a configuration option for the limiter.
type Option func(*Opts)

// WithWindow sets the sliding window length.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) {
		o.Window = d
	}
}

// WithCapacity sets the number of deliveries admitted per window.
func WithCapacity(n int) Option {
	return func(o *Opts) {
		o.Capacity = n
	}
}

// WithClock replaces the clock used to stamp and purge records.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Limiter is a sliding-window admission limiter.
//
// Allowed and Record are separate calls. Concurrent callers can both observe
// Allowed() == true before either records, so the window may briefly exceed its
// capacity by the number of racing callers. Use TryAcquire for a strict bound.
type Limiter struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	now      func() time.Time
	stamps   []time.Time // oldest first
}

// New creates a Limiter with the given options applied over the defaults.
func New(opts ...Option) *Limiter {
	cfg := Opts{
		Window:   DefaultWindow,
		Capacity: DefaultCapacity,
		Now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	slog.Debug("limiter.New: admission limiter created", "window", cfg.Window, "capacity", cfg.Capacity)
	return &Limiter{
		window:   cfg.Window,
		capacity: cfg.Capacity,
		now:      cfg.Now,
	}
}

// Allowed purges expired records and reports whether another delivery may start.
func (l *Limiter) Allowed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked(l.now())
	return len(l.stamps) < l.capacity
}

// Record stamps one delivery at the current time.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps = append(l.stamps, l.now())
}

// TryAcquire checks and records in one step. It returns false without recording
// when the window is full.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.purgeLocked(now)
	if len(l.stamps) >= l.capacity {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// CurrentCount returns the number of records inside the window.
func (l *Limiter) CurrentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked(l.now())
	return len(l.stamps)
}

// TimeUntilNextSlot returns how long until Allowed would return true.
// It returns zero when a slot is already free.
func (l *Limiter) TimeUntilNextSlot() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.purgeLocked(now)
	if len(l.stamps) < l.capacity {
		return 0
	}
	// The slot frees when the record that keeps the window full expires.
	idx := len(l.stamps) - l.capacity
	wait := l.stamps[idx].Add(l.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Reset drops all records. Intended for tests and debugging.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps = nil
	slog.Debug("Limiter.Reset: window cleared")
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Capacity returns the configured capacity.
func (l *Limiter) Capacity() int {
	return l.capacity
}

func (l *Limiter) purgeLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
