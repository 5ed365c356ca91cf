// Package stats records delivery outcomes for operators.
package stats

import (
	"log/slog"
	"sync"
	"time"
)

// Kind classifies a delivery event.
type Kind string

const (
	// KindDelivered is a confirmed delivery.
	KindDelivered Kind = "delivered"
	// KindFailed is a delivery that will not be retried again.
	KindFailed Kind = "failed"
	// KindDeferred is a delivery moved to the backlog for a later drain.
	KindDeferred Kind = "deferred"
	// KindAbandoned is a backlog entry given up on.
	KindAbandoned Kind = "abandoned"
)

// Source identifies which part of the engine produced an event.
type Source string

const (
	SourceLive    Source = "live"
	SourceBacklog Source = "backlog"
)

// Event is one recorded delivery outcome.
type Event struct {
	Kind       Kind      `json:"kind"`
	Source     Source    `json:"source"`
	Origin     string    `json:"origin"`
	Capability string    `json:"capability"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Recorder receives delivery events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ev Event)
}

// LogRecorder writes events to slog and keeps running totals.
type LogRecorder struct {
	mu     sync.Mutex
	totals map[Kind]int
}

// NewLogRecorder creates a LogRecorder.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{totals: make(map[Kind]int)}
}

// Record logs the event and bumps its counter.
func (r *LogRecorder) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.mu.Lock()
	r.totals[ev.Kind]++
	r.mu.Unlock()

	attrs := []any{
		"kind", ev.Kind,
		"source", ev.Source,
		"origin", ev.Origin,
		"capability", ev.Capability,
		"attempts", ev.Attempts,
	}
	switch ev.Kind {
	case KindFailed, KindAbandoned:
		slog.Warn("LogRecorder.Record: delivery event", append(attrs, "error", ev.Error)...)
	default:
		slog.Info("LogRecorder.Record: delivery event", attrs...)
	}
}

// Totals returns a copy of the per-kind counters.
func (r *LogRecorder) Totals() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Kind]int, len(r.totals))
	for k, v := range r.totals {
		out[k] = v
	}
	return out
}

// MemoryRecorder keeps every event; tests use it to assert on outcomes.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends the event.
func (r *MemoryRecorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of the given kind were recorded.
func (r *MemoryRecorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Discard drops every event.
type Discard struct{}

// Record does nothing.
func (Discard) Record(Event) {}
