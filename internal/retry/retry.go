// Package retry decorates a delivery capability with bounded, exponential-backoff retry.
//
// The first attempt runs synchronously inside Deliver. Later attempts are scheduled on
// the wrapper's own timers and the final result is reported on the returned channel
// and, for failures, to the terminal-failure callback.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/capability"
)

// Default retry policy values.
const (
	DefaultInitialDelay   = 1 * time.Second
	DefaultMultiplier     = 2.0
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 10 * time.Second
)

// ErrClosed is reported for deliveries refused or cancelled by Close.
var ErrClosed = errors.New("retry wrapper closed")

// Policy controls the backoff schedule.
type Policy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// DefaultPolicy returns 1s initial delay, multiplier 2 and 3 attempts.
func DefaultPolicy() Policy {
	return Policy{InitialDelay: DefaultInitialDelay, Multiplier: DefaultMultiplier, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.InitialDelay > 0 {
		d.InitialDelay = p.InitialDelay
	}
	if p.Multiplier >= 1 {
		d.Multiplier = p.Multiplier
	}
	if p.MaxAttempts > 0 {
		d.MaxAttempts = p.MaxAttempts
	}
	return d
}

// Delay returns the wait between attempt and attempt+1: InitialDelay × Multiplier^(attempt-1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// Outcome is the final result of one Deliver call.
type Outcome struct {
	Attempts int
	Err      error
}

// Delivered reports whether the message was accepted by the capability.
func (o Outcome) Delivered() bool { return o.Err == nil }

// Timer is the part of *time.Timer the wrapper needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Opts configures a Wrapper.
type Opts struct {
	AttemptTimeout    time.Duration
	OnTerminalFailure func(Outcome)
	AfterFunc         AfterFunc
}

// Option customizes a Wrapper.
type Option func(*Opts)

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.AttemptTimeout = d
	}
}

// WithTerminalFailure registers a callback invoked once for each delivery that ends in failure.
func WithTerminalFailure(fn func(Outcome)) Option {
	return func(o *Opts) {
		o.OnTerminalFailure = fn
	}
}

// WithAfterFunc replaces the timer source; tests use it to fire retries by hand.
func WithAfterFunc(fn AfterFunc) Option {
	return func(o *Opts) {
		o.AfterFunc = fn
	}
}

// Wrapper retries deliveries through one capability.
type Wrapper struct {
	cap    capability.Capability
	policy Policy
	opts   Opts

	mu      sync.Mutex
	closed  bool // no new deliveries
	stopped bool // no new retries
	pending map[*delivery]Timer
	wg      sync.WaitGroup
}

type delivery struct {
	ctx       context.Context
	origin    string
	content   string
	timestamp time.Time
	attempts  int
	lastErr   error
	out       chan Outcome
}

// New wraps c with the given retry policy.
func New(c capability.Capability, policy Policy, opts ...Option) *Wrapper {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	return &Wrapper{
		cap:     c,
		policy:  policy.normalized(),
		opts:    cfg,
		pending: make(map[*delivery]Timer),
	}
}

// Policy returns the effective policy.
func (w *Wrapper) Policy() Policy { return w.policy }

// Deliver runs the first attempt synchronously and schedules retries as needed. The
// returned channel receives exactly one Outcome and is then closed. Cancelling ctx does
// not cancel attempts; only its values are inherited.
func (w *Wrapper) Deliver(ctx context.Context, origin, content string, timestamp time.Time) <-chan Outcome {
	d := &delivery{
		ctx:       context.WithoutCancel(ctx),
		origin:    origin,
		content:   content,
		timestamp: timestamp,
		out:       make(chan Outcome, 1),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.finish(d, ErrClosed)
		return d.out
	}
	w.wg.Add(1)
	w.mu.Unlock()

	w.step(d)
	return d.out
}

// step runs one attempt and then either finishes the delivery or schedules the next
// attempt. The caller holds one wait-group slot, which step releases.
func (w *Wrapper) step(d *delivery) {
	defer w.wg.Done()

	d.attempts++
	err := w.attempt(d)
	switch {
	case err == nil:
		if d.attempts > 1 {
			slog.Info("Wrapper.step: retry succeeded", "capability", w.cap.Type(), "attempt", d.attempts)
		}
		w.finish(d, nil)
		return
	case capability.IsPermanent(err):
		slog.Warn("Wrapper.step: permanent failure, not retrying", "capability", w.cap.Type(), "attempt", d.attempts, "error", err)
		w.finish(d, err)
		return
	case d.attempts >= w.policy.MaxAttempts:
		slog.Error("Wrapper.step: delivery failed after max attempts", "capability", w.cap.Type(), "attempts", d.attempts, "error", err)
		w.finish(d, err)
		return
	}

	d.lastErr = err
	delay := w.policy.Delay(d.attempts)
	slog.Debug("Wrapper.step: attempt failed, scheduling retry", "capability", w.cap.Type(), "attempt", d.attempts, "delay", delay, "error", err)

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.finish(d, fmt.Errorf("%w: last error: %v", ErrClosed, err))
		return
	}
	w.wg.Add(1)
	w.pending[d] = w.opts.AfterFunc(delay, func() { w.fire(d) })
	w.mu.Unlock()
}

func (w *Wrapper) fire(d *delivery) {
	w.mu.Lock()
	if _, ok := w.pending[d]; !ok {
		// Cancelled by Close.
		w.mu.Unlock()
		return
	}
	delete(w.pending, d)
	w.mu.Unlock()
	w.step(d)
}

func (w *Wrapper) attempt(d *delivery) (err error) {
	ctx, cancel := context.WithTimeout(d.ctx, w.opts.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", w.cap.Type(), r)
		}
	}()
	return w.cap.Deliver(ctx, d.origin, d.content, d.timestamp)
}

func (w *Wrapper) finish(d *delivery, err error) {
	o := Outcome{Attempts: d.attempts, Err: err}
	d.out <- o
	close(d.out)
	if err != nil && w.opts.OnTerminalFailure != nil {
		w.opts.OnTerminalFailure(o)
	}
}

// Close refuses new deliveries and waits for scheduled retries to complete. If ctx ends
// first, timers that have not fired are stopped and their deliveries resolve with
// ErrClosed; attempts already running are left to finish on their own.
func (w *Wrapper) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	w.mu.Lock()
	w.stopped = true
	cancelled := make([]*delivery, 0, len(w.pending))
	for d, t := range w.pending {
		t.Stop()
		delete(w.pending, d)
		cancelled = append(cancelled, d)
	}
	w.mu.Unlock()

	for _, d := range cancelled {
		w.finish(d, fmt.Errorf("%w: last error: %v", ErrClosed, d.lastErr))
		w.wg.Done()
	}
	if len(cancelled) > 0 {
		slog.Warn("Wrapper.Close: cancelled scheduled retries", "capability", w.cap.Type(), "count", len(cancelled))
	}
	return ctx.Err()
}
