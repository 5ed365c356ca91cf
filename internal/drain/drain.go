// Package drain replays the persistent backlog once conditions allow.
//
// Each cycle is skipped while the network is unreachable. Otherwise actionable entries
// are delivered oldest first until the admission limiter denies a slot, at which
// point the rest wait for the next cycle. A much less frequent cron job removes
// terminal entries past the retention window.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/capability"
	"github.com/BTreeMap/ForwardPipe/internal/scheduler"
	"github.com/BTreeMap/ForwardPipe/internal/stats"
	"github.com/BTreeMap/ForwardPipe/internal/store"
)

// Defaults for the drain scheduler.
const (
	DefaultInterval        = 30 * time.Second
	DefaultQueueRetryCap   = 5
	DefaultCleanupSchedule = "@every 24h"
	DefaultRetention       = 24 * time.Hour
	DefaultStaleAfter      = 5 * time.Minute
	DefaultAttemptTimeout  = 10 * time.Second
)

// Gate reports whether outbound delivery is currently possible.
type Gate interface {
	IsReachable() bool
}

// Admission grants delivery slots. Record is called only after a confirmed delivery.
type Admission interface {
	Allowed() bool
	Record()
}

// Builder reconstructs a capability from a stored descriptor.
type Builder interface {
	Build(d capability.Descriptor) (capability.Capability, error)
}

// DedupPruner removes old inbound deduplication records during cleanup.
type DedupPruner interface {
	PruneInbound(before time.Time) (int, error)
}

// Opts configures a Scheduler.
type Opts struct {
	Interval        time.Duration
	BatchSize       int
	QueueRetryCap   int
	CleanupSchedule string
	Retention       time.Duration
	StaleAfter      time.Duration
	AttemptTimeout  time.Duration
	DedupPruner     DedupPruner
	Now             func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Opts)

// WithInterval sets the time between drain cycles.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) { o.Interval = d }
}

// WithBatchSize limits how many entries one cycle loads. Zero loads all of them.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithQueueRetryCap sets how many failed drain attempts abandon an entry.
func WithQueueRetryCap(n int) Option {
	return func(o *Opts) { o.QueueRetryCap = n }
}

// WithCleanupSchedule sets the cron schedule of the retention cleanup.
func WithCleanupSchedule(expr string) Option {
	return func(o *Opts) { o.CleanupSchedule = expr }
}

// WithRetention sets how long terminal entries are kept.
func WithRetention(d time.Duration) Option {
	return func(o *Opts) { o.Retention = d }
}

// WithStaleAfter sets when a PROCESSING entry is considered orphaned by a crash.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Opts) { o.StaleAfter = d }
}

// WithAttemptTimeout bounds a single backlog delivery attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AttemptTimeout = d }
}

// WithDedupPruner also prunes inbound deduplication records during cleanup.
func WithDedupPruner(p DedupPruner) Option {
	return func(o *Opts) { o.DedupPruner = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// CycleReport summarizes one drain cycle.
type CycleReport struct {
	Skipped   bool
	Reason    string
	Selected  int
	Attempted int
	Delivered int
	Failed    int
	Abandoned int
	Remaining int
}

// Scheduler drains the backlog.
type Scheduler struct {
	repo     store.BacklogRepo
	limiter  Admission
	gate     Gate
	factory  Builder
	recorder stats.Recorder
	opts     Opts

	cycleMu sync.Mutex
	kick    chan struct{}
}

// New creates a drain Scheduler.
func New(repo store.BacklogRepo, limiter Admission, gate Gate, factory Builder, recorder stats.Recorder, opts ...Option) *Scheduler {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.QueueRetryCap <= 0 {
		cfg.QueueRetryCap = DefaultQueueRetryCap
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = DefaultCleanupSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if recorder == nil {
		recorder = stats.Discard{}
	}
	return &Scheduler{
		repo:     repo,
		limiter:  limiter,
		gate:     gate,
		factory:  factory,
		recorder: recorder,
		opts:     cfg,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests a cycle as soon as possible, for example when connectivity returns.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// RunCycle performs one drain pass. Cycles never overlap.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	var report CycleReport
	if !s.gate.IsReachable() {
		report.Skipped = true
		report.Reason = "no connectivity"
		slog.Debug("Scheduler.RunCycle: skipped, network unreachable")
		return report
	}

	// Rows left in PROCESSING by a failed status write rejoin this cycle.
	if _, err := s.RecoverStale(); err != nil {
		slog.Warn("Scheduler.RunCycle: stale recovery failed", "error", err)
	}

	entries, err := s.repo.ListActionable(s.opts.BatchSize)
	if err != nil {
		slog.Error("Scheduler.RunCycle: list actionable failed", "error", err)
		report.Skipped = true
		report.Reason = "store error"
		return report
	}
	report.Selected = len(entries)

	for i, entry := range entries {
		if ctx.Err() != nil {
			report.Remaining = len(entries) - i
			break
		}
		if !s.limiter.Allowed() {
			report.Remaining = len(entries) - i
			slog.Info("Scheduler.RunCycle: admission denied, deferring rest of backlog", "remaining", report.Remaining)
			break
		}
		s.processEntry(ctx, entry, &report)
	}

	if report.Attempted > 0 || report.Remaining > 0 {
		slog.Info("Scheduler.RunCycle: cycle complete",
			"selected", report.Selected, "attempted", report.Attempted, "delivered", report.Delivered,
			"failed", report.Failed, "abandoned", report.Abandoned, "remaining", report.Remaining)
	}
	return report
}

func (s *Scheduler) processEntry(ctx context.Context, entry store.BacklogEntry, report *CycleReport) {
	if err := s.repo.MarkProcessing(entry.ID); err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			slog.Debug("Scheduler.processEntry: entry no longer actionable", "id", entry.ID)
		} else {
			slog.Error("Scheduler.processEntry: mark processing failed", "id", entry.ID, "error", err)
		}
		return
	}

	desc, err := capability.ParseDescriptor(entry.CapabilityType, entry.CapabilityConfig)
	var capImpl capability.Capability
	if err == nil {
		capImpl, err = s.factory.Build(desc)
	}
	if err != nil {
		// Retrying cannot repair a descriptor, so no retry is consumed.
		slog.Error("Scheduler.processEntry: cannot build capability, abandoning entry",
			"id", entry.ID, "capability", entry.CapabilityType, "error", err)
		s.abandon(entry, entry.RetryCount, err, report)
		return
	}

	report.Attempted++
	err = s.deliver(ctx, capImpl, entry)
	if err == nil {
		if err := s.repo.MarkSuccess(entry.ID); err != nil {
			// The message went out; a later drain may send it again.
			slog.Error("Scheduler.processEntry: delivered but could not remove entry", "id", entry.ID, "error", err)
		}
		s.limiter.Record()
		report.Delivered++
		s.recorder.Record(stats.Event{
			Kind: stats.KindDelivered, Source: stats.SourceBacklog, Origin: entry.Origin,
			Capability: entry.CapabilityType, Attempts: entry.RetryCount + 1, Time: s.opts.Now(),
		})
		slog.Debug("Scheduler.processEntry: delivered", "id", entry.ID, "capability", entry.CapabilityType)
		return
	}

	retryCount := entry.RetryCount + 1
	if capability.IsPermanent(err) || retryCount >= s.opts.QueueRetryCap {
		slog.Warn("Scheduler.processEntry: giving up on entry", "id", entry.ID, "retry_count", retryCount, "error", err)
		s.abandon(entry, retryCount, err, report)
		return
	}

	if err := s.repo.MarkFailed(entry.ID, retryCount, err.Error()); err != nil {
		slog.Error("Scheduler.processEntry: mark failed failed", "id", entry.ID, "error", err)
	}
	report.Failed++
	slog.Info("Scheduler.processEntry: delivery failed, will retry", "id", entry.ID, "retry_count", retryCount, "error", err)
}

func (s *Scheduler) deliver(ctx context.Context, c capability.Capability, entry store.BacklogEntry) (err error) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", c.Type(), r)
		}
	}()
	return c.Deliver(attemptCtx, entry.Origin, entry.Content, entry.Timestamp)
}

func (s *Scheduler) abandon(entry store.BacklogEntry, retryCount int, cause error, report *CycleReport) {
	if err := s.repo.MarkAbandoned(entry.ID, retryCount, cause.Error()); err != nil {
		slog.Error("Scheduler.abandon: mark abandoned failed", "id", entry.ID, "error", err)
	}
	report.Abandoned++
	s.recorder.Record(stats.Event{
		Kind: stats.KindAbandoned, Source: stats.SourceBacklog, Origin: entry.Origin,
		Capability: entry.CapabilityType, Attempts: retryCount, Error: cause.Error(), Time: s.opts.Now(),
	})
}

// Cleanup removes terminal entries, and old dedup records when configured, older than
// the retention window.
func (s *Scheduler) Cleanup(now time.Time) (int, error) {
	before := now.Add(-s.opts.Retention)
	n, err := s.repo.DeleteTerminalBefore(before)
	if err != nil {
		return 0, fmt.Errorf("backlog cleanup failed: %w", err)
	}
	if s.opts.DedupPruner != nil {
		pruned, err := s.opts.DedupPruner.PruneInbound(before)
		if err != nil {
			return n, fmt.Errorf("dedup cleanup failed: %w", err)
		}
		slog.Debug("Scheduler.Cleanup: pruned dedup records", "count", pruned)
	}
	slog.Info("Scheduler.Cleanup: retention cleanup complete", "deleted", n, "before", before)
	return n, nil
}

// RecoverStale returns entries orphaned in PROCESSING, by a crash or a failed status
// write, to FAILED. Run calls it at startup and every cycle calls it before listing.
func (s *Scheduler) RecoverStale() (int, error) {
	n, err := s.repo.RequeueStaleProcessing(s.opts.Now().Add(-s.opts.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Scheduler.RecoverStale: requeued stale entries", "count", n)
	}
	return n, nil
}

// Run recovers stale entries, schedules the retention cleanup and drains on every
// tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.RecoverStale(); err != nil {
		slog.Error("Scheduler.Run: stale recovery failed", "error", err)
	}

	cron := scheduler.NewScheduler()
	defer func() { <-cron.Stop().Done() }()
	err := cron.AddJob("backlog-cleanup", s.opts.CleanupSchedule, func() {
		if _, err := s.Cleanup(s.opts.Now()); err != nil {
			slog.Error("Scheduler.Run: cleanup failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	slog.Info("Scheduler.Run: starting backlog drain", "interval", s.opts.Interval, "cleanup", s.opts.CleanupSchedule)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler.Run: stopping")
			return nil
		case <-ticker.C:
			s.RunCycle(ctx)
		case <-s.kick:
			s.RunCycle(ctx)
		}
	}
}
