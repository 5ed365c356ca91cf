// Package dispatch delivers inbound messages to their configured targets.
//
// A delivery job carries one message and its target list. Jobs run on a bounded
// worker pool; each target is attempted through a retry wrapper and the per-target
// results are aggregated into a Report. Targets that cannot be delivered now are
// written to the backlog for the drain scheduler.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/capability"
	"github.com/BTreeMap/ForwardPipe/internal/retry"
	"github.com/BTreeMap/ForwardPipe/internal/stats"
	"github.com/BTreeMap/ForwardPipe/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Defaults for the dispatcher.
const (
	DefaultWorkers       = 4
	DefaultReportHistory = 256
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// ErrNoTargets is returned for jobs without targets.
var ErrNoTargets = errors.New("job has no delivery targets")

// Admission grants delivery slots. Record is called only after a confirmed delivery.
type Admission interface {
	Allowed() bool
	Record()
}

// Builder constructs capabilities from descriptors.
type Builder interface {
	Build(d capability.Descriptor) (capability.Capability, error)
}

// Job is one message to forward to every target.
type Job struct {
	ID        uuid.UUID               `json:"id"`
	Origin    string                  `json:"origin"`
	Content   string                  `json:"content"`
	Timestamp time.Time               `json:"timestamp"`
	Targets   []capability.Descriptor `json:"-"`
}

// NewJob creates a job with a fresh id. A zero timestamp means now.
func NewJob(origin, content string, timestamp time.Time, targets []capability.Descriptor) Job {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return Job{ID: uuid.New(), Origin: origin, Content: content, Timestamp: timestamp, Targets: targets}
}

// TargetResult is the outcome for one target.
type TargetResult struct {
	Target    string `json:"target"`
	Delivered bool   `json:"delivered"`
	Queued    bool   `json:"queued"`
	BacklogID int64  `json:"backlog_id,omitempty"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

// Report aggregates the results of one job.
type Report struct {
	JobID    uuid.UUID      `json:"job_id"`
	Results  []TargetResult `json:"results"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
}

// Delivered returns how many targets accepted the message.
func (r Report) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.Delivered {
			n++
		}
	}
	return n
}

// Queued returns how many targets were written to the backlog.
func (r Report) Queued() int {
	n := 0
	for _, res := range r.Results {
		if res.Queued {
			n++
		}
	}
	return n
}

// Failed returns how many targets were neither delivered nor queued.
func (r Report) Failed() int {
	return len(r.Results) - r.Delivered() - r.Queued()
}

// Opts configures a Dispatcher.
type Opts struct {
	Workers       int
	Policy        retry.Policy
	RetryOptions  []retry.Option
	ReportHistory int
}

// Option customizes a Dispatcher.
type Option func(*Opts)

// WithWorkers sets how many jobs run concurrently.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithRetryPolicy sets the in-process retry policy for every target.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithRetryOptions passes options to every retry wrapper.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *Opts) { o.RetryOptions = append(o.RetryOptions, opts...) }
}

// WithReportHistory sets how many finished reports Lookup can return.
func WithReportHistory(n int) Option {
	return func(o *Opts) { o.ReportHistory = n }
}

// Dispatcher runs delivery jobs.
type Dispatcher struct {
	limiter  Admission
	factory  Builder
	repo     store.BacklogRepo
	recorder stats.Recorder
	opts     Opts
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	active   map[*retry.Wrapper]struct{}
	reports  map[uuid.UUID]Report
	order    []uuid.UUID
	inflight map[uuid.UUID]struct{}
}

// New creates a Dispatcher.
func New(limiter Admission, factory Builder, repo store.BacklogRepo, recorder stats.Recorder, opts ...Option) *Dispatcher {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.ReportHistory <= 0 {
		cfg.ReportHistory = DefaultReportHistory
	}
	if recorder == nil {
		recorder = stats.Discard{}
	}
	return &Dispatcher{
		limiter:  limiter,
		factory:  factory,
		repo:     repo,
		recorder: recorder,
		opts:     cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		active:   make(map[*retry.Wrapper]struct{}),
		reports:  make(map[uuid.UUID]Report),
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Submit queues a job on the worker pool. It blocks while all workers are busy and
// fails if ctx ends first. The returned channel receives the job's report.
func (d *Dispatcher) Submit(ctx context.Context, job Job) (<-chan Report, error) {
	if len(job.Targets) == 0 {
		return nil, ErrNoTargets
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.wg.Add(1)
	d.inflight[job.ID] = struct{}{}
	d.mu.Unlock()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.mu.Lock()
		delete(d.inflight, job.ID)
		d.mu.Unlock()
		d.wg.Done()
		slog.Warn("Dispatcher.Submit: no worker available", "job_id", job.ID, "error", err)
		return nil, err
	}

	out := make(chan Report, 1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		// Deliveries outlive the submitting request.
		out <- d.Process(context.WithoutCancel(ctx), job)
		close(out)
	}()
	return out, nil
}

// Process runs a job on the calling goroutine, fanning out across its targets.
func (d *Dispatcher) Process(ctx context.Context, job Job) Report {
	report := Report{JobID: job.ID, Started: time.Now(), Results: make([]TargetResult, len(job.Targets))}
	slog.Debug("Dispatcher.Process: starting job", "job_id", job.ID, "origin", job.Origin, "targets", len(job.Targets))

	var g errgroup.Group
	for i, target := range job.Targets {
		g.Go(func() error {
			report.Results[i] = d.deliverTarget(ctx, job, target)
			return nil
		})
	}
	_ = g.Wait()
	report.Finished = time.Now()

	slog.Info("Dispatcher.Process: job finished", "job_id", job.ID,
		"delivered", report.Delivered(), "queued", report.Queued(), "failed", report.Failed())
	d.remember(report)
	return report
}

func (d *Dispatcher) deliverTarget(ctx context.Context, job Job, target capability.Descriptor) TargetResult {
	res := TargetResult{Target: string(target.Type)}

	if !d.limiter.Allowed() {
		slog.Info("Dispatcher.deliverTarget: admission denied, deferring to backlog", "job_id", job.ID, "target", target.String())
		return d.backlog(job, target, res, nil)
	}

	c, err := d.factory.Build(target)
	if err != nil {
		slog.Error("Dispatcher.deliverTarget: cannot build capability", "job_id", job.ID, "target", target.String(), "error", err)
		return d.fail(job, res, 0, err)
	}

	w := retry.New(c, d.opts.Policy, d.opts.RetryOptions...)
	d.track(w, true)
	outcome := <-w.Deliver(ctx, job.Origin, job.Content, job.Timestamp)
	d.track(w, false)
	_ = w.Close(ctx)

	res.Attempts = outcome.Attempts
	if outcome.Delivered() {
		d.limiter.Record()
		res.Delivered = true
		d.recorder.Record(stats.Event{
			Kind: stats.KindDelivered, Source: stats.SourceLive, Origin: job.Origin,
			Capability: string(target.Type), Attempts: outcome.Attempts, Time: time.Now(),
		})
		return res
	}
	if capability.IsPermanent(outcome.Err) {
		return d.fail(job, res, outcome.Attempts, outcome.Err)
	}
	return d.backlog(job, target, res, outcome.Err)
}

// backlog writes the target to the backlog.
func (d *Dispatcher) backlog(job Job, target capability.Descriptor, res TargetResult, cause error) TargetResult {
	cfg, err := target.MarshalConfig()
	if err == nil {
		res.BacklogID, err = d.repo.EnqueueBacklogEntry(store.BacklogEntry{
			Origin:           job.Origin,
			Content:          job.Content,
			Timestamp:        job.Timestamp,
			CapabilityType:   string(target.Type),
			CapabilityConfig: cfg,
		})
	}
	if err != nil {
		slog.Error("Dispatcher.backlog: could not write backlog entry, message lost for this target",
			"job_id", job.ID, "target", target.String(), "error", err)
		if cause != nil {
			err = errors.Join(cause, err)
		}
		return d.fail(job, res, res.Attempts, err)
	}

	res.Queued = true
	if cause != nil {
		res.Err = cause
		res.Error = cause.Error()
	}
	ev := stats.Event{
		Kind: stats.KindDeferred, Source: stats.SourceLive, Origin: job.Origin,
		Capability: string(target.Type), Attempts: res.Attempts, Time: time.Now(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	d.recorder.Record(ev)
	slog.Debug("Dispatcher.backlog: queued for drain", "job_id", job.ID, "backlog_id", res.BacklogID)
	return res
}

func (d *Dispatcher) fail(job Job, res TargetResult, attempts int, err error) TargetResult {
	res.Attempts = attempts
	res.Err = err
	res.Error = err.Error()
	d.recorder.Record(stats.Event{
		Kind: stats.KindFailed, Source: stats.SourceLive, Origin: job.Origin,
		Capability: res.Target, Attempts: attempts, Error: err.Error(), Time: time.Now(),
	})
	return res
}

func (d *Dispatcher) track(w *retry.Wrapper, add bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if add {
		d.active[w] = struct{}{}
	} else {
		delete(d.active, w)
	}
}

func (d *Dispatcher) remember(r Report) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, r.JobID)
	if _, ok := d.reports[r.JobID]; !ok {
		d.order = append(d.order, r.JobID)
	}
	d.reports[r.JobID] = r
	for len(d.order) > d.opts.ReportHistory {
		delete(d.reports, d.order[0])
		d.order = d.order[1:]
	}
}

// Lookup returns a finished job's report. pending is true while the job still runs.
func (d *Dispatcher) Lookup(id uuid.UUID) (report Report, pending bool, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, running := d.inflight[id]; running {
		return Report{JobID: id}, true, true
	}
	report, ok = d.reports[id]
	return report, false, ok
}

// Close refuses new jobs and waits for running ones. If ctx ends first, scheduled
// retries are cancelled so their targets go to the backlog, and Close waits briefly
// for those writes.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	wrappers := make([]*retry.Wrapper, 0, len(d.active))
	for w := range d.active {
		wrappers = append(wrappers, w)
	}
	d.mu.Unlock()

	slog.Warn("Dispatcher.Close: cancelling scheduled retries", "wrappers", len(wrappers))
	for _, w := range wrappers {
		_ = w.Close(ctx)
	}

	select {
	case <-done:
	case <-time.After(retry.DefaultAttemptTimeout):
		slog.Error("Dispatcher.Close: jobs still running after cancellation")
	}
	return ctx.Err()
}
