package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/capability"
	"github.com/BTreeMap/ForwardPipe/internal/dispatch"
	"github.com/BTreeMap/ForwardPipe/internal/models"
	"github.com/BTreeMap/ForwardPipe/internal/store"
	"github.com/google/uuid"
)

// ErrDuplicate is returned by Accept for a message id that was already received.
var ErrDuplicate = errors.New("duplicate inbound message")

// Submitter queues delivery jobs.
type Submitter interface {
	Submit(ctx context.Context, job dispatch.Job) (<-chan dispatch.Report, error)
}

// DefaultReclaimAfter is how long a received message may stay unprocessed before a
// redelivery of it is accepted again. A job reports well within this window unless
// the process stopped while it was in memory.
const DefaultReclaimAfter = 10 * time.Minute

// IntakeOpts holds configuration options for an Intake.
type IntakeOpts struct {
	ReclaimAfter time.Duration
	Now          func() time.Time
}

// IntakeOption customizes an Intake.
type IntakeOption func(*IntakeOpts)

// WithReclaimAfter sets how long an unprocessed message blocks its redeliveries.
func WithReclaimAfter(d time.Duration) IntakeOption {
	return func(o *IntakeOpts) {
		o.ReclaimAfter = d
	}
}

// WithIntakeClock overrides the clock used for the reclaim window.
func WithIntakeClock(now func() time.Time) IntakeOption {
	return func(o *IntakeOpts) {
		o.Now = now
	}
}

// Intake turns inbound messages into delivery jobs for the configured targets.
type Intake struct {
	dedup     store.DedupRepo
	submitter Submitter
	targets   []capability.Descriptor
	opts      IntakeOpts
	wg        sync.WaitGroup
}

// NewIntake creates an Intake. dedup may be nil to disable deduplication.
func NewIntake(dedup store.DedupRepo, submitter Submitter, targets []capability.Descriptor, opts ...IntakeOption) *Intake {
	cfg := IntakeOpts{ReclaimAfter: DefaultReclaimAfter, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Intake{dedup: dedup, submitter: submitter, targets: targets, opts: cfg}
}

// Accept validates msg, drops duplicates and submits a job. The message id is marked
// processed once the job's report arrives; until then a redelivery older than the
// reclaim window is forwarded again.
func (in *Intake) Accept(ctx context.Context, msg models.InboundMessage) (uuid.UUID, error) {
	if err := msg.Validate(); err != nil {
		return uuid.Nil, err
	}
	if len(in.targets) == 0 {
		return uuid.Nil, dispatch.ErrNoTargets
	}

	if msg.ID != "" && in.dedup != nil {
		fresh, err := in.dedup.RecordInbound(msg.ID, msg.Origin, in.opts.Now().Add(-in.opts.ReclaimAfter))
		if err != nil {
			// Forwarding twice beats dropping the message.
			slog.Error("Intake.Accept: dedup check failed, forwarding anyway", "message_id", msg.ID, "error", err)
		} else if !fresh {
			slog.Info("Intake.Accept: duplicate message ignored", "message_id", msg.ID, "source", msg.Source)
			return uuid.Nil, ErrDuplicate
		}
	}

	job := dispatch.NewJob(msg.Origin, msg.Content, msg.Timestamp, in.targets)
	reports, err := in.submitter.Submit(ctx, job)
	if err != nil {
		if msg.ID != "" && in.dedup != nil {
			if ferr := in.dedup.ForgetInbound(msg.ID); ferr != nil {
				slog.Warn("Intake.Accept: failed to forget unaccepted message", "message_id", msg.ID, "error", ferr)
			}
		}
		return uuid.Nil, fmt.Errorf("submit job: %w", err)
	}
	slog.Info("Intake.Accept: job submitted", "job_id", job.ID, "source", msg.Source, "origin", msg.Origin, "targets", len(in.targets))

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		report := <-reports
		if msg.ID != "" && in.dedup != nil {
			if err := in.dedup.MarkProcessed(msg.ID); err != nil {
				slog.Warn("Intake.Accept: failed to mark message processed", "message_id", msg.ID, "error", err)
			}
		}
		slog.Debug("Intake.Accept: job complete", "job_id", report.JobID,
			"delivered", report.Delivered(), "queued", report.Queued(), "failed", report.Failed())
	}()
	return job.ID, nil
}

// Run consumes every source until ctx is done or all source channels close.
func (in *Intake) Run(ctx context.Context, sources ...Source) {
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			in.consume(ctx, src)
		}(src)
	}
	wg.Wait()
}

func (in *Intake) consume(ctx context.Context, src Source) {
	ch := src.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Debug("Intake.consume: source closed", "source", src.Name())
				return
			}
			if _, err := in.Accept(ctx, msg); err != nil && !errors.Is(err, ErrDuplicate) {
				slog.Error("Intake.consume: message not forwarded", "source", src.Name(), "origin", msg.Origin, "error", err)
			}
		}
	}
}

// Wait blocks until every submitted job has reported.
func (in *Intake) Wait() {
	in.wg.Wait()
}
