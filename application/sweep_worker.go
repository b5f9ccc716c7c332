package application

import (
	"context"
	"fmt"
	"time"

	"treasury/metrics"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// outboxRetention is how long delivered outbox rows are kept
const outboxRetention = 7 * 24 * time.Hour

// SweepWorker runs the periodic maintenance jobs on a cron schedule.
// A job still running when its next tick fires is skipped.
type SweepWorker struct {
	pending   PendingTransferSweeper
	proposals ProposalSweeper
	outbox    OutboxPruner
	schedule  string
	now       func() time.Time
}

// NewSweepWorker creates a sweep worker; outbox may be nil
func NewSweepWorker(pending PendingTransferSweeper, proposals ProposalSweeper, outbox OutboxPruner, schedule string) *SweepWorker {
	return &SweepWorker{
		pending:   pending,
		proposals: proposals,
		outbox:    outbox,
		schedule:  schedule,
		now:       time.Now,
	}
}

type sweepJob struct {
	name string
	run  func(ctx context.Context) (int, error)
}

func (w *SweepWorker) jobs() []sweepJob {
	jobs := []sweepJob{
		{"expire_pending_transfers", w.pending.ExpireStale},
		{"redrive_pending_transfers", w.pending.RedriveDue},
		{"proposal_deadlines", w.proposals.SweepDeadlines},
		{"proposal_reminders", w.proposals.SendReminders},
		{"resume_approved_proposals", w.proposals.ResumeApproved},
	}
	if w.outbox != nil {
		jobs = append(jobs, sweepJob{"prune_outbox", func(ctx context.Context) (int, error) {
			n, err := w.outbox.DeletePublishedBefore(ctx, w.now().Add(-outboxRetention))
			return int(n), err
		}})
	}
	return jobs
}

// RunOnce runs every job in order and reports the records each changed
func (w *SweepWorker) RunOnce(ctx context.Context) map[string]int {
	affected := make(map[string]int)
	for _, job := range w.jobs() {
		affected[job.name] = w.runJob(ctx, job)
	}
	return affected
}

func (w *SweepWorker) runJob(ctx context.Context, job sweepJob) int {
	start := time.Now()
	n, err := job.run(ctx)
	metrics.RecordSweep(job.name, n, err)

	fields := log.Fields{
		"job":      job.name,
		"affected": n,
		"duration": time.Since(start),
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("Sweep job failed")
	} else if n > 0 {
		log.WithFields(fields).Info("Sweep job completed")
	}
	return n
}

// Run schedules the jobs and blocks until ctx is cancelled
func (w *SweepWorker) Run(ctx context.Context) error {
	logger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(cron.WithChain(cron.Recover(logger)))

	for _, job := range w.jobs() {
		job := job
		wrapped := cron.NewChain(cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
			w.runJob(ctx, job)
		}))
		if _, err := c.AddJob(w.schedule, wrapped); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", w.schedule, err)
		}
	}

	c.Start()
	log.WithField("schedule", w.schedule).Info("Sweep worker started")

	<-ctx.Done()
	log.Info("Sweep worker shutting down...")
	<-c.Stop().Done()
	return nil
}
