package scheduler

import (
	"context"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/core"
	"github.com/dipforum/reconciler/repo"
	"github.com/dipforum/reconciler/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	TaskSyncProposals = "sync_proposals"
	TaskSyncVotes     = "sync_votes"
	TaskSyncDipStatus = "sync_dip_status"
	TaskUpdatePresale = "update_presale"
	TaskCleanupDrafts = "cleanup_drafts"
)

// Task is one retryable unit of engine work. Key identifies the target so the
// same work is never queued twice.
type Task struct {
	Name string
	Key  string
	Run  func(ctx context.Context) error
}

// Runner executes tasks with a bounded number of attempts and a fixed delay between them.
type Runner struct {
	retries       uint
	delay         time.Duration
	proposalDelay time.Duration
	logger        logrus.FieldLogger
	metrics       *schedulerMetrics
}

func NewRunner(cfg repo.Scheduler, logger logrus.FieldLogger) *Runner {
	retries := cfg.TaskRetries
	if retries == 0 {
		retries = 1
	}
	return &Runner{
		retries:       retries,
		delay:         cfg.RetryDelay,
		proposalDelay: cfg.ProposalRetryDelay,
		logger:        logger,
	}
}

func (r *Runner) retryDelay(task string) time.Duration {
	if task == TaskSyncProposals {
		return r.proposalDelay
	}
	return r.delay
}

// permanent errors are not helped by another attempt.
func permanent(err error) bool {
	return errors.Is(err, core.ErrNotFound) ||
		errors.Is(err, core.ErrValidation) ||
		errors.Is(err, chain.ErrUnknownNetwork) ||
		errors.Is(err, storage.ErrRecordNotFound) ||
		errors.Is(err, context.Canceled)
}

// Execute runs the task until it succeeds, fails permanently or runs out of attempts.
func (r *Runner) Execute(ctx context.Context, t Task) error {
	logger := r.logger.WithFields(logrus.Fields{"task": t.Name, "key": t.Key})
	start := time.Now()

	var last, fatal error
	action := func(attempt uint) error {
		if attempt > 0 {
			r.metrics.retried(t.Name)
			logger.WithField("attempt", attempt+1).Info("retrying task")
		}
		if err := ctx.Err(); err != nil {
			fatal = err
			return nil
		}
		last = t.Run(ctx)
		if last != nil && permanent(last) {
			fatal = last
			return nil
		}
		if last != nil {
			logger.WithField("attempt", attempt+1).Warnf("task failed: %s", last)
		}
		return last
	}
	err := retry.Retry(action, strategy.Limit(r.retries), strategy.Wait(r.retryDelay(t.Name)))
	if fatal != nil {
		err = fatal
	}

	elapsed := time.Since(start).Seconds()
	if err != nil {
		r.metrics.finished(t.Name, "error", elapsed)
		logger.Errorf("task gave up: %s", err)
		return errors.Wrapf(err, "task %s %s", t.Name, t.Key)
	}
	r.metrics.finished(t.Name, "ok", elapsed)
	logger.Debug("task done")
	return nil
}
