package billingd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

// ErrRunInProgress means another scheduler already owns today's run.
var ErrRunInProgress = errors.New("daily charge run already claimed")

// DailyRunner runs the daily batch.
type DailyRunner interface {
	RunDailyCharge(ctx context.Context, amount billing.Amount, date billing.ChargeDate, dryRun bool) (billing.DailyChargeSummary, error)
}

// RunGuard claims a charge date across instances.
type RunGuard interface {
	Acquire(ctx context.Context, date billing.ChargeDate) (bool, error)
	Release(ctx context.Context, date billing.ChargeDate) error
}

// DailyJob charges every active listing for the current UTC date.
type DailyJob struct {
	runner DailyRunner
	guard  RunGuard
	amount billing.Amount
	now    func() time.Time
	logger *zap.Logger
}

// NewDailyJob wires a job. guard may be nil.
func NewDailyJob(runner DailyRunner, guard RunGuard, amount billing.Amount, now func() time.Time, logger *zap.Logger) *DailyJob {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DailyJob{runner: runner, guard: guard, amount: amount, now: now, logger: logger}
}

// Run executes one batch for today. The guard lease is released when the
// batch itself fails so a later trigger can retry.
func (job *DailyJob) Run(ctx context.Context) (billing.DailyChargeSummary, error) {
	date := billing.NewChargeDate(job.now())
	if job.guard != nil {
		acquired, err := job.guard.Acquire(ctx, date)
		if err != nil {
			// The unique key still prevents double charges, so a guard outage is not fatal.
			job.logger.Warn("daily charge guard unavailable", zap.String("charge_date", date.String()), zap.Error(err))
		} else if !acquired {
			return billing.DailyChargeSummary{Date: date}, fmt.Errorf("%w: %s", ErrRunInProgress, date)
		}
	}
	summary, err := job.runner.RunDailyCharge(ctx, job.amount, date, false)
	if err != nil {
		if job.guard != nil {
			if releaseErr := job.guard.Release(context.WithoutCancel(ctx), date); releaseErr != nil {
				job.logger.Warn("daily charge guard release failed", zap.Error(releaseErr))
			}
		}
		return summary, err
	}
	job.logger.Info("daily charge finished",
		zap.String("charge_date", date.String()),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("deactivated", summary.Deactivated),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// Scheduler triggers DailyJob on a cron spec in UTC.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewScheduler registers job under spec.
func NewScheduler(ctx context.Context, spec string, job *DailyJob, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := scheduler.AddFunc(spec, func() {
		if _, err := job.Run(ctx); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				logger.Info("daily charge skipped", zap.Error(err))
				return
			}
			logger.Error("daily charge failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("daily schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: scheduler, logger: logger}, nil
}

// Start begins triggering in the background.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
}

// Stop waits for a running job to finish or ctx to expire.
func (scheduler *Scheduler) Stop(ctx context.Context) {
	select {
	case <-scheduler.cron.Stop().Done():
	case <-ctx.Done():
		scheduler.logger.Warn("daily charge still running at shutdown")
	}
}

// Next reports the next trigger time.
func (scheduler *Scheduler) Next() time.Time {
	entries := scheduler.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
