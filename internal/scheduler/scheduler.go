package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/clock"
	obsmetrics "github.com/smallbiznis/bookline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	"github.com/smallbiznis/bookline/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	royaltydomain "github.com/smallbiznis/bookline/internal/royalty/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// maxDeliveryBatches caps one sync_delivery run so a hot backlog cannot starve later jobs.
const maxDeliveryBatches = 50

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    Config
	Sync      refsyncdomain.Service
	Reconcile reconciledomain.Service
	Billing   billingdomain.Service
	Payments  paymentdomain.Service
	Royalties royaltydomain.Service
	Locker    *ratelimit.Locker `optional:"true"`
}

type job struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) (int, error)
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	sync      refsyncdomain.Service
	reconcile reconciledomain.Service
	billing   billingdomain.Service
	payments  paymentdomain.Service
	royalties royaltydomain.Service
	locker    *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Sync == nil || p.Reconcile == nil ||
		p.Billing == nil || p.Payments == nil || p.Royalties == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		sync:      p.Sync,
		reconcile: p.Reconcile,
		billing:   p.Billing,
		payments:  p.Payments,
		royalties: p.Royalties,
		locker:    p.Locker,
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobSyncDelivery, s.cfg.JobTimeout, s.SyncDeliveryJob},
		{JobReconcile, s.cfg.ReconcileTimeout, s.ReconcileJob},
		{JobRecurringBilling, s.cfg.JobTimeout, s.RecurringBillingJob},
		{JobBillingRetry, s.cfg.JobTimeout, s.BillingRetryJob},
		{JobCallbackRematch, s.cfg.JobTimeout, s.CallbackRematchJob},
		{JobRoyaltyClose, s.cfg.RoyaltyTimeout, s.RoyaltyCloseJob},
	}
}

// runJob wraps one job body with its run-lock, timeout, metrics and run
// logging. A deadline is a soft timeout: the body is idempotent and the next
// tick resumes where it stopped.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) (int, error),
) error {
	schedMetrics := obsmetrics.Scheduler()

	release, acquired := s.acquireRunLock(parent, name)
	if !acquired {
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Debug("scheduler.job.skipped", zap.String("job", name), zap.String("reason", "lock_held"))
		return nil
	}
	defer release()

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics.IncJobRun(name)

	processed, err := fn(ctx)
	run.AddProcessed(processed)
	schedMetrics.AddBatchProcessed(name, name, processed)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	if owner {
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("scheduler.job.timeout",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	s.logJobError(ctx, run, err)
	return fmt.Errorf("%s: %w", name, err)
}

// acquireRunLock takes the redis run-lock for a job when one is configured.
// A redis failure runs the job unlocked since every body tolerates overlap.
func (s *Scheduler) acquireRunLock(ctx context.Context, name string) (func(), bool) {
	noop := func() {}
	if !s.locker.Enabled() {
		return noop, true
	}
	key := "job:" + name
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("scheduler.lock.failed", zap.String("job", name), zap.Error(err))
		return noop, true
	}
	if !ok {
		return noop, false
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("scheduler.lock.release_failed", zap.String("job", name), zap.Error(err))
		}
	}, true
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, j.name, j.timeout, j.run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler.run.failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job, the single-node default
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// SyncDeliveryJob drains due deliveries batch by batch and refreshes the backlog gauges.
func (s *Scheduler) SyncDeliveryJob(ctx context.Context) (int, error) {
	processed := 0
	for i := 0; i < maxDeliveryBatches; i++ {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		stats, err := s.sync.DeliverDue(ctx)
		if err != nil {
			return processed, err
		}
		processed += stats.Delivered + stats.Parked + stats.Cancelled
		if stats.Claimed == 0 {
			break
		}
	}
	if _, err := s.sync.Backlog(ctx); err != nil {
		return processed, err
	}
	return processed, nil
}

func (s *Scheduler) ReconcileJob(ctx context.Context) (int, error) {
	runs, err := s.reconcile.RunDue(ctx)
	repaired := 0
	for _, run := range runs {
		repaired += run.Repaired
	}
	if len(runs) > 0 {
		s.logger(ctx).Info("scheduler.reconcile.runs",
			zap.Int("runs", len(runs)),
			zap.Int("repaired", repaired),
		)
	}
	return len(runs), err
}

func (s *Scheduler) RecurringBillingJob(ctx context.Context) (int, error) {
	res, err := s.billing.RunRecurring(ctx)
	return res.Invoiced, err
}

func (s *Scheduler) BillingRetryJob(ctx context.Context) (int, error) {
	res, err := s.billing.RunRetries(ctx)
	return res.Submitted, err
}

func (s *Scheduler) CallbackRematchJob(ctx context.Context) (int, error) {
	res, err := s.payments.Rematch(ctx)
	return res.Matched, err
}

func (s *Scheduler) RoyaltyCloseJob(ctx context.Context) (int, error) {
	return s.royalties.CloseDuePeriods(ctx, s.clock.Now())
}
