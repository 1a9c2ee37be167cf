package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/clock"
	obsmetrics "github.com/smallbiznis/bookline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	royaltydomain "github.com/smallbiznis/bookline/internal/royalty/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Each fake embeds its interface so only the methods a job calls are implemented.

type fakeSync struct {
	refsyncdomain.Service
	batches  []refsyncdomain.DeliveryStats
	calls    int
	backlogs int
}

func (f *fakeSync) DeliverDue(context.Context) (refsyncdomain.DeliveryStats, error) {
	f.calls++
	if len(f.batches) == 0 {
		return refsyncdomain.DeliveryStats{}, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeSync) Backlog(context.Context) (refsyncdomain.Backlog, error) {
	f.backlogs++
	return refsyncdomain.Backlog{}, nil
}

type fakeReconcile struct {
	reconciledomain.Service
	calls int
}

func (f *fakeReconcile) RunDue(context.Context) ([]reconciledomain.Run, error) {
	f.calls++
	return []reconciledomain.Run{{Repaired: 2}}, nil
}

type fakeBilling struct {
	billingdomain.Service
	recurring int
	retries   int
	err       error
}

func (f *fakeBilling) RunRecurring(context.Context) (billingdomain.RunResult, error) {
	f.recurring++
	return billingdomain.RunResult{Claimed: 1, Invoiced: 1, Submitted: 1}, f.err
}

func (f *fakeBilling) RunRetries(context.Context) (billingdomain.RunResult, error) {
	f.retries++
	return billingdomain.RunResult{}, nil
}

type fakePayments struct {
	paymentdomain.Service
	calls int
}

func (f *fakePayments) Rematch(context.Context) (paymentdomain.RematchResult, error) {
	f.calls++
	return paymentdomain.RematchResult{Scanned: 1, Matched: 1}, nil
}

type fakeRoyalties struct {
	royaltydomain.Service
	mu    sync.Mutex
	times []time.Time
}

func (f *fakeRoyalties) CloseDuePeriods(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = append(f.times, now)
	return 1, nil
}

type fixture struct {
	sched     *Scheduler
	clk       *clock.FakeClock
	sync      *fakeSync
	reconcile *fakeReconcile
	billing   *fakeBilling
	payments  *fakePayments
	royalties *fakeRoyalties
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		clk:       clock.NewFakeClock(time.Date(2026, 5, 1, 0, 5, 0, 0, time.UTC)),
		sync:      &fakeSync{},
		reconcile: &fakeReconcile{},
		billing:   &fakeBilling{},
		payments:  &fakePayments{},
		royalties: &fakeRoyalties{},
	}
	f.sched, err = New(Params{
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     f.clk,
		Config:    cfg,
		Sync:      f.sync,
		Reconcile: f.reconcile,
		Billing:   f.billing,
		Payments:  f.payments,
		Royalties: f.royalties,
	})
	require.NoError(t, err)
	return f
}

func TestNewRequiresServices(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceRunsEveryJobByDefault(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, f.sync.calls)
	assert.Equal(t, 1, f.sync.backlogs)
	assert.Equal(t, 1, f.reconcile.calls)
	assert.Equal(t, 1, f.billing.recurring)
	assert.Equal(t, 1, f.billing.retries)
	assert.Equal(t, 1, f.payments.calls)
	require.Len(t, f.royalties.times, 1)
	assert.True(t, f.royalties.times[0].Equal(f.clk.Now()))
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{"callback_rematch", " ROYALTY_CLOSE "}})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Zero(t, f.sync.calls)
	assert.Zero(t, f.reconcile.calls)
	assert.Zero(t, f.billing.recurring)
	assert.Equal(t, 1, f.payments.calls)
	assert.Len(t, f.royalties.times, 1)
}

func TestSyncDeliveryJobDrainsUntilEmptyBatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.sync.batches = []refsyncdomain.DeliveryStats{
		{Claimed: 3, Delivered: 2, Parked: 1},
		{Claimed: 1, Delivered: 1},
	}

	processed, err := f.sched.SyncDeliveryJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, processed)
	assert.Equal(t, 3, f.sync.calls)
	assert.Equal(t, 1, f.sync.backlogs)
}

func TestRunOnceJoinsJobErrorsAndKeepsGoing(t *testing.T) {
	f := newFixture(t, Config{})
	f.billing.err = errors.New("boom")

	err := f.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recurring_billing: boom")
	assert.Equal(t, 1, f.payments.calls)
	assert.Len(t, f.royalties.times, 1)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "bookline",
		Environment: "test",
	})

	f := newFixture(t, Config{})
	err := f.sched.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "bookline",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "bookline_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "bookline",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "bookline_scheduler_job_errors_total", errorLabels))
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
