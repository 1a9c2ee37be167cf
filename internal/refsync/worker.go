package refsync

import (
	"context"
	"errors"
	"sync"
	"time"

	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	"github.com/smallbiznis/bookline/internal/refsync/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const pollInterval = 5 * time.Second

// Worker drains due deliveries whenever an emit signals new work and on a
// fixed interval so retries scheduled in the future are picked up.
type Worker struct {
	svc      refsyncdomain.Service
	notifier *service.Notifier
	interval time.Duration
	log      *zap.Logger
}

func NewWorker(svc refsyncdomain.Service, notifier *service.Notifier, log *zap.Logger) *Worker {
	return &Worker{
		svc:      svc,
		notifier: notifier,
		interval: pollInterval,
		log:      log.Named("refsync.worker"),
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.notifier.C():
		}
	}
}

// drain keeps claiming batches until one comes back empty.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		stats, err := w.svc.DeliverDue(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("sync.worker.deliver_failed", zap.Error(err))
			return
		}
		if stats.Claimed == 0 {
			return
		}
		w.log.Debug("sync.worker.batch",
			zap.Int("claimed", stats.Claimed),
			zap.Int("delivered", stats.Delivered),
			zap.Int("retried", stats.Retried),
			zap.Int("parked", stats.Parked),
			zap.Int("cancelled", stats.Cancelled),
		)
	}
}

func runWorker(lc fx.Lifecycle, worker *Worker) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				worker.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			wg.Wait()
			return nil
		},
	})
}
