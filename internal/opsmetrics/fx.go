package opsmetrics

import (
	"context"
	"time"

	"github.com/smallbiznis/bookline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPushInterval = 5 * time.Minute

var Module = fx.Module("ops.metrics",
	fx.Provide(func(cfg config.Config) *Collector {
		return NewCollector(cfg.AppName, cfg.Environment)
	}),
	fx.Provide(NewPusher),
	fx.Invoke(runPusher),
)

// PushOnce refreshes the backlog gauges and pushes them. A failed refresh
// still pushes whatever gauges were updated.
func PushOnce(ctx context.Context, c *Collector, pusher Pusher, db *gorm.DB) error {
	refreshErr := c.Refresh(ctx, db)
	if pusher == nil {
		return refreshErr
	}
	if err := pusher.Push(ctx, c.Registry()); err != nil {
		return err
	}
	return refreshErr
}

func runPusher(lc fx.Lifecycle, cfg config.Config, c *Collector, pusher Pusher, db *gorm.DB, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	log := logger.Named("ops.metrics")
	interval := cfg.OpsPush.Interval
	if interval <= 0 {
		interval = defaultPushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("ops.metrics.started", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := PushOnce(ctx, c, pusher, db); err != nil && ctx.Err() == nil {
						log.Warn("ops.metrics.push_failed", zap.Error(err))
					}
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			log.Info("ops.metrics.stopped")
			return nil
		},
	})
}
