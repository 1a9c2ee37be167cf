package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(newLocker),
	fx.Provide(newTokenBucket),
	fx.Provide(NewCallbackLimiter),
)

// NewRedisClient returns nil when REDIS_ADDR is unset; every consumer treats
// a nil client as "no run-lock, no throttling".
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		log.Info("redis.disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis.ping.failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func newLocker(client *redis.Client, cfg config.Config) *Locker {
	return NewLocker(client, cfg.AppName+":lock:")
}

func newTokenBucket(client *redis.Client, cfg config.Config) *TokenBucket {
	return NewTokenBucket(client, cfg.AppName+":rl:")
}
