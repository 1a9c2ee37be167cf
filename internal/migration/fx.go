package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/seed"
	"github.com/smallbiznis/bookline/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, node *snowflake.Node, cfg config.Config) error {
		ctx := context.Background()
		if db.IsPostgres(conn) {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else if err := ApplyStatements(ctx, conn); err != nil {
			return err
		}

		if err := seed.EnsureLocalSubscriber(ctx, conn, node, cfg.SubscriberName); err != nil {
			return err
		}
		return seed.EnsureDefaultPlans(ctx, conn)
	}),
)
