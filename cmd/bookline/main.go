package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookline/internal/billing"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/migration"
	"github.com/smallbiznis/bookline/internal/observability"
	"github.com/smallbiznis/bookline/internal/opsmetrics"
	"github.com/smallbiznis/bookline/internal/payment"
	"github.com/smallbiznis/bookline/internal/ratelimit"
	"github.com/smallbiznis/bookline/internal/reconcile"
	"github.com/smallbiznis/bookline/internal/reference"
	"github.com/smallbiznis/bookline/internal/refsync"
	"github.com/smallbiznis/bookline/internal/royalty"
	"github.com/smallbiznis/bookline/internal/scheduler"
	"github.com/smallbiznis/bookline/internal/server"
	"github.com/smallbiznis/bookline/pkg/db"
	"go.uber.org/fx"
)

// bookline runs every component in one process: HTTP API, delivery worker,
// scheduler and the optional SQS consumer.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional Domains
		reference.Module,
		refsync.Module,
		reconcile.Module,
		billing.Module,
		payment.Module,
		royalty.Module,

		// Runners
		server.Module,
		refsync.WorkerModule,
		reference.ConsumerModule,
		scheduler.Module,
		opsmetrics.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
