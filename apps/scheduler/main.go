package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookline/internal/billing"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/observability"
	"github.com/smallbiznis/bookline/internal/opsmetrics"
	"github.com/smallbiznis/bookline/internal/payment"
	"github.com/smallbiznis/bookline/internal/ratelimit"
	"github.com/smallbiznis/bookline/internal/reconcile"
	"github.com/smallbiznis/bookline/internal/reference"
	"github.com/smallbiznis/bookline/internal/refsync"
	"github.com/smallbiznis/bookline/internal/royalty"
	"github.com/smallbiznis/bookline/internal/scheduler"
	"github.com/smallbiznis/bookline/pkg/db"
	"go.uber.org/fx"
)

// scheduler runs the periodic jobs and the SQS reference consumer. Schema
// migrations are left to the api binary.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		reference.Module,
		refsync.Module,
		reconcile.Module,
		billing.Module,
		payment.Module,
		royalty.Module,

		scheduler.Module,
		reference.ConsumerModule,
		opsmetrics.Module,
	)
	app.Run()
}

// RegisterSnowflake uses node 2 so ids minted here never collide with the api.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
