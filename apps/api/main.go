package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookline/internal/billing"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/migration"
	"github.com/smallbiznis/bookline/internal/observability"
	"github.com/smallbiznis/bookline/internal/payment"
	"github.com/smallbiznis/bookline/internal/ratelimit"
	"github.com/smallbiznis/bookline/internal/reconcile"
	"github.com/smallbiznis/bookline/internal/reference"
	"github.com/smallbiznis/bookline/internal/refsync"
	"github.com/smallbiznis/bookline/internal/royalty"
	"github.com/smallbiznis/bookline/internal/server"
	"github.com/smallbiznis/bookline/pkg/db"
	"go.uber.org/fx"
)

// api serves HTTP only. Deliveries emitted here are drained by the
// delivery worker or the scheduler running elsewhere.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		reference.Module,
		refsync.Module,
		reconcile.Module,
		billing.Module,
		payment.Module,
		royalty.Module,

		server.Module,
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
