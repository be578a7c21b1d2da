package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/vibeany/billingcore/internal/alert"
	"github.com/vibeany/billingcore/internal/allowance"
	"github.com/vibeany/billingcore/internal/budgetguard"
	"github.com/vibeany/billingcore/internal/cache"
	"github.com/vibeany/billingcore/internal/clock"
	"github.com/vibeany/billingcore/internal/config"
	"github.com/vibeany/billingcore/internal/consumption"
	"github.com/vibeany/billingcore/internal/costmodel"
	"github.com/vibeany/billingcore/internal/logger"
	"github.com/vibeany/billingcore/internal/migration"
	"github.com/vibeany/billingcore/internal/observability"
	"github.com/vibeany/billingcore/internal/overage"
	"github.com/vibeany/billingcore/internal/payment"
	"github.com/vibeany/billingcore/internal/plan"
	"github.com/vibeany/billingcore/internal/ratelimit"
	"github.com/vibeany/billingcore/internal/scheduler"
	"github.com/vibeany/billingcore/internal/subscription"
	"github.com/vibeany/billingcore/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		cache.Module,

		// Billing domains
		plan.Module,
		allowance.Module,
		subscription.Module,
		costmodel.Module,
		budgetguard.Module,
		alert.Module,
		overage.Module,
		consumption.Module,
		payment.Module,

		// Schema and background maintenance
		migration.Module,
		scheduler.Module,
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
