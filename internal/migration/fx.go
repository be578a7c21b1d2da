package migration

import (
	"context"
	"strings"

	"go.uber.org/fx"
	"gorm.io/gorm"

	alertdomain "github.com/vibeany/billingcore/internal/alert/domain"
	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
	eventdomain "github.com/vibeany/billingcore/internal/billingevent/domain"
	budgetdomain "github.com/vibeany/billingcore/internal/budgetguard/domain"
	"github.com/vibeany/billingcore/internal/config"
	consumptiondomain "github.com/vibeany/billingcore/internal/consumption/domain"
	costmodeldomain "github.com/vibeany/billingcore/internal/costmodel/domain"
	overagedomain "github.com/vibeany/billingcore/internal/overage/domain"
	plandomain "github.com/vibeany/billingcore/internal/plan/domain"
	subscriptiondomain "github.com/vibeany/billingcore/internal/subscription/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, plans plandomain.Service) error {
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Non-postgres targets (sqlite in local setups) fall back to
			// schema sync from the models.
			if err := conn.AutoMigrate(
				&plandomain.Plan{},
				&subscriptiondomain.UserSubscription{},
				&allowancedomain.Allowance{},
				&allowancedomain.RolloverBucket{},
				&allowancedomain.DailyAutofix{},
				&budgetdomain.BudgetGuard{},
				&costmodeldomain.CostModel{},
				&overagedomain.UsageMeterReading{},
				&overagedomain.UsageSummary{},
				&overagedomain.OverageCharge{},
				&consumptiondomain.ConsumptionEvent{},
				&eventdomain.BillingEvent{},
				&alertdomain.BudgetAlert{},
			); err != nil {
				return err
			}
		}

		_, err := plans.EnsureDefaultPlans(context.Background())
		return err
	}),
)
