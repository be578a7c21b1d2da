// Package service persists budget guard notifications.
package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	alertdomain "github.com/vibeany/billingcore/internal/alert/domain"
	budgetdomain "github.com/vibeany/billingcore/internal/budgetguard/domain"
	"github.com/vibeany/billingcore/internal/clock"
)

type NotifierParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

// NewNotifier returns the guard notification sink. It records each throttle
// event as a BudgetAlert row; the write is best effort and never fails the
// consumption that triggered it.
func NewNotifier(p NotifierParam) budgetdomain.NotifyFunc {
	log := p.Log.Named("alert.notifier")

	return func(ctx context.Context, guard *budgetdomain.BudgetGuard, delta decimal.Decimal) {
		if guard == nil {
			return
		}

		alert := &alertdomain.BudgetAlert{
			ID:            p.GenID.Generate(),
			UserID:        guard.UserID,
			WorkspaceID:   guard.WorkspaceID,
			Kind:          alertdomain.AlertKindThrottled,
			MonthlyCapUSD: guard.MonthlyCapUSD,
			WindowSpend:   guard.WindowSpend,
			DeltaUSD:      delta,
			CreatedAt:     p.Clock.Now().UTC(),
		}
		if err := p.DB.WithContext(ctx).Create(alert).Error; err != nil {
			log.Warn("budget alert write failed",
				zap.String("user_id", guard.UserID),
				zap.String("workspace_id", guard.WorkspaceID),
				zap.Error(err),
			)
			return
		}
		log.Info("budget guard throttled",
			zap.String("user_id", guard.UserID),
			zap.String("workspace_id", guard.WorkspaceID),
			zap.String("window_spend", guard.WindowSpend.String()),
			zap.String("cap_usd", guard.MonthlyCapUSD.String()),
		)
	}
}
