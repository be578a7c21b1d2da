// Package domain defines per-workspace spending guards for pay-as-you-go
// overage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// GuardBehavior selects what happens when a cap is hit.
type GuardBehavior string

const (
	// BehaviorSuspend rejects further pay-as-you-go spend outright.
	BehaviorSuspend GuardBehavior = "suspend"
	// BehaviorThrottle lets the action through but raises a notification.
	BehaviorThrottle GuardBehavior = "throttle"
)

// BudgetGuard caps the metered overage spend of a workspace inside one
// billing window. A zero cap disables the guard.
type BudgetGuard struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	UserID        string          `gorm:"type:text;not null;index;uniqueIndex:ux_guard_owner,priority:1"`
	WorkspaceID   string          `gorm:"type:text;not null;uniqueIndex:ux_guard_owner,priority:2"`
	MonthlyCapUSD decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	WindowSpend   decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0"`
	Behavior      GuardBehavior   `gorm:"type:text;not null;default:'suspend'"`
	WindowStart   time.Time       `gorm:"not null"`
	TrippedAt     *time.Time      `gorm:""`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BudgetGuard) TableName() string { return "budget_guards" }

// Unlimited reports whether the guard enforces nothing.
func (g *BudgetGuard) Unlimited() bool {
	return g == nil || g.MonthlyCapUSD.IsZero()
}

// WouldExceed reports whether adding delta to the window spend crosses the
// cap.
func (g *BudgetGuard) WouldExceed(delta decimal.Decimal) bool {
	if g.Unlimited() {
		return false
	}
	return g.WindowSpend.Add(delta).GreaterThan(g.MonthlyCapUSD)
}
