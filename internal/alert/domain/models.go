// Package domain contains the persisted record of budget guard alerts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// AlertKind classifies why a guard fired.
type AlertKind string

const (
	// AlertKindThrottled means a throttle guard let the spend through while
	// over its cap.
	AlertKindThrottled AlertKind = "throttled"
)

// BudgetAlert is one notification emitted by a budget guard. Rows are
// append-only; operators drain them into whatever paging channel they run.
type BudgetAlert struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	UserID        string          `gorm:"type:text;not null;index"`
	WorkspaceID   string          `gorm:"type:text;not null;index"`
	Kind          AlertKind       `gorm:"type:text;not null"`
	MonthlyCapUSD decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	WindowSpend   decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	DeltaUSD      decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BudgetAlert) TableName() string { return "budget_alerts" }
