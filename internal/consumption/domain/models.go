// Package domain contains the consumption event ledger and the engine
// contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
	"gorm.io/datatypes"
)

// ConsumptionEvent is the immutable record of one accepted debit. ActionHash
// is globally unique; replaying a hash returns this record instead of
// debiting twice.
type ConsumptionEvent struct {
	ID          snowflake.ID                  `gorm:"primaryKey"`
	UserID      string                        `gorm:"type:text;not null;index"`
	WorkspaceID string                        `gorm:"type:text;not null"`
	ActionHash  string                        `gorm:"type:text;not null;uniqueIndex:ux_event_action_hash"`
	Metric      string                        `gorm:"type:text;not null"`
	Type        allowancedomain.AllowanceType `gorm:"type:text;not null"`
	// Credits is the whole-credit figure actually debited.
	Credits    int64           `gorm:"not null"`
	CostAmount decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	// DebitedAllowances and DebitedBuckets hold the ids touched, in debit
	// order.
	DebitedAllowances datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	DebitedBuckets    datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	// MeteredOverage is the credit shortfall that spilled into
	// pay-as-you-go metered usage.
	MeteredOverage int64           `gorm:"not null;default:0"`
	OverageUSD     decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0"`
	RemainingAfter int64           `gorm:"not null;default:0"`
	Throttled      bool            `gorm:"not null;default:false"`
	// AutofixApplied marks a free-tier shortfall covered by the daily
	// auto-fix quota instead of metered usage.
	AutofixApplied bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ConsumptionEvent) TableName() string { return "consumption_events" }
