// Package domain contains metered usage aggregation and overage charge
// models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageMeterReading is one raw metered sample. Readings are append-only;
// aggregation happens in UsageSummary.
type UsageMeterReading struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	UserID      string          `gorm:"type:text;not null;index"`
	WorkspaceID string          `gorm:"type:text;not null;index"`
	Metric      string          `gorm:"type:text;not null"`
	Period      string          `gorm:"type:text;not null;index"` // YYYY-MM
	Value       decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	RecordedAt  time.Time       `gorm:"not null"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageMeterReading) TableName() string { return "usage_meter_readings" }

// UsageSummary is the running aggregate of one metric in one workspace and
// period. One row per (workspace, metric, period).
type UsageSummary struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	UserID      string          `gorm:"type:text;not null;index"`
	WorkspaceID string          `gorm:"type:text;not null;uniqueIndex:ux_summary_scope,priority:1"`
	Metric      string          `gorm:"type:text;not null;uniqueIndex:ux_summary_scope,priority:2"`
	Period      string          `gorm:"type:text;not null;uniqueIndex:ux_summary_scope,priority:3"`
	TotalValue  decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0"`
	// OverageAmount is the portion of TotalValue above the plan baseline,
	// never negative.
	OverageAmount decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageSummary) TableName() string { return "usage_summaries" }

// ChargeStatus is the settlement state of an overage charge. Transitions
// only move forward; paid and waived are terminal.
type ChargeStatus string

const (
	ChargePending  ChargeStatus = "pending"
	ChargeInvoiced ChargeStatus = "invoiced"
	ChargePaid     ChargeStatus = "paid"
	ChargeWaived   ChargeStatus = "waived"
)

// Terminal reports whether no further transition is allowed.
func (s ChargeStatus) Terminal() bool {
	return s == ChargePaid || s == ChargeWaived
}

// OverageCharge is a billable claim against a usage summary's overage.
type OverageCharge struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      string       `gorm:"type:text;not null;index"`
	WorkspaceID string       `gorm:"type:text;not null;index"`
	SummaryID   snowflake.ID `gorm:"not null;uniqueIndex:ux_charge_summary"`
	// Reference is handed to the payment provider at checkout and resolves
	// settlement events back to this charge.
	Reference        string            `gorm:"type:text;not null;uniqueIndex:ux_charge_reference"`
	AmountUSD        decimal.Decimal   `gorm:"type:numeric(12,6);not null"`
	Currency         string            `gorm:"type:text;not null;default:'USD'"`
	Status           ChargeStatus      `gorm:"type:text;not null;default:'pending';index"`
	Provider         string            `gorm:"type:text"`
	ProviderChargeID string            `gorm:"type:text"`
	InvoicedAt       *time.Time        `gorm:""`
	PaidAt           *time.Time        `gorm:""`
	WaivedAt         *time.Time        `gorm:""`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OverageCharge) TableName() string { return "overage_charges" }

// CanTransition reports whether moving to the target status is legal.
func (c *OverageCharge) CanTransition(to ChargeStatus) bool {
	if c == nil || c.Status.Terminal() {
		return false
	}
	switch c.Status {
	case ChargePending:
		return to == ChargeInvoiced || to == ChargePaid || to == ChargeWaived
	case ChargeInvoiced:
		return to == ChargePaid || to == ChargeWaived
	default:
		return false
	}
}
