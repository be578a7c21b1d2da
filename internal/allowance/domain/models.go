// Package domain contains persistence models for credit allowances and
// rollover buckets.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AllowanceType classifies which credit pool an allowance belongs to.
type AllowanceType string

const (
	AllowanceTypeBC    AllowanceType = "BC"
	AllowanceTypeRC    AllowanceType = "RC"
	AllowanceTypeUsage AllowanceType = "Usage"
)

// AllowanceWindow is the reset cadence of an allowance.
type AllowanceWindow string

const (
	AllowanceWindowDaily   AllowanceWindow = "daily"
	AllowanceWindowMonthly AllowanceWindow = "monthly"
	AllowanceWindowYearly  AllowanceWindow = "yearly"
)

// RolloverPolicy controls what happens to unused credits at window end.
type RolloverPolicy string

const (
	RolloverPolicyNone     RolloverPolicy = "none"
	RolloverPolicyOneCycle RolloverPolicy = "1_cycle"
	RolloverPolicyAnnual   RolloverPolicy = "annual"
)

// Allowance is a ledger of available credits for a user. The invariant
// 0 <= Used <= Total holds after every operation; only the consumption
// engine increments Used and only RollWindow resets it.
type Allowance struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	UserID         string            `gorm:"type:text;not null;index;uniqueIndex:ux_allowance_owner,priority:1"`
	// PlanID is zero for ad-hoc grants. A sentinel instead of NULL keeps the
	// owner uniqueness index effective for plan-less rows.
	PlanID         snowflake.ID      `gorm:"not null;default:0;uniqueIndex:ux_allowance_owner,priority:2"`
	Type           AllowanceType     `gorm:"type:text;not null;uniqueIndex:ux_allowance_owner,priority:3"`
	Source         string            `gorm:"type:text;not null;default:'';uniqueIndex:ux_allowance_owner,priority:4"`
	Total          int64             `gorm:"not null"`
	Used           int64             `gorm:"not null;default:0"`
	Window         AllowanceWindow   `gorm:"type:text;not null"`
	RolloverPolicy RolloverPolicy    `gorm:"type:text;not null;default:'none'"`
	ExpiresAt      *time.Time        `gorm:""`
	LastRolledAt   *time.Time        `gorm:""`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Allowance) TableName() string { return "allowances" }

// Remaining returns the undrawn balance of the current window.
func (a *Allowance) Remaining() int64 {
	if a == nil {
		return 0
	}
	if remaining := a.Total - a.Used; remaining > 0 {
		return remaining
	}
	return 0
}

// Expired reports whether the allowance is inert at the given instant.
func (a *Allowance) Expired(now time.Time) bool {
	return a != nil && a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// RolloverBucket holds unused credits carried from a prior window. Buckets
// drain only after the current-cycle allowances of the same type are
// exhausted; once Remain hits zero or the bucket expires it is inert.
type RolloverBucket struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      string       `gorm:"type:text;not null;index"`
	AllowanceID snowflake.ID `gorm:"not null;index"`
	Remain      int64        `gorm:"not null"`
	ExpiresAt   *time.Time   `gorm:""`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RolloverBucket) TableName() string { return "rollover_buckets" }

// Expired reports whether the bucket is inert at the given instant.
func (b *RolloverBucket) Expired(now time.Time) bool {
	return b != nil && b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// DailyAutofix tracks free-tier auto-fix usage per calendar day.
type DailyAutofix struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    string       `gorm:"type:text;not null;index;uniqueIndex:ux_autofix_user_date,priority:1"`
	DateKey   string       `gorm:"type:text;not null;uniqueIndex:ux_autofix_user_date,priority:2"` // YYYY-MM-DD
	Consumed  int          `gorm:"not null;default:0"`
	Limit     int          `gorm:"column:daily_limit;not null;default:3"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DailyAutofix) TableName() string { return "allowance_daily_autofix" }
