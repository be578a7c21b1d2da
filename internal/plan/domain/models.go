// Package domain contains the plan catalog models. Plans are read-only to the
// billing core; edits happen through the admin surface.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SharedMode controls whether BC/RC allowances draw from one shared pool.
type SharedMode string

const (
	SharedModePool   SharedMode = "shared_pool"
	SharedModeHybrid SharedMode = "hybrid"
)

// Plan is a static catalog entry. An Allowance snapshots its quota at
// creation time, so later plan edits never retroactively change balances.
type Plan struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	Name           string            `gorm:"type:text;not null;uniqueIndex"`
	Description    string            `gorm:"type:text"`
	BCMonthly      int64             `gorm:"not null"`
	RCMonthly      int64             `gorm:"not null"`
	UsageBonusRate float64           `gorm:"type:numeric(5,4)"`
	TrialDays      int               `gorm:"not null;default:1"`
	SharedMode     SharedMode        `gorm:"type:text;not null"`
	PaygEnabled    bool              `gorm:"not null;default:true"`
	PriceUSD       decimal.Decimal   `gorm:"type:numeric(10,2);not null"`
	IsActive       bool              `gorm:"not null;default:true"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// IsFree reports whether this is the free tier, which uses daily auto-fix
// grants instead of PAYG fallbacks.
func (p *Plan) IsFree() bool {
	return p != nil && p.PriceUSD.IsZero() && p.BCMonthly == 0 && p.RCMonthly == 0
}
