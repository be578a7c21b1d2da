// Package domain defines metric cost models and the resolution contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Formula names are versioned; a pricing change ships as a new version so
// historical events stay reproducible.
const (
	FormulaLinearV1     = "linear_v1"
	FormulaComplexityV1 = "complexity_v1"
)

// CostModel maps a usage metric to a priced formula. One active model per
// metric.
type CostModel struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Metric    string            `gorm:"type:text;not null;uniqueIndex:ux_costmodel_metric"`
	Formula   string            `gorm:"type:text;not null;default:'linear_v1'"`
	BaseRate  decimal.Decimal   `gorm:"type:numeric(12,6);not null"`
	Params    datatypes.JSONMap `gorm:"type:jsonb"`
	IsActive  bool              `gorm:"not null;default:true"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CostModel) TableName() string { return "cost_models" }
