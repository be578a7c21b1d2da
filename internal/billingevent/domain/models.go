// Package domain contains the billing event outbox model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BillingEvent is an outbox row recording a billing state change for
// downstream consumers. DedupeKey makes replayed writers idempotent; rows
// with a nil key are never deduplicated.
type BillingEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	UserID      string            `gorm:"type:text;not null;index"`
	WorkspaceID string            `gorm:"type:text;not null;index"`
	EventType   string            `gorm:"type:text;not null"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null"`
	DedupeKey   *string           `gorm:"type:text;uniqueIndex:ux_billing_event_dedupe"`
	Published   bool              `gorm:"not null;default:false"`
	PublishedAt *time.Time        `gorm:""`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }
