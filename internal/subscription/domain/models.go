// Package domain contains the user subscription model and its lifecycle
// contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus is the lifecycle state of a user subscription.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// UserSubscription binds a user to a plan for a billing period. A user holds
// at most one row per plan; IsPrimary marks the subscription that feeds the
// consumption engine.
type UserSubscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	UserID             string             `gorm:"type:text;not null;index;uniqueIndex:ux_subscription_user_plan,priority:1"`
	PlanID             snowflake.ID       `gorm:"not null;uniqueIndex:ux_subscription_user_plan,priority:2"`
	Status             SubscriptionStatus `gorm:"type:text;not null;default:'active';index"`
	PaygEnabled        bool               `gorm:"not null;default:false"`
	IsPrimary          bool               `gorm:"not null;default:true"`
	CurrentPeriodStart time.Time          `gorm:"not null"`
	CurrentPeriodEnd   time.Time          `gorm:"not null;index"`
	TrialEndsAt        *time.Time         `gorm:""`
	CanceledAt         *time.Time         `gorm:""`
	Metadata           datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserSubscription) TableName() string { return "user_subscriptions" }

// Live reports whether the subscription can back consumption.
func (s *UserSubscription) Live() bool {
	return s != nil && (s.Status == StatusActive || s.Status == StatusTrialing)
}

// InTrial reports whether the subscription is still inside its trial window.
func (s *UserSubscription) InTrial(now time.Time) bool {
	return s != nil && s.Status == StatusTrialing && s.TrialEndsAt != nil && now.Before(*s.TrialEndsAt)
}

// PeriodElapsed reports whether the current billing period has closed.
func (s *UserSubscription) PeriodElapsed(now time.Time) bool {
	return s != nil && !now.Before(s.CurrentPeriodEnd)
}
