package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ActivatePlanRequest struct {
	UserID string
	PlanID snowflake.ID
	// SkipTrial forces an immediately active subscription even when the plan
	// carries trial days.
	SkipTrial bool
	Now       time.Time
}

// RollPeriodResult reports what a period close did.
type RollPeriodResult struct {
	Subscription *UserSubscription
	// Rolled is false when the period boundary had not passed yet or the
	// period was already advanced by an earlier call.
	Rolled bool
	// RolledAllowanceIDs lists the plan allowances whose windows were closed
	// alongside the period.
	RolledAllowanceIDs []snowflake.ID
}

type Service interface {
	// ActivatePlan creates the subscription for a user on a plan and grants
	// its credit allowances. Plans with trial days start trialing unless
	// SkipTrial is set.
	ActivatePlan(ctx context.Context, req ActivatePlanRequest) (*UserSubscription, error)
	// RollPeriod closes the current billing period once its boundary passed:
	// the period bounds advance and every plan allowance window is rolled.
	// Safe to call repeatedly for the same boundary.
	RollPeriod(ctx context.Context, subscriptionID snowflake.ID, now time.Time) (*RollPeriodResult, error)
	// ResolveTrial promotes a trialing subscription whose trial window has
	// ended to active.
	ResolveTrial(ctx context.Context, subscriptionID snowflake.ID, now time.Time) (*UserSubscription, error)
	Cancel(ctx context.Context, subscriptionID snowflake.ID, now time.Time) error
	MarkPastDue(ctx context.Context, subscriptionID snowflake.ID) error
	SetPayg(ctx context.Context, subscriptionID snowflake.ID, enabled bool) error

	GetByID(ctx context.Context, subscriptionID snowflake.ID) (*UserSubscription, error)
	// GetPrimary returns the live primary subscription of a user, or
	// ErrSubscriptionNotFound when none exists.
	GetPrimary(ctx context.Context, userID string) (*UserSubscription, error)
	// ListDuePeriods returns live subscriptions whose period closed at or
	// before the given instant.
	ListDuePeriods(ctx context.Context, now time.Time, limit int) ([]*UserSubscription, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrSubscriptionExists   = errors.New("subscription_exists")
	ErrSubscriptionInactive = errors.New("subscription_inactive")
	ErrNotTrialing          = errors.New("not_trialing")
)
