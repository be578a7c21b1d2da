package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateAllowanceRequest struct {
	UserID string
	// PlanID is zero for ad-hoc grants (top-ups, daily autofix).
	PlanID         snowflake.ID
	Type           AllowanceType
	Total          int64
	Window         AllowanceWindow
	RolloverPolicy RolloverPolicy
	ExpiresAt      *time.Time
	Source         string
	Metadata       map[string]any
}

// RollResult reports the outcome of a window rollover.
type RollResult struct {
	Allowance *Allowance
	// Bucket is the rollover bucket created for the leftover, nil when the
	// policy discards it or nothing was left.
	Bucket *RolloverBucket
	// Rolled is false when the call was a duplicate for an already-rolled
	// window and nothing changed.
	Rolled bool
}

type Service interface {
	CreateAllowance(ctx context.Context, req CreateAllowanceRequest) (*Allowance, error)
	// RollWindow closes the current window of an allowance once its boundary
	// has passed: leftover credits move into a rollover bucket per policy,
	// Used resets to zero and the boundary advances. Safe to call repeatedly
	// for the same window.
	RollWindow(ctx context.Context, allowanceID snowflake.ID, now time.Time) (*RollResult, error)
	// Expire marks an allowance inert immediately.
	Expire(ctx context.Context, allowanceID snowflake.ID, now time.Time) error
	Revoke(ctx context.Context, allowanceID snowflake.ID, reason string, now time.Time) error

	// GrantDailyAutofix upserts the free tier's daily BC grant for the given
	// day. Idempotent per (user, day).
	GrantDailyAutofix(ctx context.Context, userID string, day time.Time) (*Allowance, error)
	// ConsumeAutofix burns one auto-fix use for the day, enforcing the
	// configured daily limit.
	ConsumeAutofix(ctx context.Context, userID string, day time.Time) (*DailyAutofix, error)
	CleanupAutofixCounters(ctx context.Context, olderThan time.Time) (int64, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidTotal        = errors.New("invalid_total")
	ErrDuplicateAllowance  = errors.New("duplicate_allowance")
	ErrAllowanceNotFound   = errors.New("allowance_not_found")
	ErrAllowanceExpired    = errors.New("allowance_expired")
	ErrAutofixLimitReached = errors.New("autofix_limit_reached")
	ErrWindowNotElapsed    = errors.New("window_not_elapsed")
	ErrInvalidWindow       = errors.New("invalid_window")
)
