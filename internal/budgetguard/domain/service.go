package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// NotifyFunc receives throttle notifications. Implementations must not
// block; the guard fires them inline.
type NotifyFunc func(ctx context.Context, guard *BudgetGuard, delta decimal.Decimal)

// Verdict is the outcome of a pre-spend check.
type Verdict struct {
	Allowed bool
	// Throttled is set when the spend was allowed but crossed the cap under
	// throttle behavior.
	Throttled bool
	Guard     *BudgetGuard
}

type Service interface {
	// EnsureGuard creates the guard for an owner if absent, seeding the cap
	// from the plan's default. Idempotent.
	EnsureGuard(ctx context.Context, userID, workspaceID, planName string, now time.Time) (*BudgetGuard, error)
	// CheckSpend gates a projected pay-as-you-go spend before it happens.
	// Suspend guards return ErrBudgetExceeded without recording anything;
	// throttle guards allow the spend and flag the verdict.
	CheckSpend(ctx context.Context, userID, workspaceID string, projected decimal.Decimal) (*Verdict, error)
	// RecordSpend adds settled overage spend to the current window after the
	// action succeeded.
	RecordSpend(ctx context.Context, userID, workspaceID string, delta decimal.Decimal, now time.Time) (*BudgetGuard, error)
	// ResetWindow zeroes the window spend at a period boundary.
	ResetWindow(ctx context.Context, userID, workspaceID string, now time.Time) error
	SetCap(ctx context.Context, userID, workspaceID string, capUSD decimal.Decimal, behavior GuardBehavior) error
	Get(ctx context.Context, userID, workspaceID string) (*BudgetGuard, error)
}

var (
	ErrBudgetExceeded = errors.New("budget_exceeded")
	ErrGuardNotFound  = errors.New("guard_not_found")
	ErrInvalidCap     = errors.New("invalid_cap")
)
