package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
)

// ConsumeRequest describes one billable action.
type ConsumeRequest struct {
	UserID      string
	WorkspaceID string
	// ActionHash is the caller-supplied idempotency key; two requests with
	// the same hash debit at most once.
	ActionHash string
	Metric     string
	Quantity   decimal.Decimal
	// Attributes feed the cost formula, e.g. a complexity class.
	Attributes map[string]string
	// Type selects the credit pool to draw from.
	Type allowancedomain.AllowanceType
}

// ConsumeResult reports what a consume call did. Deduplicated results are
// replays of an earlier accepted event.
type ConsumeResult struct {
	Accepted     bool
	Deduplicated bool
	Event        *ConsumptionEvent
	// RemainingBalance is the pool balance left after the debit, excluding
	// any metered overage.
	RemainingBalance int64
	// Throttled is set when a budget guard in throttle mode let the overage
	// through while flagging it.
	Throttled bool
	// AutofixApplied is set when the free tier's daily auto-fix quota
	// covered the shortfall.
	AutofixApplied bool
}

type Service interface {
	// Consume prices and debits one action atomically. Primary allowances
	// drain before rollover buckets, both in ascending expiry order. A
	// shortfall on the free tier first tries the daily auto-fix quota;
	// past that, and when the subscription allows pay-as-you-go, the
	// shortfall becomes metered usage subject to the budget guard.
	// Otherwise the whole call fails and nothing is debited.
	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)
	// Balance sums the live credits of a pool, buckets included.
	Balance(ctx context.Context, userID string, poolType allowancedomain.AllowanceType) (int64, error)
	GetEvent(ctx context.Context, actionHash string) (*ConsumptionEvent, error)
}

var (
	ErrInvalidAction        = errors.New("invalid_action")
	ErrInsufficientCredits  = errors.New("insufficient_credits")
	ErrEventNotFound        = errors.New("event_not_found")
	ErrSubscriptionRequired = errors.New("subscription_required")
	ErrRateLimited          = errors.New("rate_limited")
)
