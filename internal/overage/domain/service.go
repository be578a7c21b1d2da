package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/vibeany/billingcore/internal/payment/domain"
)

// RecordUsageRequest appends one metered sample to a workspace aggregate.
type RecordUsageRequest struct {
	UserID      string
	WorkspaceID string
	Metric      string
	Value       decimal.Decimal
	At          time.Time
}

type Service interface {
	// RecordMeteredUsage appends a reading and upserts the period summary.
	// The overage amount is recomputed against the metric's plan baseline.
	RecordMeteredUsage(ctx context.Context, req RecordUsageRequest) (*UsageSummary, error)
	// GenerateCharge mints a pending charge for a summary's current overage
	// at the given unit price. At most one charge exists per summary.
	GenerateCharge(ctx context.Context, summaryID snowflake.ID, unitPriceUSD decimal.Decimal, now time.Time) (*OverageCharge, error)
	// Transition moves a charge along its settlement lifecycle. Illegal
	// moves, including any move off a terminal status, return
	// ErrInvalidTransition.
	Transition(ctx context.Context, chargeID snowflake.ID, to ChargeStatus, now time.Time) (*OverageCharge, error)
	// ApplySettlement maps a provider-neutral settlement event onto the
	// referenced charge. Failed settlements leave the charge where it is.
	ApplySettlement(ctx context.Context, event *paymentdomain.NormalizedSettlementEvent, now time.Time) (*OverageCharge, error)

	GetSummary(ctx context.Context, workspaceID, metric, period string) (*UsageSummary, error)
	GetChargeByReference(ctx context.Context, reference string) (*OverageCharge, error)
	ListPendingCharges(ctx context.Context, limit int) ([]*OverageCharge, error)
}

var (
	ErrInvalidUsage      = errors.New("invalid_usage")
	ErrSummaryNotFound   = errors.New("summary_not_found")
	ErrChargeNotFound    = errors.New("charge_not_found")
	ErrChargeExists      = errors.New("charge_exists")
	ErrNothingToCharge   = errors.New("nothing_to_charge")
	ErrInvalidTransition = errors.New("invalid_transition")
)
