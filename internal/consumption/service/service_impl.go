package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
	budgetdomain "github.com/vibeany/billingcore/internal/budgetguard/domain"
	"github.com/vibeany/billingcore/internal/clock"
	"github.com/vibeany/billingcore/internal/config"
	consumptiondomain "github.com/vibeany/billingcore/internal/consumption/domain"
	costmodeldomain "github.com/vibeany/billingcore/internal/costmodel/domain"
	"github.com/vibeany/billingcore/internal/observability/metrics"
	overagedomain "github.com/vibeany/billingcore/internal/overage/domain"
	plandomain "github.com/vibeany/billingcore/internal/plan/domain"
	"github.com/vibeany/billingcore/internal/ratelimit"
	subscriptiondomain "github.com/vibeany/billingcore/internal/subscription/domain"
	"github.com/vibeany/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errConcurrentReplay forces a rollback when another call committed the same
// action hash first.
var errConcurrentReplay = errors.New("concurrent_replay")

// expiryOrder sorts soonest-expiring rows first, keeping never-expiring rows
// for last. Portable across the supported dialects.
const expiryOrder = "CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC"

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	BillingCfg    *config.BillingConfigHolder
	Metrics       *metrics.Metrics
	Costs         costmodeldomain.Service
	Subscriptions subscriptiondomain.Service
	Plans         plandomain.Service
	Allowances    allowancedomain.Service
	Guards        budgetdomain.Service
	Overage       overagedomain.Service
	Limiter       *ratelimit.ConsumeLimiter `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID         *snowflake.Node
	clock         clock.Clock
	billingCfg    *config.BillingConfigHolder
	metrics       *metrics.Metrics
	costs         costmodeldomain.Service
	subscriptions subscriptiondomain.Service
	plans         plandomain.Service
	allowances    allowancedomain.Service
	guards        budgetdomain.Service
	overage       overagedomain.Service
	limiter       *ratelimit.ConsumeLimiter
}

func NewService(p ServiceParam) consumptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("consumption.service"),

		genID:         p.GenID,
		clock:         p.Clock,
		billingCfg:    p.BillingCfg,
		metrics:       p.Metrics,
		costs:         p.Costs,
		subscriptions: p.Subscriptions,
		plans:         p.Plans,
		allowances:    p.Allowances,
		guards:        p.Guards,
		overage:       p.Overage,
		limiter:       p.Limiter,
	}
}

func (s *Service) Consume(ctx context.Context, req consumptiondomain.ConsumeRequest) (*consumptiondomain.ConsumeResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ActionHash = strings.TrimSpace(req.ActionHash)
	req.Metric = strings.TrimSpace(req.Metric)
	if req.UserID == "" || req.ActionHash == "" || req.Metric == "" {
		return nil, consumptiondomain.ErrInvalidAction
	}
	switch req.Type {
	case allowancedomain.AllowanceTypeBC, allowancedomain.AllowanceTypeRC, allowancedomain.AllowanceTypeUsage:
	default:
		return nil, consumptiondomain.ErrInvalidAction
	}
	if req.Quantity.IsZero() {
		req.Quantity = decimal.NewFromInt(1)
	}

	// Replays short-circuit before the rate limiter and any pricing work,
	// so retrying a committed action always surfaces its record.
	if existing, err := s.GetEvent(ctx, req.ActionHash); err == nil {
		return replayResult(existing), nil
	} else if err != consumptiondomain.ErrEventNotFound {
		return nil, err
	}

	if allowed, retryAfter := s.limiter.Allow(ctx, req.UserID); !allowed {
		s.log.Debug("consume throttled by rate limiter",
			zap.String("user_id", req.UserID),
			zap.Duration("retry_after", retryAfter),
		)
		return nil, consumptiondomain.ErrRateLimited
	}

	cost, err := s.costs.Resolve(ctx, costmodeldomain.ResolveRequest{
		Metric:     req.Metric,
		Quantity:   req.Quantity,
		Attributes: req.Attributes,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	result := &consumptiondomain.ConsumeResult{}
	var (
		meteredOverage int64
		overageUSD     decimal.Decimal
	)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var allowances []*allowancedomain.Allowance
		err := db.LockForUpdate(tx).
			Where("user_id = ? AND type = ? AND used < total AND (expires_at IS NULL OR expires_at > ?)",
				req.UserID, req.Type, now).
			Order(expiryOrder).
			Find(&allowances).Error
		if err != nil {
			return err
		}

		var buckets []*allowancedomain.RolloverBucket
		err = db.LockForUpdate(tx).
			Joins("JOIN allowances ON allowances.id = rollover_buckets.allowance_id").
			Where("rollover_buckets.user_id = ? AND allowances.type = ? AND rollover_buckets.remain > 0", req.UserID, req.Type).
			Where("rollover_buckets.expires_at IS NULL OR rollover_buckets.expires_at > ?", now).
			Order("CASE WHEN rollover_buckets.expires_at IS NULL THEN 1 ELSE 0 END, rollover_buckets.expires_at ASC").
			Find(&buckets).Error
		if err != nil {
			return err
		}

		available := int64(0)
		for _, a := range allowances {
			available += a.Remaining()
		}
		for _, b := range buckets {
			available += b.Remain
		}

		need := cost.Credits
		if shortfall := need - available; shortfall > 0 {
			covered, err := s.tryAutofix(db.WithTx(ctx, tx), req, now)
			if err != nil {
				return err
			}
			if covered {
				result.AutofixApplied = true
			} else {
				verdict, err := s.authorizeOverage(ctx, req, shortfall)
				if err != nil {
					return err
				}
				meteredOverage = shortfall
				overageUSD = decimal.NewFromInt(shortfall).
					Mul(decimal.NewFromFloat(s.billingCfg.Get().PaygUnitPriceUSD)).
					Round(6)
				result.Throttled = verdict.Throttled
			}
			need = available
		}

		event := &consumptiondomain.ConsumptionEvent{
			ID:             s.genID.Generate(),
			UserID:         req.UserID,
			WorkspaceID:    req.WorkspaceID,
			ActionHash:     req.ActionHash,
			Metric:         req.Metric,
			Type:           req.Type,
			Credits:        cost.Credits,
			CostAmount:     cost.Amount,
			MeteredOverage: meteredOverage,
			OverageUSD:     overageUSD,
			Throttled:      result.Throttled,
			AutofixApplied: result.AutofixApplied,
		}

		// Primary allowances drain first, soonest expiry first.
		for _, a := range allowances {
			if need == 0 {
				break
			}
			take := a.Remaining()
			if take > need {
				take = need
			}
			a.Used += take
			need -= take
			if err := tx.Save(a).Error; err != nil {
				return err
			}
			event.DebitedAllowances = append(event.DebitedAllowances, a.ID.String())
		}
		for _, b := range buckets {
			if need == 0 {
				break
			}
			take := b.Remain
			if take > need {
				take = need
			}
			b.Remain -= take
			need -= take
			if err := tx.Save(b).Error; err != nil {
				return err
			}
			event.DebitedBuckets = append(event.DebitedBuckets, b.ID.String())
		}

		remaining := available - (cost.Credits - meteredOverage)
		if remaining < 0 {
			remaining = 0
		}
		event.RemainingAfter = remaining

		if err := tx.Create(event).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				// A concurrent call won the hash; roll everything back and
				// surface its record.
				return errConcurrentReplay
			}
			return err
		}

		// Metered usage and guard spend commit with the debit or not at
		// all.
		if meteredOverage > 0 {
			if err := s.settleOverage(db.WithTx(ctx, tx), req, meteredOverage, overageUSD, now); err != nil {
				return err
			}
		}

		result.Accepted = true
		result.Event = event
		result.RemainingBalance = remaining
		return nil
	})
	if err == errConcurrentReplay {
		winner, ferr := s.GetEvent(ctx, req.ActionHash)
		if ferr != nil {
			return nil, ferr
		}
		return replayResult(winner), nil
	}
	if err != nil {
		return nil, err
	}

	s.metrics.RecordConsumption(ctx, string(req.Type))
	s.log.Info("consumption accepted",
		zap.String("user_id", req.UserID),
		zap.String("metric", req.Metric),
		zap.Int64("credits", result.Event.Credits),
		zap.Int64("metered_overage", meteredOverage),
	)
	return result, nil
}

// authorizeOverage decides whether a credit shortfall may spill into
// pay-as-you-go metered usage.
func (s *Service) authorizeOverage(ctx context.Context, req consumptiondomain.ConsumeRequest, shortfall int64) (*budgetdomain.Verdict, error) {
	sub, err := s.subscriptions.GetPrimary(ctx, req.UserID)
	if err != nil {
		if err == subscriptiondomain.ErrSubscriptionNotFound {
			s.metrics.RecordConsumptionDenied(ctx, string(req.Type), "insufficient_credits")
			return nil, consumptiondomain.ErrInsufficientCredits
		}
		return nil, err
	}
	if !sub.PaygEnabled {
		s.metrics.RecordConsumptionDenied(ctx, string(req.Type), "insufficient_credits")
		return nil, consumptiondomain.ErrInsufficientCredits
	}

	projected := decimal.NewFromInt(shortfall).
		Mul(decimal.NewFromFloat(s.billingCfg.Get().PaygUnitPriceUSD)).
		Round(6)
	verdict, err := s.guards.CheckSpend(ctx, req.UserID, req.WorkspaceID, projected)
	if err != nil {
		if err == budgetdomain.ErrBudgetExceeded {
			s.metrics.RecordConsumptionDenied(ctx, string(req.Type), "budget_exceeded")
		}
		return nil, err
	}
	return verdict, nil
}

// tryAutofix covers a free-tier shortfall from the daily auto-fix quota. It
// reports false when the plan is paid or the quota is spent, leaving the
// pay-as-you-go path to decide.
func (s *Service) tryAutofix(ctx context.Context, req consumptiondomain.ConsumeRequest, now time.Time) (bool, error) {
	sub, err := s.subscriptions.GetPrimary(ctx, req.UserID)
	if err != nil {
		if err == subscriptiondomain.ErrSubscriptionNotFound {
			return false, nil
		}
		return false, err
	}
	plan, err := s.plans.GetByID(ctx, sub.PlanID)
	if err != nil {
		return false, err
	}
	if !plan.IsFree() {
		return false, nil
	}

	if _, err := s.allowances.ConsumeAutofix(ctx, req.UserID, now); err != nil {
		if err == allowancedomain.ErrAutofixLimitReached {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// settleOverage records the shortfall as metered usage and charges it to the
// budget window, inside the caller's transaction so the debit and the
// overage commit together.
func (s *Service) settleOverage(ctx context.Context, req consumptiondomain.ConsumeRequest, shortfall int64, overageUSD decimal.Decimal, now time.Time) error {
	_, err := s.overage.RecordMeteredUsage(ctx, overagedomain.RecordUsageRequest{
		UserID:      req.UserID,
		WorkspaceID: req.WorkspaceID,
		Metric:      req.Metric,
		Value:       decimal.NewFromInt(shortfall),
		At:          now,
	})
	if err != nil {
		return err
	}

	// Workspaces without a guard meter usage uncapped.
	if _, err := s.guards.RecordSpend(ctx, req.UserID, req.WorkspaceID, overageUSD, now); err != nil && err != budgetdomain.ErrGuardNotFound {
		return err
	}
	return nil
}

func (s *Service) Balance(ctx context.Context, userID string, poolType allowancedomain.AllowanceType) (int64, error) {
	now := s.clock.Now().UTC()

	var allowances []*allowancedomain.Allowance
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND (expires_at IS NULL OR expires_at > ?)", userID, poolType, now).
		Find(&allowances).Error
	if err != nil {
		return 0, err
	}

	var buckets []*allowancedomain.RolloverBucket
	err = s.db.WithContext(ctx).
		Joins("JOIN allowances ON allowances.id = rollover_buckets.allowance_id").
		Where("rollover_buckets.user_id = ? AND allowances.type = ?", userID, poolType).
		Where("rollover_buckets.expires_at IS NULL OR rollover_buckets.expires_at > ?", now).
		Find(&buckets).Error
	if err != nil {
		return 0, err
	}

	total := int64(0)
	for _, a := range allowances {
		total += a.Remaining()
	}
	for _, b := range buckets {
		total += b.Remain
	}
	return total, nil
}

func (s *Service) GetEvent(ctx context.Context, actionHash string) (*consumptiondomain.ConsumptionEvent, error) {
	var event consumptiondomain.ConsumptionEvent
	err := s.db.WithContext(ctx).Where("action_hash = ?", actionHash).First(&event).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, consumptiondomain.ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

func replayResult(event *consumptiondomain.ConsumptionEvent) *consumptiondomain.ConsumeResult {
	return &consumptiondomain.ConsumeResult{
		Accepted:         true,
		Deduplicated:     true,
		Event:            event,
		RemainingBalance: event.RemainingAfter,
		Throttled:        event.Throttled,
		AutofixApplied:   event.AutofixApplied,
	}
}
