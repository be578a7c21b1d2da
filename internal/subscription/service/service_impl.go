package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
	"github.com/vibeany/billingcore/internal/config"
	plandomain "github.com/vibeany/billingcore/internal/plan/domain"
	subscriptiondomain "github.com/vibeany/billingcore/internal/subscription/domain"
	"github.com/vibeany/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const planGrantSource = "plan_grant"

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	BillingCfg *config.BillingConfigHolder
	Plans      plandomain.Service
	Allowances allowancedomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	billingCfg *config.BillingConfigHolder
	plans      plandomain.Service
	allowances allowancedomain.Service
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:      p.GenID,
		billingCfg: p.BillingCfg,
		plans:      p.Plans,
		allowances: p.Allowances,
	}
}

func (s *Service) ActivatePlan(ctx context.Context, req subscriptiondomain.ActivatePlanRequest) (*subscriptiondomain.UserSubscription, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, allowancedomain.ErrInvalidUser
	}

	plan, err := s.plans.GetByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cfg := s.billingCfg.Get()
	periodEnd := now.Add(time.Duration(cfg.RolloverCycleDays) * 24 * time.Hour)

	sub := &subscriptiondomain.UserSubscription{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             subscriptiondomain.StatusActive,
		PaygEnabled:        plan.PaygEnabled,
		IsPrimary:          true,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   periodEnd,
	}
	if plan.TrialDays > 0 && !req.SkipTrial {
		trialEnd := now.Add(time.Duration(plan.TrialDays) * 24 * time.Hour)
		sub.Status = subscriptiondomain.StatusTrialing
		sub.TrialEndsAt = &trialEnd
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrSubscriptionExists
			}
			return err
		}
		for _, grant := range s.planGrants(userID, plan, periodEnd) {
			if err := tx.Create(grant).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("plan activated",
		zap.String("user_id", userID),
		zap.String("plan", plan.Name),
		zap.String("status", string(sub.Status)),
	)
	return sub, nil
}

// planGrants builds the allowance rows a plan activation or renewal mints.
// The Usage pool is a bonus pool derived from the RC quota; it never rolls
// over.
func (s *Service) planGrants(userID string, plan *plandomain.Plan, periodEnd time.Time) []*allowancedomain.Allowance {
	mint := func(t allowancedomain.AllowanceType, total int64, policy allowancedomain.RolloverPolicy) *allowancedomain.Allowance {
		expires := periodEnd
		return &allowancedomain.Allowance{
			ID:             s.genID.Generate(),
			UserID:         userID,
			PlanID:         plan.ID,
			Type:           t,
			Source:         planGrantSource,
			Total:          total,
			Window:         allowancedomain.AllowanceWindowMonthly,
			RolloverPolicy: policy,
			ExpiresAt:      &expires,
		}
	}

	var grants []*allowancedomain.Allowance
	if plan.BCMonthly > 0 {
		grants = append(grants, mint(allowancedomain.AllowanceTypeBC, plan.BCMonthly, allowancedomain.RolloverPolicyOneCycle))
	}
	if plan.RCMonthly > 0 {
		grants = append(grants, mint(allowancedomain.AllowanceTypeRC, plan.RCMonthly, allowancedomain.RolloverPolicyOneCycle))
	}
	if bonus := int64(float64(plan.RCMonthly) * plan.UsageBonusRate); bonus > 0 {
		grants = append(grants, mint(allowancedomain.AllowanceTypeUsage, bonus, allowancedomain.RolloverPolicyNone))
	}
	return grants
}

func (s *Service) RollPeriod(ctx context.Context, subscriptionID snowflake.ID, now time.Time) (*subscriptiondomain.RollPeriodResult, error) {
	now = now.UTC()
	var result subscriptiondomain.RollPeriodResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub subscriptiondomain.UserSubscription
		if err := db.LockForUpdate(tx).Where("id = ?", subscriptionID).First(&sub).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}
		if !sub.Live() {
			return subscriptiondomain.ErrSubscriptionInactive
		}
		if !sub.PeriodElapsed(now) {
			result.Subscription = &sub
			result.Rolled = false
			return nil
		}

		length := time.Duration(s.billingCfg.Get().RolloverCycleDays) * 24 * time.Hour
		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.Add(length)
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		result.Subscription = &sub
		result.Rolled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Rolled {
		return &result, nil
	}

	// Window rollovers run outside the period transaction; RollWindow is
	// idempotent so a crash between the two steps heals on the next pass.
	var grants []*allowancedomain.Allowance
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ? AND source = ?", result.Subscription.UserID, result.Subscription.PlanID, planGrantSource).
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	for _, grant := range grants {
		roll, err := s.allowances.RollWindow(ctx, grant.ID, now)
		if err != nil {
			if err == allowancedomain.ErrWindowNotElapsed {
				continue
			}
			return nil, err
		}
		if roll.Rolled {
			result.RolledAllowanceIDs = append(result.RolledAllowanceIDs, grant.ID)
		}
	}

	s.log.Info("billing period rolled",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int("allowances_rolled", len(result.RolledAllowanceIDs)),
	)
	return &result, nil
}

func (s *Service) ResolveTrial(ctx context.Context, subscriptionID snowflake.ID, now time.Time) (*subscriptiondomain.UserSubscription, error) {
	now = now.UTC()
	var sub subscriptiondomain.UserSubscription

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.LockForUpdate(tx).Where("id = ?", subscriptionID).First(&sub).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}
		if sub.Status != subscriptiondomain.StatusTrialing {
			return subscriptiondomain.ErrNotTrialing
		}
		if sub.InTrial(now) {
			return nil
		}
		sub.Status = subscriptiondomain.StatusActive
		return tx.Save(&sub).Error
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Service) Cancel(ctx context.Context, subscriptionID snowflake.ID, now time.Time) error {
	now = now.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub subscriptiondomain.UserSubscription
		if err := db.LockForUpdate(tx).Where("id = ?", subscriptionID).First(&sub).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}
		if sub.Status == subscriptiondomain.StatusCanceled {
			return nil
		}
		sub.Status = subscriptiondomain.StatusCanceled
		sub.CanceledAt = &now
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		// Plan allowances die with the subscription.
		return tx.Model(&allowancedomain.Allowance{}).
			Where("user_id = ? AND plan_id = ? AND source = ?", sub.UserID, sub.PlanID, planGrantSource).
			Update("expires_at", now).Error
	})
}

func (s *Service) MarkPastDue(ctx context.Context, subscriptionID snowflake.ID) error {
	result := s.db.WithContext(ctx).
		Model(&subscriptiondomain.UserSubscription{}).
		Where("id = ? AND status IN ?", subscriptionID, []subscriptiondomain.SubscriptionStatus{
			subscriptiondomain.StatusActive,
			subscriptiondomain.StatusTrialing,
		}).
		Update("status", subscriptiondomain.StatusPastDue)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Service) SetPayg(ctx context.Context, subscriptionID snowflake.ID, enabled bool) error {
	result := s.db.WithContext(ctx).
		Model(&subscriptiondomain.UserSubscription{}).
		Where("id = ?", subscriptionID).
		Update("payg_enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Service) GetByID(ctx context.Context, subscriptionID snowflake.ID) (*subscriptiondomain.UserSubscription, error) {
	var sub subscriptiondomain.UserSubscription
	err := s.db.WithContext(ctx).Where("id = ?", subscriptionID).First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) GetPrimary(ctx context.Context, userID string) (*subscriptiondomain.UserSubscription, error) {
	var sub subscriptiondomain.UserSubscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_primary = ? AND status IN ?", userID, true, []subscriptiondomain.SubscriptionStatus{
			subscriptiondomain.StatusActive,
			subscriptiondomain.StatusTrialing,
		}).
		First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) ListDuePeriods(ctx context.Context, now time.Time, limit int) ([]*subscriptiondomain.UserSubscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subs []*subscriptiondomain.UserSubscription
	err := s.db.WithContext(ctx).
		Where("status IN ? AND current_period_end <= ?", []subscriptiondomain.SubscriptionStatus{
			subscriptiondomain.StatusActive,
			subscriptiondomain.StatusTrialing,
		}, now.UTC()).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}
