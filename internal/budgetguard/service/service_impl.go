package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	budgetdomain "github.com/vibeany/billingcore/internal/budgetguard/domain"
	"github.com/vibeany/billingcore/internal/config"
	"github.com/vibeany/billingcore/internal/observability/metrics"
	"github.com/vibeany/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	BillingCfg *config.BillingConfigHolder
	Metrics    *metrics.Metrics
	Notify     budgetdomain.NotifyFunc `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	billingCfg *config.BillingConfigHolder
	metrics    *metrics.Metrics
	notify     budgetdomain.NotifyFunc
}

func NewService(p ServiceParam) budgetdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("budgetguard.service"),

		genID:      p.GenID,
		billingCfg: p.BillingCfg,
		metrics:    p.Metrics,
		notify:     p.Notify,
	}
}

func (s *Service) EnsureGuard(ctx context.Context, userID, workspaceID, planName string, now time.Time) (*budgetdomain.BudgetGuard, error) {
	userID = strings.TrimSpace(userID)
	workspaceID = strings.TrimSpace(workspaceID)
	if userID == "" || workspaceID == "" {
		return nil, budgetdomain.ErrGuardNotFound
	}

	existing, err := s.find(ctx, userID, workspaceID)
	if err != nil && err != budgetdomain.ErrGuardNotFound {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	capUSD := decimal.Zero
	if v, ok := s.billingCfg.Get().DefaultGuardCaps[strings.ToLower(planName)]; ok {
		capUSD = decimal.NewFromFloat(v)
	}

	guard := &budgetdomain.BudgetGuard{
		ID:            s.genID.Generate(),
		UserID:        userID,
		WorkspaceID:   workspaceID,
		MonthlyCapUSD: capUSD,
		WindowSpend:   decimal.Zero,
		Behavior:      budgetdomain.BehaviorSuspend,
		WindowStart:   now.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(guard).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.find(ctx, userID, workspaceID)
		}
		return nil, err
	}
	return guard, nil
}

func (s *Service) CheckSpend(ctx context.Context, userID, workspaceID string, projected decimal.Decimal) (*budgetdomain.Verdict, error) {
	guard, err := s.find(ctx, userID, workspaceID)
	if err != nil {
		if err == budgetdomain.ErrGuardNotFound {
			// No guard configured means nothing to enforce.
			return &budgetdomain.Verdict{Allowed: true}, nil
		}
		return nil, err
	}

	if !guard.WouldExceed(projected) {
		return &budgetdomain.Verdict{Allowed: true, Guard: guard}, nil
	}

	s.metrics.RecordGuardTrip(ctx, string(guard.Behavior))
	switch guard.Behavior {
	case budgetdomain.BehaviorThrottle:
		if s.notify != nil {
			s.notify(ctx, guard, projected)
		}
		s.log.Warn("budget cap crossed, throttling",
			zap.String("user_id", userID),
			zap.String("workspace_id", workspaceID),
			zap.String("projected", projected.String()),
		)
		return &budgetdomain.Verdict{Allowed: true, Throttled: true, Guard: guard}, nil
	default:
		s.log.Warn("budget cap crossed, suspending spend",
			zap.String("user_id", userID),
			zap.String("workspace_id", workspaceID),
			zap.String("cap", guard.MonthlyCapUSD.String()),
			zap.String("window_spend", guard.WindowSpend.String()),
		)
		return &budgetdomain.Verdict{Allowed: false, Guard: guard}, budgetdomain.ErrBudgetExceeded
	}
}

func (s *Service) RecordSpend(ctx context.Context, userID, workspaceID string, delta decimal.Decimal, now time.Time) (*budgetdomain.BudgetGuard, error) {
	var guard budgetdomain.BudgetGuard
	err := db.FromContext(ctx, s.db).WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.LockForUpdate(tx).
			Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
			First(&guard).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return budgetdomain.ErrGuardNotFound
			}
			return err
		}
		guard.WindowSpend = guard.WindowSpend.Add(delta)
		if !guard.Unlimited() && guard.WindowSpend.GreaterThanOrEqual(guard.MonthlyCapUSD) && guard.TrippedAt == nil {
			trippedAt := now.UTC()
			guard.TrippedAt = &trippedAt
		}
		return tx.Save(&guard).Error
	})
	if err != nil {
		return nil, err
	}
	return &guard, nil
}

func (s *Service) ResetWindow(ctx context.Context, userID, workspaceID string, now time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&budgetdomain.BudgetGuard{}).
		Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
		Updates(map[string]any{
			"window_spend": decimal.Zero,
			"window_start": now.UTC(),
			"tripped_at":   nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return budgetdomain.ErrGuardNotFound
	}
	return nil
}

func (s *Service) SetCap(ctx context.Context, userID, workspaceID string, capUSD decimal.Decimal, behavior budgetdomain.GuardBehavior) error {
	if capUSD.IsNegative() {
		return budgetdomain.ErrInvalidCap
	}
	switch behavior {
	case budgetdomain.BehaviorSuspend, budgetdomain.BehaviorThrottle:
	default:
		return budgetdomain.ErrInvalidCap
	}

	result := s.db.WithContext(ctx).
		Model(&budgetdomain.BudgetGuard{}).
		Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
		Updates(map[string]any{
			"monthly_cap_usd": capUSD,
			"behavior":        behavior,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return budgetdomain.ErrGuardNotFound
	}
	return nil
}

func (s *Service) Get(ctx context.Context, userID, workspaceID string) (*budgetdomain.BudgetGuard, error) {
	return s.find(ctx, userID, workspaceID)
}

func (s *Service) find(ctx context.Context, userID, workspaceID string) (*budgetdomain.BudgetGuard, error) {
	var guard budgetdomain.BudgetGuard
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
		First(&guard).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, budgetdomain.ErrGuardNotFound
		}
		return nil, err
	}
	return &guard, nil
}
