package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
	"github.com/vibeany/billingcore/internal/config"
	"github.com/vibeany/billingcore/pkg/db"
	"github.com/vibeany/billingcore/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	BillingCfg *config.BillingConfigHolder
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	billingCfg *config.BillingConfigHolder
}

func NewService(p ServiceParam) allowancedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("allowance.service"),

		genID:      p.GenID,
		billingCfg: p.BillingCfg,
	}
}

func (s *Service) CreateAllowance(ctx context.Context, req allowancedomain.CreateAllowanceRequest) (*allowancedomain.Allowance, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, allowancedomain.ErrInvalidUser
	}
	if req.Total <= 0 {
		return nil, allowancedomain.ErrInvalidTotal
	}

	window := req.Window
	if window == "" {
		window = allowancedomain.AllowanceWindowMonthly
	}
	policy := req.RolloverPolicy
	if policy == "" {
		policy = allowancedomain.RolloverPolicyNone
	}

	record := &allowancedomain.Allowance{
		ID:             s.genID.Generate(),
		UserID:         userID,
		PlanID:         req.PlanID,
		Type:           req.Type,
		Source:         strings.TrimSpace(req.Source),
		Total:          req.Total,
		Used:           0,
		Window:         window,
		RolloverPolicy: policy,
		ExpiresAt:      req.ExpiresAt,
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, allowancedomain.ErrDuplicateAllowance
		}
		return nil, err
	}
	return record, nil
}

func (s *Service) RollWindow(ctx context.Context, allowanceID snowflake.ID, now time.Time) (*allowancedomain.RollResult, error) {
	now = now.UTC()
	var result allowancedomain.RollResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record allowancedomain.Allowance
		if err := db.LockForUpdate(tx).Where("id = ?", allowanceID).First(&record).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return allowancedomain.ErrAllowanceNotFound
			}
			return err
		}
		if record.ExpiresAt == nil {
			return allowancedomain.ErrInvalidWindow
		}

		windowEnd := record.ExpiresAt.UTC()
		if now.Before(windowEnd) {
			// Duplicate call for a window that was already rolled.
			if record.LastRolledAt != nil {
				result.Allowance = &record
				result.Rolled = false
				return nil
			}
			return allowancedomain.ErrWindowNotElapsed
		}
		if record.LastRolledAt != nil && !record.LastRolledAt.Before(windowEnd) {
			result.Allowance = &record
			result.Rolled = false
			return nil
		}

		leftover := record.Remaining()
		if leftover > 0 && record.RolloverPolicy != allowancedomain.RolloverPolicyNone {
			bucket := &allowancedomain.RolloverBucket{
				ID:          s.genID.Generate(),
				UserID:      record.UserID,
				AllowanceID: record.ID,
				Remain:      leftover,
				ExpiresAt:   s.bucketExpiry(windowEnd, record.RolloverPolicy),
			}
			if err := tx.Create(bucket).Error; err != nil {
				return err
			}
			result.Bucket = bucket
		}

		nextEnd := windowEnd.Add(s.windowLength(record.Window))
		record.Used = 0
		record.LastRolledAt = &windowEnd
		record.ExpiresAt = &nextEnd
		if err := tx.Save(&record).Error; err != nil {
			return err
		}

		result.Allowance = &record
		result.Rolled = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Rolled {
		s.log.Info("allowance window rolled",
			zap.String("allowance_id", result.Allowance.ID.String()),
			zap.String("type", string(result.Allowance.Type)),
			zap.Int64("rolled_over", bucketRemain(result.Bucket)),
		)
	}
	return &result, nil
}

func (s *Service) Expire(ctx context.Context, allowanceID snowflake.ID, now time.Time) error {
	now = now.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record allowancedomain.Allowance
		if err := db.LockForUpdate(tx).Where("id = ?", allowanceID).First(&record).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return allowancedomain.ErrAllowanceNotFound
			}
			return err
		}
		if record.Expired(now) {
			return nil
		}
		record.ExpiresAt = &now
		return tx.Save(&record).Error
	})
}

func (s *Service) Revoke(ctx context.Context, allowanceID snowflake.ID, reason string, now time.Time) error {
	now = now.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record allowancedomain.Allowance
		if err := db.LockForUpdate(tx).Where("id = ?", allowanceID).First(&record).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return allowancedomain.ErrAllowanceNotFound
			}
			return err
		}
		record.ExpiresAt = &now
		if reason != "" {
			if record.Metadata == nil {
				record.Metadata = datatypes.JSONMap{}
			}
			record.Metadata["revoke_reason"] = reason
			record.Metadata["revoked_at"] = now.Format(time.RFC3339)
		}
		return tx.Save(&record).Error
	})
}

func (s *Service) GrantDailyAutofix(ctx context.Context, userID string, day time.Time) (*allowancedomain.Allowance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, allowancedomain.ErrInvalidUser
	}
	cfg := s.billingCfg.Get()
	if cfg.FreeDailyBC <= 0 {
		return nil, nil
	}

	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	expiresAt := start.Add(24 * time.Hour)
	source := "autofix_daily_bc::" + start.Format("2006-01-02")

	repo := repository.ProvideStore[allowancedomain.Allowance](s.db)
	existing, err := repo.FindOne(ctx, &allowancedomain.Allowance{
		UserID: userID,
		Type:   allowancedomain.AllowanceTypeBC,
		Source: source,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Total = cfg.FreeDailyBC
		if existing.Used > existing.Total {
			existing.Used = existing.Total
		}
		existing.ExpiresAt = &expiresAt
		if err := repo.Save(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	return s.CreateAllowance(ctx, allowancedomain.CreateAllowanceRequest{
		UserID:         userID,
		Type:           allowancedomain.AllowanceTypeBC,
		Total:          cfg.FreeDailyBC,
		Window:         allowancedomain.AllowanceWindowDaily,
		RolloverPolicy: allowancedomain.RolloverPolicyNone,
		ExpiresAt:      &expiresAt,
		Source:         source,
		Metadata: map[string]any{
			"source": "auto_fix_daily",
			"date":   start.Format("2006-01-02"),
		},
	})
}

func (s *Service) ConsumeAutofix(ctx context.Context, userID string, day time.Time) (*allowancedomain.DailyAutofix, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, allowancedomain.ErrInvalidUser
	}
	limit := s.billingCfg.Get().AutoFixDailyLimit
	dateKey := day.UTC().Format("2006-01-02")

	// Joins the caller's transaction when one rides the context, so a burn
	// taken during a consume rolls back with the rest of the debit.
	var record allowancedomain.DailyAutofix
	err := db.FromContext(ctx, s.db).WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.LockForUpdate(tx).
			Where("user_id = ? AND date_key = ?", userID, dateKey).
			First(&record).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		if err == gorm.ErrRecordNotFound {
			record = allowancedomain.DailyAutofix{
				ID:      s.genID.Generate(),
				UserID:  userID,
				DateKey: dateKey,
				Limit:   limit,
			}
		}
		if record.Consumed >= record.Limit {
			return allowancedomain.ErrAutofixLimitReached
		}
		record.Consumed++
		return tx.Save(&record).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) CleanupAutofixCounters(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC().Format("2006-01-02")
	result := s.db.WithContext(ctx).
		Where("date_key < ?", cutoff).
		Delete(&allowancedomain.DailyAutofix{})
	return result.RowsAffected, result.Error
}

func (s *Service) windowLength(window allowancedomain.AllowanceWindow) time.Duration {
	switch window {
	case allowancedomain.AllowanceWindowDaily:
		return 24 * time.Hour
	case allowancedomain.AllowanceWindowYearly:
		return 365 * 24 * time.Hour
	default:
		return time.Duration(s.billingCfg.Get().RolloverCycleDays) * 24 * time.Hour
	}
}

func (s *Service) bucketExpiry(windowEnd time.Time, policy allowancedomain.RolloverPolicy) *time.Time {
	var expiry time.Time
	switch policy {
	case allowancedomain.RolloverPolicyOneCycle:
		expiry = windowEnd.Add(time.Duration(s.billingCfg.Get().RolloverCycleDays) * 24 * time.Hour)
	case allowancedomain.RolloverPolicyAnnual:
		expiry = windowEnd.Add(365 * 24 * time.Hour)
	default:
		return nil
	}
	return &expiry
}

func bucketRemain(bucket *allowancedomain.RolloverBucket) int64 {
	if bucket == nil {
		return 0
	}
	return bucket.Remain
}
