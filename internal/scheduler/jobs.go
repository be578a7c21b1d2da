package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
	budgetdomain "github.com/vibeany/billingcore/internal/budgetguard/domain"
	subscriptiondomain "github.com/vibeany/billingcore/internal/subscription/domain"
)

// rollDuePeriods closes every subscription period whose boundary has passed.
// Rolling a period also rolls the plan allowance windows and resets the
// owner's budget guard windows.
func (s *Scheduler) rollDuePeriods(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var (
		processed int
		jobErr    error
	)

	for {
		if ctx.Err() != nil {
			return processed, errors.Join(jobErr, ctx.Err())
		}

		due, err := s.subscriptions.ListDuePeriods(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return processed, errors.Join(jobErr, err)
		}
		if len(due) == 0 {
			break
		}

		rolledThisPass := 0
		for _, sub := range due {
			res, err := s.subscriptions.RollPeriod(ctx, sub.ID, now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("period roll failed",
					zap.String("subscription_id", sub.ID.String()),
					zap.String("user_id", sub.UserID),
					zap.Error(err),
				)
				continue
			}
			if !res.Rolled {
				continue
			}
			rolledThisPass++
			processed++
			if err := s.resetGuardWindows(ctx, sub.UserID, now); err != nil {
				jobErr = errors.Join(jobErr, err)
			}
		}
		// No progress means the remaining due rows keep failing; stop and
		// let the next pass retry them.
		if rolledThisPass == 0 {
			break
		}
	}

	return processed, jobErr
}

func (s *Scheduler) resetGuardWindows(ctx context.Context, userID string, now time.Time) error {
	var guards []*budgetdomain.BudgetGuard
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&guards).Error; err != nil {
		return err
	}

	var err error
	for _, g := range guards {
		err = errors.Join(err, s.guards.ResetWindow(ctx, g.UserID, g.WorkspaceID, now))
	}
	return err
}

// resolveElapsedTrials promotes trialing subscriptions whose trial window
// has ended.
func (s *Scheduler) resolveElapsedTrials(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var trialing []*subscriptiondomain.UserSubscription
	if err := s.db.WithContext(ctx).
		Where("status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?", subscriptiondomain.StatusTrialing, now).
		Limit(s.cfg.BatchSize).
		Find(&trialing).Error; err != nil {
		return 0, err
	}

	var (
		processed int
		jobErr    error
	)
	for _, sub := range trialing {
		if _, err := s.subscriptions.ResolveTrial(ctx, sub.ID, now); err != nil {
			// A concurrent runner may have promoted it already.
			if errors.Is(err, subscriptiondomain.ErrNotTrialing) {
				continue
			}
			jobErr = errors.Join(jobErr, err)
			continue
		}
		processed++
	}
	return processed, jobErr
}

// grantDailyAutofix mints today's auto-fix credit for every live free-tier
// subscriber. The grant is keyed per day, so reruns are no-ops.
func (s *Scheduler) grantDailyAutofix(ctx context.Context) (int, error) {
	now := s.clock.Now()
	plans, err := s.plans.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		processed int
		jobErr    error
	)
	for i := range plans {
		plan := &plans[i]
		if !plan.IsFree() {
			continue
		}

		var userIDs []string
		if err := s.db.WithContext(ctx).
			Model(&subscriptiondomain.UserSubscription{}).
			Distinct().
			Where("plan_id = ? AND status IN ?", plan.ID, []subscriptiondomain.SubscriptionStatus{
				subscriptiondomain.StatusActive,
				subscriptiondomain.StatusTrialing,
			}).
			Pluck("user_id", &userIDs).Error; err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		for _, userID := range userIDs {
			if _, err := s.allowances.GrantDailyAutofix(ctx, userID, now); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			processed++
		}
	}
	return processed, jobErr
}

// purgeRolloverBuckets drops buckets that can never pay for anything again:
// fully drained ones immediately, expired ones after the retention window.
func (s *Scheduler) purgeRolloverBuckets(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.PurgeRetentionDays)
	res := s.db.WithContext(ctx).
		Where("remain <= 0 OR (expires_at IS NOT NULL AND expires_at <= ?)", cutoff).
		Delete(&allowancedomain.RolloverBucket{})
	return int(res.RowsAffected), res.Error
}

func (s *Scheduler) cleanupAutofixCounters(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.PurgeRetentionDays)
	removed, err := s.allowances.CleanupAutofixCounters(ctx, cutoff)
	return int(removed), err
}
