// Package scheduler runs the periodic maintenance that keeps billing state
// honest: closing elapsed subscription periods, resolving finished trials,
// minting the free tier's daily grants and purging records that aged out.
// Every job is idempotent, so overlapping or repeated runs converge to the
// same state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
	budgetdomain "github.com/vibeany/billingcore/internal/budgetguard/domain"
	"github.com/vibeany/billingcore/internal/clock"
	"github.com/vibeany/billingcore/internal/observability/metrics"
	plandomain "github.com/vibeany/billingcore/internal/plan/domain"
	"github.com/vibeany/billingcore/internal/ratelimit"
	subscriptiondomain "github.com/vibeany/billingcore/internal/subscription/domain"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Plans         plandomain.Service
	Subscriptions subscriptiondomain.Service
	Allowances    allowancedomain.Service
	Guards        budgetdomain.Service

	Locker *ratelimit.Locker `optional:"true"`
	Config Config            `optional:"true"`
}

type Scheduler struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics

	plans         plandomain.Service
	subscriptions subscriptiondomain.Service
	allowances    allowancedomain.Service
	guards        budgetdomain.Service
	locker        *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.Plans == nil || p.Subscriptions == nil || p.Allowances == nil || p.Guards == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           cfg,
		genID:         p.GenID,
		clock:         p.Clock,
		metrics:       p.Metrics,
		plans:         p.Plans,
		subscriptions: p.Subscriptions,
		allowances:    p.Allowances,
		guards:        p.Guards,
		locker:        p.Locker,
	}, nil
}

// runJob wraps a maintenance job with a deadline, run logging and metrics.
// A deadline hit is a soft failure: the job is idempotent and the next run
// picks up where this one stopped.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	runID := s.genID.Generate().String()
	log := s.log.With(
		zap.String("job", name),
		zap.String("run_id", runID),
	)
	log.Info("maintenance job start")

	processed, err := fn(ctx)
	elapsed := time.Since(start.UTC())
	s.metrics.RecordMaintenanceRun(ctx, name, err)
	s.metrics.ObserveMaintenanceDuration(ctx, name, elapsed)

	fields := []zap.Field{
		zap.Int("processed_count", processed),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if err == nil {
		log.Info("maintenance job finish", fields...)
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("maintenance job timed out", append(fields, zap.Error(err))...)
		return nil
	}
	log.Warn("maintenance job finish", append(fields, zap.Error(err))...)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one maintenance pass. When a redis locker is configured
// it serializes passes across instances; without one every instance runs,
// which is safe but wasteful.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(parent, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			// Fail open: the jobs tolerate concurrent runners.
			s.log.Warn("maintenance lock unavailable", zap.Error(err))
		} else if !ok {
			s.log.Debug("maintenance lock held elsewhere, skipping pass")
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(parent, s.cfg.LockKey, token); err != nil {
					s.log.Warn("maintenance lock release failed", zap.Error(err))
				}
			}()
		}
	}

	jobs := []struct {
		Name string
		Run  func(context.Context) (int, error)
	}{
		{"roll_periods", s.rollDuePeriods},
		{"resolve_trials", s.resolveElapsedTrials},
		{"grant_daily_autofix", s.grantDailyAutofix},
		{"purge_rollover_buckets", s.purgeRolloverBuckets},
		{"cleanup_autofix_counters", s.cleanupAutofixCounters},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("maintenance pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
