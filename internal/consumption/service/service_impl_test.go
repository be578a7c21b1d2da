package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
	allowanceservice "github.com/vibeany/billingcore/internal/allowance/service"
	eventdomain "github.com/vibeany/billingcore/internal/billingevent/domain"
	budgetdomain "github.com/vibeany/billingcore/internal/budgetguard/domain"
	budgetservice "github.com/vibeany/billingcore/internal/budgetguard/service"
	"github.com/vibeany/billingcore/internal/clock"
	"github.com/vibeany/billingcore/internal/config"
	consumptiondomain "github.com/vibeany/billingcore/internal/consumption/domain"
	costmodeldomain "github.com/vibeany/billingcore/internal/costmodel/domain"
	costmodelservice "github.com/vibeany/billingcore/internal/costmodel/service"
	"github.com/vibeany/billingcore/internal/observability/metrics"
	overagedomain "github.com/vibeany/billingcore/internal/overage/domain"
	overageservice "github.com/vibeany/billingcore/internal/overage/service"
	plandomain "github.com/vibeany/billingcore/internal/plan/domain"
	planservice "github.com/vibeany/billingcore/internal/plan/service"
	"github.com/vibeany/billingcore/internal/ratelimit"
	subscriptiondomain "github.com/vibeany/billingcore/internal/subscription/domain"
	subscriptionservice "github.com/vibeany/billingcore/internal/subscription/service"
	"github.com/vibeany/billingcore/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	db         *gorm.DB
	node       *snowflake.Node
	holder     *config.BillingConfigHolder
	clock      *clock.FakeClock
	plans      plandomain.Service
	allowances allowancedomain.Service
	subs       subscriptiondomain.Service
	costs      costmodeldomain.Service
	guards     budgetdomain.Service
	overage    overagedomain.Service
	engine     consumptiondomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.UserSubscription{},
		&allowancedomain.Allowance{},
		&allowancedomain.RolloverBucket{},
		&allowancedomain.DailyAutofix{},
		&costmodeldomain.CostModel{},
		&budgetdomain.BudgetGuard{},
		&overagedomain.UsageMeterReading{},
		&overagedomain.UsageSummary{},
		&overagedomain.OverageCharge{},
		&consumptiondomain.ConsumptionEvent{},
		&eventdomain.BillingEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	fake := clock.NewFakeClock(epoch)
	nop := metrics.NewNop()

	plans := planservice.NewService(planservice.ServiceParam{
		DB: dbConn, Log: zap.NewNop(), GenID: node,
	})
	allowances := allowanceservice.NewService(allowanceservice.ServiceParam{
		DB: dbConn, Log: zap.NewNop(), GenID: node, BillingCfg: holder,
	})
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB: dbConn, Log: zap.NewNop(), GenID: node, BillingCfg: holder,
		Plans: plans, Allowances: allowances,
	})
	costs := costmodelservice.NewService(costmodelservice.ServiceParam{
		DB: dbConn, Log: zap.NewNop(), GenID: node,
	})
	guards := budgetservice.NewService(budgetservice.ServiceParam{
		DB: dbConn, Log: zap.NewNop(), GenID: node, BillingCfg: holder, Metrics: nop,
	})
	over := overageservice.NewService(overageservice.ServiceParam{
		DB: dbConn, Log: zap.NewNop(), GenID: node, BillingCfg: holder, Metrics: nop,
	})
	engine := NewService(ServiceParam{
		DB: dbConn, Log: zap.NewNop(), GenID: node, Clock: fake,
		BillingCfg: holder, Metrics: nop,
		Costs: costs, Subscriptions: subs, Plans: plans, Allowances: allowances,
		Guards: guards, Overage: over,
	})

	ctx := context.Background()
	_, err = plans.EnsureDefaultPlans(ctx)
	require.NoError(t, err)
	_, err = costs.Upsert(ctx, &costmodeldomain.CostModel{
		Metric:   "code_generation",
		BaseRate: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	return &testEnv{
		db: dbConn, node: node, holder: holder, clock: fake,
		plans: plans, allowances: allowances, subs: subs, costs: costs,
		guards: guards, overage: over, engine: engine,
	}
}

// subscribe puts a user on a plan, past any trial, and returns the
// subscription.
func (e *testEnv) subscribe(t *testing.T, userID, planName string) *subscriptiondomain.UserSubscription {
	t.Helper()
	plan, err := e.plans.GetByName(context.Background(), planName)
	require.NoError(t, err)
	sub, err := e.subs.ActivatePlan(context.Background(), subscriptiondomain.ActivatePlanRequest{
		UserID: userID, PlanID: plan.ID, SkipTrial: true, Now: epoch,
	})
	require.NoError(t, err)
	return sub
}

func (e *testEnv) consume(userID, hash string, credits int64) (*consumptiondomain.ConsumeResult, error) {
	return e.engine.Consume(context.Background(), consumptiondomain.ConsumeRequest{
		UserID:      userID,
		WorkspaceID: "ws-1",
		ActionHash:  hash,
		Metric:      "code_generation",
		Quantity:    decimal.NewFromInt(credits),
		Type:        allowancedomain.AllowanceTypeBC,
	})
}

func TestConsumeDebitsPrimaryAllowance(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")

	res, err := env.consume("u-1", "act-1", 50)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, int64(350), res.RemainingBalance)

	balance, err := env.engine.Balance(context.Background(), "u-1", allowancedomain.AllowanceTypeBC)
	require.NoError(t, err)
	assert.Equal(t, int64(350), balance)
}

func TestConsumeIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")

	first, err := env.consume("u-1", "act-1", 50)
	require.NoError(t, err)

	replay, err := env.consume("u-1", "act-1", 50)
	require.NoError(t, err)
	assert.True(t, replay.Deduplicated)
	assert.Equal(t, first.Event.ID, replay.Event.ID)

	// The balance moved exactly once.
	balance, err := env.engine.Balance(context.Background(), "u-1", allowancedomain.AllowanceTypeBC)
	require.NoError(t, err)
	assert.Equal(t, int64(350), balance)
}

func TestConsumePrimaryBeforeBuckets(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")

	// Seed a rollover bucket that expires before the primary allowance.
	var primary allowancedomain.Allowance
	require.NoError(t, env.db.Where("user_id = ? AND type = ?", "u-1", allowancedomain.AllowanceTypeBC).First(&primary).Error)
	soon := epoch.Add(5 * 24 * time.Hour)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	bucket := &allowancedomain.RolloverBucket{
		ID: node.Generate(), UserID: "u-1", AllowanceID: primary.ID,
		Remain: 100, ExpiresAt: &soon,
	}
	require.NoError(t, env.db.Create(bucket).Error)

	res, err := env.consume("u-1", "act-1", 50)
	require.NoError(t, err)
	require.Len(t, res.Event.DebitedAllowances, 1)
	assert.Empty(t, res.Event.DebitedBuckets)

	// Bucket is untouched even though it expires sooner.
	var reloaded allowancedomain.RolloverBucket
	require.NoError(t, env.db.First(&reloaded, "id = ?", bucket.ID).Error)
	assert.Equal(t, int64(100), reloaded.Remain)

	// Draining past the primary spills into the bucket.
	res, err = env.consume("u-1", "act-2", 380)
	require.NoError(t, err)
	require.Len(t, res.Event.DebitedBuckets, 1)
	require.NoError(t, env.db.First(&reloaded, "id = ?", bucket.ID).Error)
	assert.Equal(t, int64(70), reloaded.Remain)
}

func TestConsumeInsufficientWithoutPaygFailsAtomically(t *testing.T) {
	env := newTestEnv(t)
	sub := env.subscribe(t, "u-1", "Pro")
	require.NoError(t, env.subs.SetPayg(context.Background(), sub.ID, false))

	_, err := env.consume("u-1", "act-1", 450)
	assert.ErrorIs(t, err, consumptiondomain.ErrInsufficientCredits)

	// Nothing was debited and no event recorded.
	balance, err := env.engine.Balance(context.Background(), "u-1", allowancedomain.AllowanceTypeBC)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)
	_, err = env.engine.GetEvent(context.Background(), "act-1")
	assert.ErrorIs(t, err, consumptiondomain.ErrEventNotFound)
}

func TestConsumeShortfallSpillsToPayg(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")
	ctx := context.Background()

	_, err := env.guards.EnsureGuard(ctx, "u-1", "ws-1", "Pro", epoch)
	require.NoError(t, err)

	// 450 against a 400-credit pool: 400 debited, 50 metered.
	res, err := env.consume("u-1", "act-1", 450)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int64(50), res.Event.MeteredOverage)
	assert.Equal(t, int64(0), res.RemainingBalance)

	balance, err := env.engine.Balance(ctx, "u-1", allowancedomain.AllowanceTypeBC)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	summary, err := env.overage.GetSummary(ctx, "ws-1", "code_generation", "2026-03")
	require.NoError(t, err)
	assert.True(t, summary.TotalValue.Equal(decimal.NewFromInt(50)))

	guard, err := env.guards.Get(ctx, "u-1", "ws-1")
	require.NoError(t, err)
	// 50 credits at the 0.05 USD unit price.
	assert.True(t, guard.WindowSpend.Equal(decimal.RequireFromString("2.5")))
}

func TestConsumeBudgetSuspendBlocksOverage(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")
	ctx := context.Background()

	_, err := env.guards.EnsureGuard(ctx, "u-1", "ws-1", "Pro", epoch)
	require.NoError(t, err)
	require.NoError(t, env.guards.SetCap(ctx, "u-1", "ws-1", decimal.NewFromInt(1), budgetdomain.BehaviorSuspend))

	_, err = env.consume("u-1", "act-1", 450)
	assert.ErrorIs(t, err, budgetdomain.ErrBudgetExceeded)

	balance, err := env.engine.Balance(ctx, "u-1", allowancedomain.AllowanceTypeBC)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)
}

func TestConsumeBudgetThrottleAllowsFlagged(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")
	ctx := context.Background()

	_, err := env.guards.EnsureGuard(ctx, "u-1", "ws-1", "Pro", epoch)
	require.NoError(t, err)
	require.NoError(t, env.guards.SetCap(ctx, "u-1", "ws-1", decimal.NewFromInt(1), budgetdomain.BehaviorThrottle))

	res, err := env.consume("u-1", "act-1", 450)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Throttled)
}

func TestConsumeUnknownMetricIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")

	_, err := env.engine.Consume(context.Background(), consumptiondomain.ConsumeRequest{
		UserID:      "u-1",
		WorkspaceID: "ws-1",
		ActionHash:  "act-1",
		Metric:      "ghost_metric",
		Quantity:    decimal.NewFromInt(1),
		Type:        allowancedomain.AllowanceTypeBC,
	})
	assert.ErrorIs(t, err, costmodeldomain.ErrUnknownMetric)
}

func TestConsumeRejectsBadRequest(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Consume(context.Background(), consumptiondomain.ConsumeRequest{
		UserID: "u-1", ActionHash: "", Metric: "code_generation",
		Type: allowancedomain.AllowanceTypeBC,
	})
	assert.ErrorIs(t, err, consumptiondomain.ErrInvalidAction)

	_, err = env.engine.Consume(context.Background(), consumptiondomain.ConsumeRequest{
		UserID: "u-1", ActionHash: "act-1", Metric: "code_generation",
		Type: allowancedomain.AllowanceType("XX"),
	})
	assert.ErrorIs(t, err, consumptiondomain.ErrInvalidAction)
}

func TestConsumeFreePlanAutofixFallback(t *testing.T) {
	env := newTestEnv(t)
	sub := env.subscribe(t, "u-1", "Free")
	ctx := context.Background()
	require.NoError(t, env.subs.SetPayg(ctx, sub.ID, false))

	// The free tier grants no monthly credits; the daily auto-fix quota
	// covers shortfalls up to its limit.
	limit := env.holder.Get().AutoFixDailyLimit
	for i := 0; i < limit; i++ {
		res, err := env.consume("u-1", fmt.Sprintf("fix-%d", i), 1)
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.True(t, res.AutofixApplied)
		assert.True(t, res.Event.AutofixApplied)
		assert.Equal(t, int64(0), res.Event.MeteredOverage)
	}

	var counter allowancedomain.DailyAutofix
	require.NoError(t, env.db.Where("user_id = ?", "u-1").First(&counter).Error)
	assert.Equal(t, limit, counter.Consumed)

	// Past the quota, with pay-as-you-go off, the call fails whole.
	_, err := env.consume("u-1", "fix-over", 1)
	assert.ErrorIs(t, err, consumptiondomain.ErrInsufficientCredits)
}

func TestConsumePaidPlanSkipsAutofix(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")
	ctx := context.Background()

	_, err := env.guards.EnsureGuard(ctx, "u-1", "ws-1", "Pro", epoch)
	require.NoError(t, err)

	res, err := env.consume("u-1", "act-1", 450)
	require.NoError(t, err)
	assert.False(t, res.AutofixApplied)
	assert.Equal(t, int64(50), res.Event.MeteredOverage)

	// The paid shortfall never touched the daily counter.
	var count int64
	require.NoError(t, env.db.Model(&allowancedomain.DailyAutofix{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestConsumeOverageWriteFailureRollsBackDebit(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")
	ctx := context.Background()

	_, err := env.guards.EnsureGuard(ctx, "u-1", "ws-1", "Pro", epoch)
	require.NoError(t, err)

	// Break the metered-usage table so the spill cannot be recorded.
	require.NoError(t, env.db.Migrator().DropTable(&overagedomain.UsageMeterReading{}))

	_, err = env.consume("u-1", "act-1", 450)
	require.Error(t, err)

	// The debit rolled back with the failed overage write.
	balance, err := env.engine.Balance(ctx, "u-1", allowancedomain.AllowanceTypeBC)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)
	_, err = env.engine.GetEvent(ctx, "act-1")
	assert.ErrorIs(t, err, consumptiondomain.ErrEventNotFound)

	guard, err := env.guards.Get(ctx, "u-1", "ws-1")
	require.NoError(t, err)
	assert.True(t, guard.WindowSpend.IsZero())
}

func TestConsumeReplayBypassesRateLimiter(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "u-1", "Pro")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewConsumeLimiter(config.Config{
		RateLimitEnabled:  true,
		ConsumeRatePerSec: 0.001,
		ConsumeBurst:      1,
	}, client)
	require.NotNil(t, limiter)

	engine := NewService(ServiceParam{
		DB: env.db, Log: zap.NewNop(), GenID: env.node, Clock: env.clock,
		BillingCfg: env.holder, Metrics: metrics.NewNop(),
		Costs: env.costs, Subscriptions: env.subs, Plans: env.plans,
		Allowances: env.allowances, Guards: env.guards, Overage: env.overage,
		Limiter: limiter,
	})

	req := consumptiondomain.ConsumeRequest{
		UserID: "u-1", WorkspaceID: "ws-1", ActionHash: "act-1",
		Metric: "code_generation", Quantity: decimal.NewFromInt(10),
		Type: allowancedomain.AllowanceTypeBC,
	}
	first, err := engine.Consume(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// The burst token is spent; a fresh action is throttled.
	fresh := req
	fresh.ActionHash = "act-2"
	_, err = engine.Consume(context.Background(), fresh)
	assert.ErrorIs(t, err, consumptiondomain.ErrRateLimited)

	// Retrying the committed action still surfaces its record.
	replay, err := engine.Consume(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, replay.Deduplicated)
	assert.Equal(t, first.Event.ID, replay.Event.ID)
}

func TestConsumeSkipsExpiredAllowances(t *testing.T) {
	env := newTestEnv(t)
	sub := env.subscribe(t, "u-1", "Pro")
	ctx := context.Background()
	require.NoError(t, env.subs.SetPayg(ctx, sub.ID, false))

	// Move past the period end without rolling; the grant is expired.
	env.clock.Advance(31 * 24 * time.Hour)

	_, err := env.consume("u-1", "act-1", 10)
	assert.ErrorIs(t, err, consumptiondomain.ErrInsufficientCredits)

	balance, err := env.engine.Balance(ctx, "u-1", allowancedomain.AllowanceTypeBC)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}
