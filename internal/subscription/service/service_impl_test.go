package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	allowancedomain "github.com/vibeany/billingcore/internal/allowance/domain"
	allowanceservice "github.com/vibeany/billingcore/internal/allowance/service"
	"github.com/vibeany/billingcore/internal/config"
	plandomain "github.com/vibeany/billingcore/internal/plan/domain"
	planservice "github.com/vibeany/billingcore/internal/plan/service"
	subscriptiondomain "github.com/vibeany/billingcore/internal/subscription/domain"
	"github.com/vibeany/billingcore/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db    *gorm.DB
	plans plandomain.Service
	subs  subscriptiondomain.Service
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
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	plans := planservice.NewService(planservice.ServiceParam{
		DB:    dbConn,
		Log:   zap.NewNop(),
		GenID: node,
	})
	allowances := allowanceservice.NewService(allowanceservice.ServiceParam{
		DB:         dbConn,
		Log:        zap.NewNop(),
		GenID:      node,
		BillingCfg: holder,
	})
	subs := NewService(ServiceParam{
		DB:         dbConn,
		Log:        zap.NewNop(),
		GenID:      node,
		BillingCfg: holder,
		Plans:      plans,
		Allowances: allowances,
	})

	_, err = plans.EnsureDefaultPlans(context.Background())
	require.NoError(t, err)

	return &testEnv{db: dbConn, plans: plans, subs: subs}
}

func (e *testEnv) plan(t *testing.T, name string) *plandomain.Plan {
	t.Helper()
	plan, err := e.plans.GetByName(context.Background(), name)
	require.NoError(t, err)
	return plan
}

func TestActivatePlanGrantsAllowances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	pro := env.plan(t, "Pro")
	sub, err := env.subs.ActivatePlan(ctx, subscriptiondomain.ActivatePlanRequest{
		UserID: "u-1",
		PlanID: pro.ID,
		Now:    now,
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEndsAt)
	assert.Equal(t, now.Add(24*time.Hour), sub.TrialEndsAt.UTC())
	assert.Equal(t, now.Add(30*24*time.Hour), sub.CurrentPeriodEnd.UTC())

	var grants []*allowancedomain.Allowance
	require.NoError(t, env.db.Where("user_id = ?", "u-1").Order("type ASC").Find(&grants).Error)
	require.Len(t, grants, 3)

	byType := map[allowancedomain.AllowanceType]*allowancedomain.Allowance{}
	for _, g := range grants {
		byType[g.Type] = g
	}
	assert.Equal(t, int64(400), byType[allowancedomain.AllowanceTypeBC].Total)
	assert.Equal(t, allowancedomain.RolloverPolicyOneCycle, byType[allowancedomain.AllowanceTypeBC].RolloverPolicy)
	assert.Equal(t, int64(6000), byType[allowancedomain.AllowanceTypeRC].Total)
	// Usage bonus pool is 20% of the RC quota and never rolls over.
	assert.Equal(t, int64(1200), byType[allowancedomain.AllowanceTypeUsage].Total)
	assert.Equal(t, allowancedomain.RolloverPolicyNone, byType[allowancedomain.AllowanceTypeUsage].RolloverPolicy)
}

func TestActivatePlanFreeHasNoGrants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	free := env.plan(t, "Free")
	sub, err := env.subs.ActivatePlan(ctx, subscriptiondomain.ActivatePlanRequest{
		UserID:    "u-free",
		PlanID:    free.ID,
		SkipTrial: true,
		Now:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	var count int64
	require.NoError(t, env.db.Model(&allowancedomain.Allowance{}).Where("user_id = ?", "u-free").Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestActivatePlanDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	pro := env.plan(t, "Pro")
	req := subscriptiondomain.ActivatePlanRequest{UserID: "u-1", PlanID: pro.ID, Now: now}
	_, err := env.subs.ActivatePlan(ctx, req)
	require.NoError(t, err)

	_, err = env.subs.ActivatePlan(ctx, req)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionExists)
}

func TestRollPeriodAdvancesAndRollsAllowances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	pro := env.plan(t, "Pro")
	sub, err := env.subs.ActivatePlan(ctx, subscriptiondomain.ActivatePlanRequest{
		UserID:    "u-1",
		PlanID:    pro.ID,
		SkipTrial: true,
		Now:       start,
	})
	require.NoError(t, err)

	// Draw down some BC so the rollover leaves a remainder.
	require.NoError(t, env.db.Model(&allowancedomain.Allowance{}).
		Where("user_id = ? AND type = ?", "u-1", allowancedomain.AllowanceTypeBC).
		Update("used", 350).Error)

	boundary := sub.CurrentPeriodEnd
	res, err := env.subs.RollPeriod(ctx, sub.ID, boundary.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Rolled)
	assert.Len(t, res.RolledAllowanceIDs, 3)
	assert.True(t, res.Subscription.CurrentPeriodStart.Equal(boundary))
	assert.True(t, res.Subscription.CurrentPeriodEnd.Equal(boundary.Add(30*24*time.Hour)))

	// The drained BC pool leaves 50; the untouched RC grant carries its
	// full quota. The Usage bonus pool never rolls.
	var buckets []allowancedomain.RolloverBucket
	require.NoError(t, env.db.Where("user_id = ?", "u-1").Order("remain ASC").Find(&buckets).Error)
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(50), buckets[0].Remain)
	assert.Equal(t, int64(6000), buckets[1].Remain)

	// Replaying the boundary is a no-op.
	res2, err := env.subs.RollPeriod(ctx, sub.ID, boundary.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, res2.Rolled)

	var count int64
	require.NoError(t, env.db.Model(&allowancedomain.RolloverBucket{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestResolveTrial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	pro := env.plan(t, "Pro")
	sub, err := env.subs.ActivatePlan(ctx, subscriptiondomain.ActivatePlanRequest{
		UserID: "u-1",
		PlanID: pro.ID,
		Now:    start,
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusTrialing, sub.Status)

	// Still in trial: no transition.
	got, err := env.subs.ResolveTrial(ctx, sub.ID, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusTrialing, got.Status)

	got, err = env.subs.ResolveTrial(ctx, sub.ID, start.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, got.Status)

	_, err = env.subs.ResolveTrial(ctx, sub.ID, start.Add(26*time.Hour))
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotTrialing)
}

func TestCancelExpiresPlanGrants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	pro := env.plan(t, "Pro")
	sub, err := env.subs.ActivatePlan(ctx, subscriptiondomain.ActivatePlanRequest{
		UserID:    "u-1",
		PlanID:    pro.ID,
		SkipTrial: true,
		Now:       start,
	})
	require.NoError(t, err)

	cancelAt := start.Add(10 * 24 * time.Hour)
	require.NoError(t, env.subs.Cancel(ctx, sub.ID, cancelAt))

	got, err := env.subs.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, got.Status)

	var grants []*allowancedomain.Allowance
	require.NoError(t, env.db.Where("user_id = ?", "u-1").Find(&grants).Error)
	for _, g := range grants {
		assert.True(t, g.Expired(cancelAt))
	}

	_, err = env.subs.GetPrimary(ctx, "u-1")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestListDuePeriods(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	pro := env.plan(t, "Pro")
	scale := env.plan(t, "Scale")

	a, err := env.subs.ActivatePlan(ctx, subscriptiondomain.ActivatePlanRequest{
		UserID: "u-a", PlanID: pro.ID, SkipTrial: true, Now: start,
	})
	require.NoError(t, err)
	_, err = env.subs.ActivatePlan(ctx, subscriptiondomain.ActivatePlanRequest{
		UserID: "u-b", PlanID: scale.ID, SkipTrial: true, Now: start.Add(10 * 24 * time.Hour),
	})
	require.NoError(t, err)

	due, err := env.subs.ListDuePeriods(ctx, a.CurrentPeriodEnd, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "u-a", due[0].UserID)
}
