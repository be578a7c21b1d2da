package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	plandomain "github.com/vibeany/billingcore/internal/plan/domain"
	"github.com/vibeany/billingcore/pkg/db"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) plandomain.Service {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&plandomain.Plan{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParam{DB: dbConn, Log: zap.NewNop(), GenID: node})
}

func TestEnsureDefaultPlansIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.EnsureDefaultPlans(ctx)
	require.NoError(t, err)
	require.Len(t, first, 4)

	second, err := svc.EnsureDefaultPlans(ctx)
	require.NoError(t, err)
	require.Len(t, second, 4)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestGetByID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	plans, err := svc.EnsureDefaultPlans(ctx)
	require.NoError(t, err)

	got, err := svc.GetByID(ctx, plans[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Pro", got.Name)
	assert.Equal(t, int64(400), got.BCMonthly)

	_, err = svc.GetByID(ctx, 0)
	assert.ErrorIs(t, err, plandomain.ErrInvalidPlan)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	_, err = svc.GetByID(ctx, node.Generate())
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}

func TestGetByName(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.EnsureDefaultPlans(ctx)
	require.NoError(t, err)

	free, err := svc.GetByName(ctx, "Free")
	require.NoError(t, err)
	assert.True(t, free.IsFree())

	_, err = svc.GetByName(ctx, "  ")
	assert.ErrorIs(t, err, plandomain.ErrInvalidPlan)
	_, err = svc.GetByName(ctx, "Ghost")
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}
