package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// EnsureDefaultPlans idempotently seeds the baseline catalog.
	EnsureDefaultPlans(ctx context.Context) ([]Plan, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Plan, error)
	GetByName(ctx context.Context, name string) (*Plan, error)
	List(ctx context.Context) ([]Plan, error)
}

var (
	ErrInvalidPlan  = errors.New("invalid_plan")
	ErrPlanNotFound = errors.New("plan_not_found")
)
