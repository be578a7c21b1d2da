package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ResolveRequest describes one priced action.
type ResolveRequest struct {
	Metric   string
	Quantity decimal.Decimal
	// Attributes feed formula parameters, e.g. a complexity class for
	// complexity-weighted metrics. Unknown keys are ignored.
	Attributes map[string]string
}

// Cost is a fully resolved price for an action.
type Cost struct {
	Metric  string
	Formula string
	// Amount is the resolved cost in credits, rounded to six decimal
	// places.
	Amount decimal.Decimal
	// Credits is Amount rounded up to whole credits; the consumption engine
	// debits this figure.
	Credits int64
}

type Service interface {
	// Resolve prices an action. A metric without an active cost model is a
	// configuration error and must fail the calling operation.
	Resolve(ctx context.Context, req ResolveRequest) (*Cost, error)
	Upsert(ctx context.Context, model *CostModel) (*CostModel, error)
	List(ctx context.Context) ([]*CostModel, error)
}

var (
	ErrUnknownMetric  = errors.New("unknown_metric")
	ErrUnknownFormula = errors.New("unknown_formula")
	ErrInvalidRate    = errors.New("invalid_rate")
)
