package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/vibeany/billingcore/internal/cache"
	costmodeldomain "github.com/vibeany/billingcore/internal/costmodel/domain"
	"github.com/vibeany/billingcore/pkg/db"
	"github.com/vibeany/billingcore/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const costScale = 6

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Cache *cache.CostModelCache `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	repo  repository.Repository[costmodeldomain.CostModel]
	cache *cache.CostModelCache
}

func NewService(p ServiceParam) costmodeldomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("costmodel.service"),

		genID: p.GenID,
		repo:  repository.ProvideStore[costmodeldomain.CostModel](p.DB),
		cache: p.Cache,
	}
}

func (s *Service) Resolve(ctx context.Context, req costmodeldomain.ResolveRequest) (*costmodeldomain.Cost, error) {
	metric := strings.TrimSpace(req.Metric)
	if metric == "" {
		return nil, costmodeldomain.ErrUnknownMetric
	}

	model, ok := s.cache.Get(metric)
	if !ok {
		var err error
		model, err = s.repo.FindOne(ctx, &costmodeldomain.CostModel{Metric: metric, IsActive: true})
		if err != nil {
			return nil, err
		}
		if model == nil {
			return nil, costmodeldomain.ErrUnknownMetric
		}
		s.cache.Set(metric, model)
	}

	amount, err := evaluate(model, req)
	if err != nil {
		return nil, err
	}
	amount = amount.Round(costScale)
	if amount.IsNegative() {
		return nil, costmodeldomain.ErrInvalidRate
	}

	return &costmodeldomain.Cost{
		Metric:  metric,
		Formula: model.Formula,
		Amount:  amount,
		Credits: amount.Ceil().IntPart(),
	}, nil
}

// evaluate is pure: the same model and request always price identically.
func evaluate(model *costmodeldomain.CostModel, req costmodeldomain.ResolveRequest) (decimal.Decimal, error) {
	switch model.Formula {
	case costmodeldomain.FormulaLinearV1:
		return model.BaseRate.Mul(req.Quantity), nil
	case costmodeldomain.FormulaComplexityV1:
		return model.BaseRate.Mul(req.Quantity).Mul(complexityWeight(model, req.Attributes)), nil
	default:
		return decimal.Zero, costmodeldomain.ErrUnknownFormula
	}
}

// complexityWeight reads the weight for the request's complexity class from
// the model params, defaulting to 1 for unknown classes.
func complexityWeight(model *costmodeldomain.CostModel, attrs map[string]string) decimal.Decimal {
	class := attrs["complexity"]
	if class == "" || model.Params == nil {
		return decimal.NewFromInt(1)
	}
	raw, ok := model.Params[class]
	if !ok {
		return decimal.NewFromInt(1)
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case json.Number:
		// JSONMap params loaded from the database decode as json.Number.
		if d, err := decimal.NewFromString(v.String()); err == nil {
			return d
		}
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.NewFromInt(1)
}

func (s *Service) Upsert(ctx context.Context, model *costmodeldomain.CostModel) (*costmodeldomain.CostModel, error) {
	model.Metric = strings.TrimSpace(model.Metric)
	if model.Metric == "" {
		return nil, costmodeldomain.ErrUnknownMetric
	}
	if model.BaseRate.IsNegative() {
		return nil, costmodeldomain.ErrInvalidRate
	}
	if model.Formula == "" {
		model.Formula = costmodeldomain.FormulaLinearV1
	}
	switch model.Formula {
	case costmodeldomain.FormulaLinearV1, costmodeldomain.FormulaComplexityV1:
	default:
		return nil, costmodeldomain.ErrUnknownFormula
	}

	existing, err := s.repo.FindOne(ctx, &costmodeldomain.CostModel{Metric: model.Metric})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Formula = model.Formula
		existing.BaseRate = model.BaseRate
		existing.Params = model.Params
		existing.IsActive = model.IsActive
		if err := s.repo.Save(ctx, existing); err != nil {
			return nil, err
		}
		s.cache.Invalidate(existing.Metric)
		return existing, nil
	}

	model.ID = s.genID.Generate()
	model.IsActive = true
	if err := s.repo.Create(ctx, model); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.repo.FindOne(ctx, &costmodeldomain.CostModel{Metric: model.Metric})
		}
		return nil, err
	}
	s.cache.Invalidate(model.Metric)
	return model, nil
}

func (s *Service) List(ctx context.Context) ([]*costmodeldomain.CostModel, error) {
	return s.repo.Find(ctx, &costmodeldomain.CostModel{}, repository.OrderBy("metric ASC"))
}
