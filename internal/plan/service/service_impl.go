package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/vibeany/billingcore/internal/plan/domain"
	"github.com/vibeany/billingcore/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type seed struct {
	Name           string
	Description    string
	BCMonthly      int64
	RCMonthly      int64
	PriceUSD       string
	TrialDays      int
	SharedMode     plandomain.SharedMode
	PaygEnabled    bool
	UsageBonusRate float64
}

var defaultSeeds = []seed{
	{
		Name:           "Free",
		Description:    "Starter tier with Auto-fix allowances and PAYG guard rails.",
		BCMonthly:      0,
		RCMonthly:      0,
		PriceUSD:       "0",
		TrialDays:      0,
		SharedMode:     plandomain.SharedModePool,
		PaygEnabled:    true,
		UsageBonusRate: 0.2,
	},
	{
		Name:           "Pro",
		Description:    "Core plan for growing teams with balanced BC/RC usage.",
		BCMonthly:      400,
		RCMonthly:      6000,
		PriceUSD:       "89",
		TrialDays:      1,
		SharedMode:     plandomain.SharedModePool,
		PaygEnabled:    true,
		UsageBonusRate: 0.2,
	},
	{
		Name:           "Scale",
		Description:    "High-throughput tier with extended Usage allowance.",
		BCMonthly:      1000,
		RCMonthly:      12000,
		PriceUSD:       "225",
		TrialDays:      1,
		SharedMode:     plandomain.SharedModeHybrid,
		PaygEnabled:    true,
		UsageBonusRate: 0.2,
	},
	{
		Name:           "Enterprise",
		Description:    "Custom contracts with dedicated account management.",
		BCMonthly:      2500,
		RCMonthly:      36000,
		PriceUSD:       "0",
		TrialDays:      0,
		SharedMode:     plandomain.SharedModeHybrid,
		PaygEnabled:    true,
		UsageBonusRate: 0.2,
	},
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	planrepo repository.Repository[plandomain.Plan]
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("plan.service"),

		genID:    p.GenID,
		planrepo: repository.ProvideStore[plandomain.Plan](p.DB),
	}
}

func (s *Service) EnsureDefaultPlans(ctx context.Context) ([]plandomain.Plan, error) {
	plans := make([]plandomain.Plan, 0, len(defaultSeeds))
	for _, sd := range defaultSeeds {
		existing, err := s.planrepo.FindOne(ctx, &plandomain.Plan{Name: sd.Name})
		if err != nil {
			return nil, err
		}

		price, err := decimal.NewFromString(sd.PriceUSD)
		if err != nil {
			return nil, plandomain.ErrInvalidPlan
		}

		if existing == nil {
			plan := plandomain.Plan{
				ID:             s.genID.Generate(),
				Name:           sd.Name,
				Description:    sd.Description,
				BCMonthly:      sd.BCMonthly,
				RCMonthly:      sd.RCMonthly,
				UsageBonusRate: sd.UsageBonusRate,
				TrialDays:      sd.TrialDays,
				SharedMode:     sd.SharedMode,
				PaygEnabled:    sd.PaygEnabled,
				PriceUSD:       price,
				IsActive:       true,
			}
			if err := s.planrepo.Create(ctx, &plan); err != nil {
				return nil, err
			}
			plans = append(plans, plan)
			continue
		}

		existing.Description = sd.Description
		existing.BCMonthly = sd.BCMonthly
		existing.RCMonthly = sd.RCMonthly
		existing.UsageBonusRate = sd.UsageBonusRate
		existing.TrialDays = sd.TrialDays
		existing.SharedMode = sd.SharedMode
		existing.PaygEnabled = sd.PaygEnabled
		existing.PriceUSD = price
		existing.IsActive = true
		if err := s.planrepo.Save(ctx, existing); err != nil {
			return nil, err
		}
		plans = append(plans, *existing)
	}
	return plans, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*plandomain.Plan, error) {
	if id == 0 {
		return nil, plandomain.ErrInvalidPlan
	}
	plan, err := s.planrepo.FindOne(ctx, &plandomain.Plan{ID: id})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) GetByName(ctx context.Context, name string) (*plandomain.Plan, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, plandomain.ErrInvalidPlan
	}
	plan, err := s.planrepo.FindOne(ctx, &plandomain.Plan{Name: name})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) List(ctx context.Context) ([]plandomain.Plan, error) {
	items, err := s.planrepo.Find(ctx, &plandomain.Plan{IsActive: true}, repository.OrderBy("name"))
	if err != nil {
		return nil, err
	}
	plans := make([]plandomain.Plan, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		plans = append(plans, *item)
	}
	return plans, nil
}
