package budgetguard

import (
	"github.com/vibeany/billingcore/internal/budgetguard/service"
	"go.uber.org/fx"
)

var Module = fx.Module("budgetguard.service",
	fx.Provide(service.NewService),
)
