package allowance

import (
	"github.com/vibeany/billingcore/internal/allowance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("allowance.service",
	fx.Provide(service.NewService),
)
