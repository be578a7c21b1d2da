package overage

import (
	"github.com/vibeany/billingcore/internal/overage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("overage.service",
	fx.Provide(service.NewService),
)
