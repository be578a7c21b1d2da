package costmodel

import (
	"github.com/vibeany/billingcore/internal/costmodel/service"
	"go.uber.org/fx"
)

var Module = fx.Module("costmodel.service",
	fx.Provide(service.NewService),
)
