package alert

import (
	"github.com/vibeany/billingcore/internal/alert/service"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.notifier",
	fx.Provide(service.NewNotifier),
)
