package payment

import (
	"github.com/vibeany/billingcore/internal/payment/adapters"
	"github.com/vibeany/billingcore/internal/payment/adapters/creem"
	"github.com/vibeany/billingcore/internal/payment/adapters/paypal"
	"github.com/vibeany/billingcore/internal/payment/adapters/stripe"
	"github.com/vibeany/billingcore/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.webhook",
	fx.Provide(
		newRegistry,
		webhook.NewService,
	),
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
		creem.NewFactory(),
		paypal.NewFactory(),
	)
}
