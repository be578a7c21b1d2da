// Package webhook receives provider settlement callbacks and applies them to
// overage charges.
package webhook

import (
	"context"
	"net/http"

	"github.com/vibeany/billingcore/internal/clock"
	"github.com/vibeany/billingcore/internal/config"
	"github.com/vibeany/billingcore/internal/observability/metrics"
	overagedomain "github.com/vibeany/billingcore/internal/overage/domain"
	"github.com/vibeany/billingcore/internal/payment/adapters"
	paymentdomain "github.com/vibeany/billingcore/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Clock    clock.Clock
	Registry *adapters.Registry
	Metrics  *metrics.Metrics
	Overage  overagedomain.Service
}

type Service struct {
	log *zap.Logger

	cfg      config.Config
	clock    clock.Clock
	registry *adapters.Registry
	metrics  *metrics.Metrics
	overage  overagedomain.Service
}

func NewService(p ServiceParam) *Service {
	return &Service{
		log: p.Log.Named("payment.webhook"),

		cfg:      p.Cfg,
		clock:    p.Clock,
		registry: p.Registry,
		metrics:  p.Metrics,
		overage:  p.Overage,
	}
}

// HandleWebhook verifies, normalizes and applies one provider callback. A
// recognized but meaningless payload (for example a PayPal approval without
// capture) returns (nil, nil) so the caller acks it without side effects.
func (s *Service) HandleWebhook(ctx context.Context, provider paymentdomain.Provider, payload []byte, headers http.Header) (*overagedomain.OverageCharge, error) {
	adapter, err := s.registry.NewAdapter(provider, s.adapterConfig(provider))
	if err != nil {
		return nil, err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected", zap.String("provider", string(provider)))
		return nil, err
	}

	event, err := adapter.Interpret(ctx, payload)
	if err != nil {
		if err == paymentdomain.ErrIgnoredEvent {
			s.log.Debug("webhook event ignored", zap.String("provider", string(provider)))
			return nil, nil
		}
		return nil, err
	}

	charge, err := s.overage.ApplySettlement(ctx, event, s.clock.Now())
	if err != nil {
		if err == overagedomain.ErrInvalidTransition {
			// Providers redeliver settlement events; a settled charge
			// accepts no further moves.
			s.log.Warn("settlement replay on settled charge",
				zap.String("provider", string(provider)),
				zap.String("reference", event.UsageSummaryRef),
			)
		}
		return nil, err
	}
	return charge, nil
}

func (s *Service) adapterConfig(provider paymentdomain.Provider) paymentdomain.AdapterConfig {
	switch provider {
	case paymentdomain.ProviderStripe:
		return paymentdomain.AdapterConfig{WebhookSecret: s.cfg.StripeWebhookSecret}
	case paymentdomain.ProviderCreem:
		return paymentdomain.AdapterConfig{WebhookSecret: s.cfg.CreemWebhookSecret}
	case paymentdomain.ProviderPayPal:
		return paymentdomain.AdapterConfig{WebhookSecret: s.cfg.PaypalWebhookSecret}
	default:
		return paymentdomain.AdapterConfig{}
	}
}
