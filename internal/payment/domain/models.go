// Package domain defines the provider-neutral settlement model. Provider
// adapters translate raw webhook payloads into NormalizedSettlementEvent;
// nothing downstream ever sees provider-specific shapes.
package domain

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
)

// Provider identifies a payment processor.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderCreem  Provider = "creem"
	ProviderPayPal Provider = "paypal"
)

// SettlementStatus is the normalized outcome of a provider event. Providers
// with deferred settlement (Stripe invoices) emit invoiced before paid;
// instant providers jump straight to paid.
type SettlementStatus string

const (
	SettlementInvoiced SettlementStatus = "invoiced"
	SettlementPaid     SettlementStatus = "paid"
	SettlementFailed   SettlementStatus = "failed"
)

// NormalizedSettlementEvent is the single shape settlement flows operate on.
type NormalizedSettlementEvent struct {
	Provider         Provider
	ProviderChargeID string
	Status           SettlementStatus
	Amount           decimal.Decimal
	Currency         string
	// UsageSummaryRef carries the charge reference the provider was given at
	// checkout; it resolves back to an overage charge.
	UsageSummaryRef string
}

// SettlementAdapter translates one provider's webhook payloads. Interpret
// returns ErrIgnoredEvent for payloads that carry no settlement meaning,
// such as a PayPal order that was approved but not yet captured.
type SettlementAdapter interface {
	Provider() Provider
	// Verify authenticates the raw payload against the provider's signing
	// scheme before it is interpreted.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Interpret(ctx context.Context, payload []byte) (*NormalizedSettlementEvent, error)
}

// AdapterConfig carries provider credentials.
type AdapterConfig struct {
	WebhookSecret string
}

// AdapterFactory builds the adapter for one provider.
type AdapterFactory interface {
	Provider() Provider
	NewAdapter(cfg AdapterConfig) (SettlementAdapter, error)
}

var (
	ErrUnknownProvider  = errors.New("unknown_provider")
	ErrInvalidConfig    = errors.New("invalid_adapter_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrMalformedEvent   = errors.New("malformed_event")
	// ErrIgnoredEvent marks payloads that are valid but settle nothing.
	ErrIgnoredEvent = errors.New("ignored_event")
)
