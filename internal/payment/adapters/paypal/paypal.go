// Package paypal interprets PayPal webhook events. An approved order is not
// money: only a completed capture settles a charge.
package paypal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/vibeany/billingcore/internal/payment/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderPayPal
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.SettlementAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Provider() paymentdomain.Provider {
	return paymentdomain.ProviderPayPal
}

// Verify checks the transmission signature computed over the raw payload.
// Certificate-chain validation against PayPal's CDN happens at the edge
// before events reach this service.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get("Paypal-Transmission-Sig"))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Interpret(ctx context.Context, payload []byte) (*paymentdomain.NormalizedSettlementEvent, error) {
	var event paypalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrMalformedEvent
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrMalformedEvent
	}

	var status paymentdomain.SettlementStatus
	switch strings.TrimSpace(event.EventType) {
	case "PAYMENT.CAPTURE.COMPLETED":
		status = paymentdomain.SettlementPaid
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		status = paymentdomain.SettlementFailed
	case "CHECKOUT.ORDER.APPROVED":
		// Approval precedes capture; the buyer authorized but nothing was
		// collected yet, so the charge must not move.
		return nil, paymentdomain.ErrIgnoredEvent
	default:
		return nil, paymentdomain.ErrIgnoredEvent
	}

	ref := strings.TrimSpace(event.Resource.CustomID)
	if ref == "" {
		return nil, paymentdomain.ErrMalformedEvent
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(event.Resource.Amount.Value))
	if err != nil {
		return nil, paymentdomain.ErrMalformedEvent
	}

	return &paymentdomain.NormalizedSettlementEvent{
		Provider:         paymentdomain.ProviderPayPal,
		ProviderChargeID: event.Resource.ID,
		Status:           status,
		Amount:           amount,
		Currency:         strings.ToUpper(strings.TrimSpace(event.Resource.Amount.CurrencyCode)),
		UsageSummaryRef:  ref,
	}, nil
}

type paypalEvent struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Resource  paypalResource `json:"resource"`
}

type paypalResource struct {
	ID string `json:"id"`
	// CustomID round-trips the charge reference supplied at order creation.
	CustomID string       `json:"custom_id"`
	Amount   paypalAmount `json:"amount"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}
