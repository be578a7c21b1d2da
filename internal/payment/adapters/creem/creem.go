// Package creem interprets Creem webhook events. Creem settles at checkout
// completion, so a successful event jumps the charge straight to paid.
package creem

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
	return paymentdomain.ProviderCreem
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
	return paymentdomain.ProviderCreem
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get("Creem-Signature"))
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
	var event creemEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrMalformedEvent
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrMalformedEvent
	}

	var status paymentdomain.SettlementStatus
	switch strings.TrimSpace(event.EventType) {
	case "checkout.completed":
		status = paymentdomain.SettlementPaid
	case "checkout.failed":
		status = paymentdomain.SettlementFailed
	default:
		return nil, paymentdomain.ErrIgnoredEvent
	}

	ref := strings.TrimSpace(event.Object.Metadata["charge_reference"])
	if ref == "" {
		return nil, paymentdomain.ErrMalformedEvent
	}

	return &paymentdomain.NormalizedSettlementEvent{
		Provider:         paymentdomain.ProviderCreem,
		ProviderChargeID: event.Object.ID,
		Status:           status,
		// Creem amounts are integer cents.
		Amount:          decimal.NewFromInt(event.Object.Amount).Div(decimal.NewFromInt(100)),
		Currency:        strings.ToUpper(strings.TrimSpace(event.Object.Currency)),
		UsageSummaryRef: ref,
	}, nil
}

type creemEvent struct {
	ID        string      `json:"id"`
	EventType string      `json:"eventType"`
	Object    creemObject `json:"object"`
}

type creemObject struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}
