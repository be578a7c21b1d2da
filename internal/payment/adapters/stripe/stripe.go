// Package stripe interprets Stripe webhook events. Stripe settles overage
// charges through invoices, so a charge passes through invoiced before paid.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
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
	return paymentdomain.ProviderStripe
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
	return paymentdomain.ProviderStripe
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Interpret(ctx context.Context, payload []byte) (*paymentdomain.NormalizedSettlementEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrMalformedEvent
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrMalformedEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "invoice.finalized":
		return a.interpretInvoice(event, paymentdomain.SettlementInvoiced)
	case "invoice.paid", "invoice.payment_succeeded":
		return a.interpretInvoice(event, paymentdomain.SettlementPaid)
	case "invoice.payment_failed":
		return a.interpretInvoice(event, paymentdomain.SettlementFailed)
	default:
		return nil, paymentdomain.ErrIgnoredEvent
	}
}

type stripeEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeInvoice struct {
	ID        string            `json:"id"`
	AmountDue int64             `json:"amount_due"`
	Currency  string            `json:"currency"`
	Metadata  map[string]string `json:"metadata"`
}

func (a *Adapter) interpretInvoice(event stripeEvent, status paymentdomain.SettlementStatus) (*paymentdomain.NormalizedSettlementEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrMalformedEvent
	}

	ref := strings.TrimSpace(invoice.Metadata["charge_reference"])
	if ref == "" {
		return nil, paymentdomain.ErrMalformedEvent
	}

	return &paymentdomain.NormalizedSettlementEvent{
		Provider:         paymentdomain.ProviderStripe,
		ProviderChargeID: invoice.ID,
		Status:           status,
		// Stripe amounts are integer cents.
		Amount:          decimal.NewFromInt(invoice.AmountDue).Div(decimal.NewFromInt(100)),
		Currency:        strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		UsageSummaryRef: ref,
	}, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		key, value, found := strings.Cut(piece, "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("malformed signature header")
	}
	return timestamp, signatures, nil
}
