package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	paymentdomain "github.com/vibeany/billingcore/internal/payment/domain"
)

const secret = "whsec_test"

func newAdapter(t *testing.T) paymentdomain.SettlementAdapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{WebhookSecret: secret})
	require.NoError(t, err)
	return adapter
}

func sign(payload []byte) http.Header {
	timestamp := "1761900000"
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func invoicePayload(eventType string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": %q,
		"data": {"object": {
			"id": "in_123",
			"amount_due": 350,
			"currency": "usd",
			"metadata": {"charge_reference": "ovg_ws-1_api_calls_2026-03"}
		}}
	}`, eventType))
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)
	payload := invoicePayload("invoice.paid")

	require.NoError(t, adapter.Verify(context.Background(), payload, sign(payload)))

	bad := http.Header{}
	bad.Set("Stripe-Signature", "t=1,v1=deadbeef")
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, bad), paymentdomain.ErrInvalidSignature)
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, http.Header{}), paymentdomain.ErrInvalidSignature)
}

func TestInterpretInvoiceLifecycle(t *testing.T) {
	adapter := newAdapter(t)
	ctx := context.Background()

	event, err := adapter.Interpret(ctx, invoicePayload("invoice.finalized"))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SettlementInvoiced, event.Status)
	assert.Equal(t, "in_123", event.ProviderChargeID)
	assert.Equal(t, "ovg_ws-1_api_calls_2026-03", event.UsageSummaryRef)
	assert.Equal(t, "3.5", event.Amount.String())
	assert.Equal(t, "USD", event.Currency)

	event, err = adapter.Interpret(ctx, invoicePayload("invoice.paid"))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SettlementPaid, event.Status)

	event, err = adapter.Interpret(ctx, invoicePayload("invoice.payment_failed"))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SettlementFailed, event.Status)
}

func TestInterpretIgnoresUnrelatedEvents(t *testing.T) {
	adapter := newAdapter(t)

	_, err := adapter.Interpret(context.Background(), invoicePayload("customer.created"))
	assert.ErrorIs(t, err, paymentdomain.ErrIgnoredEvent)
}

func TestInterpretRejectsMissingReference(t *testing.T) {
	adapter := newAdapter(t)

	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"in_1","amount_due":100,"currency":"usd","metadata":{}}}}`)
	_, err := adapter.Interpret(context.Background(), payload)
	assert.ErrorIs(t, err, paymentdomain.ErrMalformedEvent)
}
