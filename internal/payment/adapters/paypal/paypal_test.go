package paypal

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	paymentdomain "github.com/vibeany/billingcore/internal/payment/domain"
)

func newAdapter(t *testing.T) paymentdomain.SettlementAdapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{WebhookSecret: "pp_secret"})
	require.NoError(t, err)
	return adapter
}

func payload(eventType string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "WH-1",
		"event_type": %q,
		"resource": {
			"id": "capture_9",
			"custom_id": "ovg_ws-1_api_calls_2026-03",
			"amount": {"currency_code": "usd", "value": "3.50"}
		}
	}`, eventType))
}

func TestApprovedOrderSettlesNothing(t *testing.T) {
	adapter := newAdapter(t)

	// Approval means the buyer authorized, not that money moved.
	_, err := adapter.Interpret(context.Background(), payload("CHECKOUT.ORDER.APPROVED"))
	assert.ErrorIs(t, err, paymentdomain.ErrIgnoredEvent)
}

func TestCaptureCompletedIsPaid(t *testing.T) {
	adapter := newAdapter(t)

	event, err := adapter.Interpret(context.Background(), payload("PAYMENT.CAPTURE.COMPLETED"))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SettlementPaid, event.Status)
	assert.Equal(t, "capture_9", event.ProviderChargeID)
	assert.Equal(t, "3.5", event.Amount.String())
	assert.Equal(t, "USD", event.Currency)
	assert.Equal(t, "ovg_ws-1_api_calls_2026-03", event.UsageSummaryRef)
}

func TestCaptureDeniedIsFailed(t *testing.T) {
	adapter := newAdapter(t)

	event, err := adapter.Interpret(context.Background(), payload("PAYMENT.CAPTURE.DENIED"))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SettlementFailed, event.Status)
}

func TestMalformedAmount(t *testing.T) {
	adapter := newAdapter(t)

	raw := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"c","custom_id":"ref","amount":{"currency_code":"USD","value":"not-a-number"}}}`)
	_, err := adapter.Interpret(context.Background(), raw)
	assert.ErrorIs(t, err, paymentdomain.ErrMalformedEvent)
}
