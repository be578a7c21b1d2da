package creem

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	paymentdomain "github.com/vibeany/billingcore/internal/payment/domain"
)

const secret = "creem_secret"

var completed = []byte(`{
	"id": "evt_1",
	"eventType": "checkout.completed",
	"object": {
		"id": "ch_1",
		"amount": 350,
		"currency": "usd",
		"metadata": {"charge_reference": "ovg_ws-1_api_calls_2026-03"}
	}
}`)

func newAdapter(t *testing.T) paymentdomain.SettlementAdapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{WebhookSecret: secret})
	require.NoError(t, err)
	return adapter
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(completed)
	headers := http.Header{}
	headers.Set("Creem-Signature", hex.EncodeToString(mac.Sum(nil)))

	require.NoError(t, adapter.Verify(context.Background(), completed, headers))

	headers.Set("Creem-Signature", "bogus")
	assert.ErrorIs(t, adapter.Verify(context.Background(), completed, headers), paymentdomain.ErrInvalidSignature)
}

func TestCheckoutCompletedSettlesInstantly(t *testing.T) {
	adapter := newAdapter(t)

	event, err := adapter.Interpret(context.Background(), completed)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SettlementPaid, event.Status)
	assert.Equal(t, "ch_1", event.ProviderChargeID)
	assert.Equal(t, "3.5", event.Amount.String())
	assert.Equal(t, "ovg_ws-1_api_calls_2026-03", event.UsageSummaryRef)
}

func TestUnknownEventIgnored(t *testing.T) {
	adapter := newAdapter(t)

	_, err := adapter.Interpret(context.Background(), []byte(`{"id":"evt_2","eventType":"subscription.updated","object":{}}`))
	assert.ErrorIs(t, err, paymentdomain.ErrIgnoredEvent)
}
