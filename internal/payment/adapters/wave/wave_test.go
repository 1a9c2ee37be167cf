package wave

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/bookline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signatureHeaderFor(secret string, payload []byte, timestamp int64) string {
	signed := append([]byte(fmt.Sprintf("%d.", timestamp)), payload...)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, adapters.Sign(secret, signed))
}

func TestVerifySignature(t *testing.T) {
	secret := "wave_secret"
	payload := []byte(`{"id":"AEv_1","type":"checkout.session.completed","data":{}}`)
	timestamp := time.Now().Unix()

	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{Secret: secret})
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("Wave-Signature", signatureHeaderFor(secret, payload, timestamp))
	require.NoError(t, adapter.Verify(context.Background(), payload, headers))

	headers.Set("Wave-Signature", signatureHeaderFor("wrong", payload, timestamp))
	require.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), paymentdomain.ErrInvalidSignature)

	headers.Set("Wave-Signature", "v1=abc")
	require.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), paymentdomain.ErrInvalidSignature)

	unsigned, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{})
	require.NoError(t, err)
	require.ErrorIs(t, unsigned.Verify(context.Background(), payload, headers), paymentdomain.ErrInvalidConfig)
}

func TestParseCheckoutEvents(t *testing.T) {
	adapter := &Adapter{}

	tests := []struct {
		name    string
		payload string
		status  paymentdomain.CallbackStatus
		wantErr error
	}{{
		name:    "completed",
		payload: `{"id":"AEv_1","type":"checkout.session.completed","data":{"id":"cos-1","client_reference":"1790000000000000000","amount":"2500","currency":"xof","payment_status":"succeeded"}}`,
		status:  paymentdomain.CallbackStatusConfirmed,
	}, {
		name:    "failed",
		payload: `{"id":"AEv_2","type":"checkout.session.payment_failed","data":{"id":"cos-1","client_reference":"1790000000000000000","amount":"2500","currency":"XOF","payment_status":"cancelled"}}`,
		status:  paymentdomain.CallbackStatusFailed,
	}, {
		name:    "still processing",
		payload: `{"id":"AEv_3","type":"checkout.session.completed","data":{"id":"cos-1","amount":"2500","currency":"XOF","payment_status":"processing"}}`,
		wantErr: paymentdomain.ErrEventIgnored,
	}, {
		name:    "other event",
		payload: `{"id":"AEv_4","type":"merchant.payment_received","data":{"id":"cos-1","amount":"2500","currency":"XOF"}}`,
		wantErr: paymentdomain.ErrEventIgnored,
	}, {
		name:    "fractional amount",
		payload: `{"id":"AEv_5","type":"checkout.session.completed","data":{"id":"cos-1","amount":"25.50","currency":"XOF","payment_status":"succeeded"}}`,
		wantErr: paymentdomain.ErrInvalidPayload,
	}, {
		name:    "missing session",
		payload: `{"id":"AEv_6","type":"checkout.session.completed","data":{}}`,
		wantErr: paymentdomain.ErrInvalidCallback,
	}, {
		name:    "not json",
		payload: `<xml/>`,
		wantErr: paymentdomain.ErrInvalidPayload,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := adapter.Parse(context.Background(), []byte(tt.payload))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, paymentdomain.ProviderWave, cb.Provider)
			assert.Equal(t, "cos-1", cb.ProviderReference)
			assert.Equal(t, int64(2500), cb.Amount)
			assert.Equal(t, "XOF", cb.Currency)
			assert.Equal(t, tt.status, cb.Status)
			require.NotNil(t, cb.InvoiceID)
			assert.Equal(t, "1790000000000000000", cb.InvoiceID.String())
		})
	}
}
