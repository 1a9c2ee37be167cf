package adapters_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/bookline/internal/payment/adapters"
	"github.com/smallbiznis/bookline/internal/payment/adapters/generic"
	"github.com/smallbiznis/bookline/internal/payment/adapters/mtnmomo"
	"github.com/smallbiznis/bookline/internal/payment/adapters/orangemoney"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paypalFactory struct{}

func (paypalFactory) Provider() string { return "paypal" }

func (paypalFactory) NewAdapter(paymentdomain.AdapterConfig) (paymentdomain.CallbackAdapter, error) {
	return nil, nil
}

func TestRegistryResolvesKnownProviders(t *testing.T) {
	registry := adapters.NewRegistry(orangemoney.NewFactory(), mtnmomo.NewFactory(), generic.NewFactory(), paypalFactory{}, nil)

	assert.Equal(t, []string{"generic", "mtn_momo", "orange_money"}, registry.Providers())
	assert.True(t, registry.Supports("Orange_Money"))
	assert.True(t, registry.Supports(" mtn_momo "))
	assert.False(t, registry.Supports("wave"))
	assert.False(t, registry.Supports("paypal"))

	_, err := registry.ForCallback("paypal", paymentdomain.AdapterConfig{})
	require.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)

	adapter, err := registry.ForCallback("MTN_MOMO", paymentdomain.AdapterConfig{Secret: "s3cret"})
	require.NoError(t, err)
	payload := []byte(`{}`)
	headers := http.Header{}
	headers.Set("X-Momo-Signature", adapters.Sign("s3cret", payload))
	require.NoError(t, adapter.Verify(context.Background(), payload, headers))

	var empty *adapters.Registry
	assert.Empty(t, empty.Providers())
	_, err = empty.ForCallback("generic", paymentdomain.AdapterConfig{})
	require.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}

func TestHeaderSignedProviders(t *testing.T) {
	invoiceID := "1790000000000000000"
	tests := []struct {
		name      string
		factory   paymentdomain.AdapterFactory
		header    string
		payload   string
		reference string
		status    paymentdomain.CallbackStatus
	}{{
		name:      "orange money success",
		factory:   orangemoney.NewFactory(),
		header:    "X-OM-Signature",
		payload:   `{"txnid":"MP2605.1200.A1","order_id":"` + invoiceID + `","status":"SUCCESS","amount":"5000","currency":"XOF"}`,
		reference: "MP2605.1200.A1",
		status:    paymentdomain.CallbackStatusConfirmed,
	}, {
		name:      "mtn momo failure",
		factory:   mtnmomo.NewFactory(),
		header:    "X-Momo-Signature",
		payload:   `{"referenceId":"8f1c0c8e-9a0b-4f63-9d3e-1a2b3c4d5e6f","externalId":"` + invoiceID + `","status":"REJECTED","amount":5000,"currency":"XOF"}`,
		reference: "8f1c0c8e-9a0b-4f63-9d3e-1a2b3c4d5e6f",
		status:    paymentdomain.CallbackStatusFailed,
	}, {
		name:      "generic confirmed",
		factory:   generic.NewFactory(),
		header:    "X-Signature",
		payload:   `{"provider_reference":"TXN123","invoice_id":"` + invoiceID + `","status":"confirmed","amount":5000,"currency":"xof"}`,
		reference: "TXN123",
		status:    paymentdomain.CallbackStatusConfirmed,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			adapter, err := tt.factory.NewAdapter(paymentdomain.AdapterConfig{Secret: "s3cret"})
			require.NoError(t, err)

			payload := []byte(tt.payload)
			headers := http.Header{}
			headers.Set(tt.header, adapters.Sign("s3cret", payload))
			require.NoError(t, adapter.Verify(ctx, payload, headers))

			headers.Set(tt.header, adapters.Sign("other", payload))
			require.ErrorIs(t, adapter.Verify(ctx, payload, headers), paymentdomain.ErrInvalidSignature)

			cb, err := adapter.Parse(ctx, payload)
			require.NoError(t, err)
			assert.Equal(t, tt.factory.Provider(), cb.Provider)
			assert.Equal(t, tt.reference, cb.ProviderReference)
			assert.Equal(t, tt.status, cb.Status)
			assert.Equal(t, int64(5000), cb.Amount)
			assert.Equal(t, "XOF", cb.Currency)
			require.NotNil(t, cb.InvoiceID)
			assert.Equal(t, invoiceID, cb.InvoiceID.String())
		})
	}
}

func TestConfiguredSignatureHeader(t *testing.T) {
	adapter, err := generic.NewFactory().NewAdapter(paymentdomain.AdapterConfig{Secret: "k", SignatureHeader: "X-Relay-Signature"})
	require.NoError(t, err)

	payload := []byte(`{}`)
	headers := http.Header{}
	headers.Set("X-Relay-Signature", "sha256="+adapters.Sign("k", payload))
	require.NoError(t, adapter.Verify(context.Background(), payload, headers))

	headers = http.Header{}
	headers.Set("X-Signature", adapters.Sign("k", payload))
	require.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), paymentdomain.ErrInvalidSignature)
}

func TestMinorUnits(t *testing.T) {
	amount, err := adapters.MinorUnits(decimal.RequireFromString("1500"))
	require.NoError(t, err)
	assert.Equal(t, int64(1500), amount)

	amount, err = adapters.MinorUnits(decimal.RequireFromString("1500.00"))
	require.NoError(t, err)
	assert.Equal(t, int64(1500), amount)

	_, err = adapters.MinorUnits(decimal.RequireFromString("0.5"))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
	_, err = adapters.MinorUnits(decimal.Zero)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	assert.Nil(t, adapters.InvoiceID("order-17"))
	assert.Nil(t, adapters.InvoiceID(""))
}
