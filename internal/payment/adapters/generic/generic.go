// Package generic accepts callbacks already in the normalized shape, for
// providers bridged by an external relay.
package generic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/bookline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
)

const signatureHeader = "X-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderGeneric
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.CallbackAdapter, error) {
	return &Adapter{
		secret: strings.TrimSpace(cfg.Secret),
		header: adapters.HeaderName(cfg, signatureHeader),
	}, nil
}

type Adapter struct {
	secret string
	header string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return adapters.VerifyHeader(a.secret, payload, headers, a.header)
}

type callback struct {
	ProviderReference string          `json:"provider_reference"`
	InvoiceID         string          `json:"invoice_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Callback, error) {
	var body callback
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	reference := strings.TrimSpace(body.ProviderReference)
	if reference == "" {
		return nil, paymentdomain.ErrInvalidCallback
	}

	status := paymentdomain.CallbackStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	if status != paymentdomain.CallbackStatusConfirmed && status != paymentdomain.CallbackStatusFailed {
		return nil, paymentdomain.ErrInvalidCallback
	}

	amount, err := adapters.MinorUnits(body.Amount)
	if err != nil {
		return nil, err
	}
	currency, err := adapters.Currency(body.Currency)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.Callback{
		Provider:          paymentdomain.ProviderGeneric,
		ProviderReference: reference,
		InvoiceID:         adapters.InvoiceID(body.InvoiceID),
		Amount:            amount,
		Currency:          currency,
		Status:            status,
		RawPayload:        payload,
	}, nil
}
