package mtnmomo

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/bookline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
)

const signatureHeader = "X-Momo-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderMTNMoMo
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

// requestToPay is the collection callback body. referenceId is the X-Reference-Id
// the payment was requested with; externalId echoes our invoice.
type requestToPay struct {
	ReferenceID            string          `json:"referenceId"`
	FinancialTransactionID string          `json:"financialTransactionId"`
	ExternalID             string          `json:"externalId"`
	Status                 string          `json:"status"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Callback, error) {
	var body requestToPay
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	reference := strings.TrimSpace(body.ReferenceID)
	if reference == "" {
		reference = strings.TrimSpace(body.FinancialTransactionID)
	}
	if reference == "" {
		return nil, paymentdomain.ErrInvalidCallback
	}

	var status paymentdomain.CallbackStatus
	switch strings.ToUpper(strings.TrimSpace(body.Status)) {
	case "SUCCESSFUL":
		status = paymentdomain.CallbackStatusConfirmed
	case "FAILED", "REJECTED", "TIMEOUT":
		status = paymentdomain.CallbackStatusFailed
	default:
		return nil, paymentdomain.ErrEventIgnored
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
		Provider:          paymentdomain.ProviderMTNMoMo,
		ProviderReference: reference,
		InvoiceID:         adapters.InvoiceID(body.ExternalID),
		Amount:            amount,
		Currency:          currency,
		Status:            status,
		RawPayload:        payload,
	}, nil
}
