package wave

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/bookline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
)

const signatureHeader = "Wave-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderWave
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

// Verify checks a "t=<unix>,v1=<hex>" header signed over "<t>.<body>".
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.secret == "" {
		return paymentdomain.ErrInvalidConfig
	}
	sigHeader := strings.TrimSpace(headers.Get(a.header))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signed := append([]byte(timestamp+"."), payload...)
	expected := adapters.Sign(a.secret, signed)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

type event struct {
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Data session `json:"data"`
}

type session struct {
	ID              string          `json:"id"`
	ClientReference string          `json:"client_reference"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentStatus   string          `json:"payment_status"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Callback, error) {
	var evt event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	reference := strings.TrimSpace(evt.Data.ID)
	if strings.TrimSpace(evt.ID) == "" || reference == "" {
		return nil, paymentdomain.ErrInvalidCallback
	}

	var status paymentdomain.CallbackStatus
	switch strings.TrimSpace(evt.Type) {
	case "checkout.session.completed":
		if strings.TrimSpace(evt.Data.PaymentStatus) != "succeeded" {
			return nil, paymentdomain.ErrEventIgnored
		}
		status = paymentdomain.CallbackStatusConfirmed
	case "checkout.session.payment_failed":
		status = paymentdomain.CallbackStatusFailed
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	amount, err := adapters.MinorUnits(evt.Data.Amount)
	if err != nil {
		return nil, err
	}
	currency, err := adapters.Currency(evt.Data.Currency)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.Callback{
		Provider:          paymentdomain.ProviderWave,
		ProviderReference: reference,
		InvoiceID:         adapters.InvoiceID(evt.Data.ClientReference),
		Amount:            amount,
		Currency:          currency,
		Status:            status,
		RawPayload:        payload,
	}, nil
}

func parseSignature(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
