package orangemoney

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/bookline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
)

const signatureHeader = "X-OM-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderOrangeMoney
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

// Verify checks the hex HMAC-SHA256 of the raw body.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return adapters.VerifyHeader(a.secret, payload, headers, a.header)
}

type notification struct {
	TxnID    string          `json:"txnid"`
	OrderID  string          `json:"order_id"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Callback, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	reference := strings.TrimSpace(n.TxnID)
	if reference == "" {
		return nil, paymentdomain.ErrInvalidCallback
	}

	var status paymentdomain.CallbackStatus
	switch strings.ToUpper(strings.TrimSpace(n.Status)) {
	case "SUCCESS", "SUCCESSFUL":
		status = paymentdomain.CallbackStatusConfirmed
	case "FAILED", "EXPIRED", "CANCELLED":
		status = paymentdomain.CallbackStatusFailed
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	amount, err := adapters.MinorUnits(n.Amount)
	if err != nil {
		return nil, err
	}
	currency, err := adapters.Currency(n.Currency)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.Callback{
		Provider:          paymentdomain.ProviderOrangeMoney,
		ProviderReference: reference,
		InvoiceID:         adapters.InvoiceID(n.OrderID),
		Amount:            amount,
		Currency:          currency,
		Status:            status,
		RawPayload:        payload,
	}, nil
}
