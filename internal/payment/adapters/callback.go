package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/bookline/internal/payment/domain"
)

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHeader checks a hex HMAC-SHA256 signature carried in a single header.
func VerifyHeader(secret string, payload []byte, headers http.Header, header string) error {
	if strings.TrimSpace(secret) == "" {
		return domain.ErrInvalidConfig
	}
	signature := strings.TrimSpace(headers.Get(header))
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return domain.ErrInvalidSignature
	}
	expected := Sign(secret, payload)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// HeaderName returns the configured signature header, or fallback.
func HeaderName(cfg domain.AdapterConfig, fallback string) string {
	if header := strings.TrimSpace(cfg.SignatureHeader); header != "" {
		return header
	}
	return fallback
}

// MinorUnits converts a provider amount to integer minor units. Fractional or
// non-positive amounts are rejected.
func MinorUnits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return 0, domain.ErrInvalidPayload
	}
	return amount.IntPart(), nil
}

// InvoiceID parses the invoice identifier echoed by the provider. Anything that
// is not a snowflake id is treated as absent.
func InvoiceID(raw string) *snowflake.ID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}

// Currency normalizes an ISO 4217 code.
func Currency(raw string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if len(currency) != 3 {
		return "", domain.ErrInvalidPayload
	}
	return currency, nil
}
