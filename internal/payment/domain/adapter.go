package domain

import (
	"context"
	"net/http"
)

// AdapterConfig carries the per-provider callback secret from the rules file.
type AdapterConfig struct {
	Provider        string
	Secret          string
	SignatureHeader string
}

// CallbackAdapter verifies and normalizes the callbacks of one provider.
type CallbackAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Callback, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (CallbackAdapter, error)
}
