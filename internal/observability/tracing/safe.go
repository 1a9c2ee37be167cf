package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// Attribute keys that may carry payer or payload data never reach spans.
var blockedKeys = map[attribute.Key]struct{}{
	"payload":      {},
	"email":        {},
	"msisdn":       {},
	"phone":        {},
	"secret":       {},
	"signature":    {},
	"http.body":    {},
	"display_name": {},
}

// SafeAttributes drops attributes whose keys may contain personal data.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedKeys[attr.Key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

type safeError struct {
	msg string
}

func (e safeError) Error() string { return e.msg }

// SafeError keeps only the first line of an error, capped in length, so
// driver errors that echo bound values do not leak into trace backends.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	const limit = 200
	if len(msg) > limit {
		msg = msg[:limit]
	}
	if strings.TrimSpace(msg) == "" {
		return errors.New("error")
	}
	return safeError{msg: msg}
}

// ExtractContext restores a remote span context carried in headers.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectContext writes the current span context into headers.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}
