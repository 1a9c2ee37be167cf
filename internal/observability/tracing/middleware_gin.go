package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/bookline/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "bookline/http"

// Route parameters that name a bookline entity. :id is resolved per resource.
var paramKeys = map[string]attribute.Key{
	"provider": "bookline.payment.provider",
	"name":     "bookline.sync.subscriber",
	"uuid":     "bookline.reference.entity_uuid",
	"code":     "bookline.billing.plan_code",
}

var idKeys = []struct {
	prefix string
	key    attribute.Key
}{
	{prefix: "/admin/invoices/", key: "bookline.billing.invoice_id"},
	{prefix: "/admin/subscriptions/", key: "bookline.billing.subscription_id"},
	{prefix: "/admin/payments/anomalies/", key: "bookline.payment.anomaly_id"},
	{prefix: "/admin/royalties/", key: "bookline.royalty.statement_id"},
}

// Surface groups routes by caller: owners pushing sync events, gateways
// posting callbacks, operators on the admin API.
func Surface(route string) string {
	switch {
	case strings.HasPrefix(route, "/api/sync"):
		return "sync"
	case strings.HasPrefix(route, "/api/payments/callbacks"):
		return "callback"
	case strings.HasPrefix(route, "/admin"):
		return "admin"
	default:
		return "ops"
	}
}

// RouteAttributes maps the matched route and its parameters to bookline span
// attributes.
func RouteAttributes(route string, params gin.Params) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("bookline.surface", Surface(route))}
	for _, param := range params {
		value := strings.TrimSpace(param.Value)
		if value == "" {
			continue
		}
		if key, ok := paramKeys[param.Key]; ok {
			attrs = append(attrs, key.String(value))
			continue
		}
		if param.Key != "id" {
			continue
		}
		for _, candidate := range idKeys {
			if strings.HasPrefix(route, candidate.prefix) {
				attrs = append(attrs, candidate.key.String(value))
				break
			}
		}
	}
	return attrs
}

// GinMiddleware opens a server span per request, tagged with the bookline
// entity the route addresses and the actor the guards resolved.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(httpTracerName)
	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "bookline "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("bookline " + method + " " + route)

		attrs := append(RouteAttributes(route, c.Params),
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		)
		if actorType, actorID := obscontext.ActorFromContext(c.Request.Context()); actorType != "" {
			attrs = append(attrs,
				attribute.String("bookline.actor_type", actorType),
				attribute.String("bookline.actor_id", actorID),
			)
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status < http.StatusInternalServerError {
			return
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
		}
		span.SetStatus(codes.Error, "request error")
	}
}
