package tracing

import (
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestRouteAttributesNameEntities(t *testing.T) {
	tests := []struct {
		name   string
		route  string
		params gin.Params
		want   []attribute.KeyValue
	}{{
		name:   "callback provider",
		route:  "/api/payments/callbacks/:provider",
		params: gin.Params{{Key: "provider", Value: "wave"}},
		want: []attribute.KeyValue{
			attribute.String("bookline.surface", "callback"),
			attribute.String("bookline.payment.provider", "wave"),
		},
	}, {
		name:   "subscriber poll",
		route:  "/api/sync/subscribers/:name/poll",
		params: gin.Params{{Key: "name", Value: "billing"}},
		want: []attribute.KeyValue{
			attribute.String("bookline.surface", "sync"),
			attribute.String("bookline.sync.subscriber", "billing"),
		},
	}, {
		name:   "invoice id",
		route:  "/admin/invoices/:id/submit",
		params: gin.Params{{Key: "id", Value: "1790000000000000000"}},
		want: []attribute.KeyValue{
			attribute.String("bookline.surface", "admin"),
			attribute.String("bookline.billing.invoice_id", "1790000000000000000"),
		},
	}, {
		name:   "royalty id",
		route:  "/admin/royalties/:id/approve",
		params: gin.Params{{Key: "id", Value: "42"}},
		want: []attribute.KeyValue{
			attribute.String("bookline.surface", "admin"),
			attribute.String("bookline.royalty.statement_id", "42"),
		},
	}, {
		name:   "health has no entity",
		route:  "/health",
		params: gin.Params{{Key: "id", Value: "x"}, {Key: "uuid", Value: " "}},
		want:   []attribute.KeyValue{attribute.String("bookline.surface", "ops")},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RouteAttributes(tt.route, tt.params))
		})
	}
}
