package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "wave"),
		attribute.String("invoice_id", "456"),
		attribute.String("entity_uuid", "c0ffee"),
		attribute.String("outcome", "confirmed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "provider" || attrs[1].Key != "outcome" {
		t.Fatalf("expected provider and outcome to be retained in order, got %v", attrs)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordPaymentCallback(context.Background(), "wave", "confirmed")
	m.RecordReferenceApplied(context.Background(), "book", "applied")
}
