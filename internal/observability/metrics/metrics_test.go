package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("client_id", "123"),
		attribute.String("payment_option", "PerSession"),
		attribute.String("transaction_id", "pi_1"),
		attribute.String("outcome", "created"),
	)
	keys := make([]attribute.Key, 0, len(attrs))
	for _, attr := range attrs {
		keys = append(keys, attr.Key)
	}
	assert.ElementsMatch(t, []attribute.Key{"payment_option", "outcome"}, keys)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCheckout(context.Background(), "PerSession", "created")
		m.RecordWebhookEvent(context.Background(), "stripe", "invoice", "ok")
		m.RecordTransfer(context.Background(), "single")
		m.RecordFreeGrant(context.Background(), "coupon", "granted")
		m.RecordRateLimit(context.Background(), "/api/checkout/course", "denied")
	})
	assert.NotNil(t, NewNoop())
}
