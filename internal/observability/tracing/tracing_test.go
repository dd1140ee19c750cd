package tracing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/checkout"),
		attribute.String("client_secret", "pi_1_secret_x"),
		attribute.String("webhook_secret", "whsec"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorHidesMessage(t *testing.T) {
	err := SafeError(errors.New("card 4242 declined"))
	assert.NotContains(t, err.Error(), "4242")
	assert.Nil(t, SafeError(nil))
}

func TestDisabledProviderIsNil(t *testing.T) {
	provider, err := NewProvider(nil, Config{Enabled: false}, zap.NewNop())
	assert.NoError(t, err)
	assert.Nil(t, provider)
}
