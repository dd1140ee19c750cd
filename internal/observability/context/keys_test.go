package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPurchaseKeysRoundTrip(t *testing.T) {
	ctx := WithPurchase(context.Background(), "client-1", "contrib-9")
	ctx = WithRequestID(ctx, "req-1")

	clientID, contributionID := PurchaseFromContext(ctx)
	assert.Equal(t, "client-1", clientID)
	assert.Equal(t, "contrib-9", contributionID)
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
}

func TestEmptyValuesAreNotStored(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	assert.Empty(t, RequestIDFromContext(ctx))

	clientID, contributionID := PurchaseFromContext(context.Background())
	assert.Empty(t, clientID)
	assert.Empty(t, contributionID)
}
