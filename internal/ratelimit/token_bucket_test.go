package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideAllowed(t *testing.T) {
	res, err := decide([]any{int64(1), "4.5", int64(1717228800000)}, 1, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, 5, res.Limit)
	assert.Zero(t, res.RetryAfter)
}

func TestDecideDeniedComputesRetryAfter(t *testing.T) {
	res, err := decide([]any{int64(0), "0.5", int64(1717228800000)}, 2, 5)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 250*time.Millisecond, res.RetryAfter)
	assert.Equal(t, time.UnixMilli(1717228800000).Add(250*time.Millisecond), res.ResetTime)
}

func TestDecideRejectsShortReply(t *testing.T) {
	_, err := decide([]any{int64(1)}, 1, 1)
	assert.Error(t, err)
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, 10*time.Second, defaultBucketTTL(1, 5))
	assert.Equal(t, time.Second, defaultBucketTTL(100, 1))
	assert.Equal(t, time.Second, defaultBucketTTL(0, 1))
}

func TestNilBucketIsNotConfigured(t *testing.T) {
	var bucket *TokenBucket
	_, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewCheckoutLimiter(nil, 1, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNilCheckoutLimiterAdmits(t *testing.T) {
	var limiter *CheckoutLimiter
	res, err := limiter.AllowClient(context.Background(), "client-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
