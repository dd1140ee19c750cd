package ratelimit

import (
	"context"
	"fmt"
	"strings"
)

const keyCheckoutClient = "cohere:ratelimit:checkout:%s"

// CheckoutLimiter caps how often one client may start a checkout.
type CheckoutLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewCheckoutLimiter(bucket *TokenBucket, rate float64, burst int) (*CheckoutLimiter, error) {
	if bucket == nil {
		return nil, ErrNotConfigured
	}
	if rate <= 0 || burst <= 0 {
		return nil, ErrInvalidLimit
	}
	return &CheckoutLimiter{bucket: bucket, rate: rate, burst: burst}, nil
}

// AllowClient always admits when the limiter is nil.
func (l *CheckoutLimiter) AllowClient(ctx context.Context, clientID string) (*Result, error) {
	if l == nil {
		return &Result{Allowed: true}, nil
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return &Result{}, ErrEmptyKey
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyCheckoutClient, clientID), l.rate, l.burst)
}
