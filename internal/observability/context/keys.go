package context

import "context"

type contextKey string

const (
	requestIDKey      contextKey = "observability_request_id"
	clientIDKey       contextKey = "observability_client_id"
	contributionIDKey contextKey = "observability_contribution_id"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithPurchase tags the context with the client and contribution a purchase flow acts on.
func WithPurchase(ctx context.Context, clientID, contributionID string) context.Context {
	if ctx == nil {
		return ctx
	}
	if clientID != "" {
		ctx = context.WithValue(ctx, clientIDKey, clientID)
	}
	if contributionID != "" {
		ctx = context.WithValue(ctx, contributionIDKey, contributionID)
	}
	return ctx
}

func PurchaseFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	clientID, _ := ctx.Value(clientIDKey).(string)
	contributionID, _ := ctx.Value(contributionIDKey).(string)
	return clientID, contributionID
}
