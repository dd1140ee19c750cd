package domain

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidFamily  = errors.New("webhook_invalid_family")
	ErrFamilyMismatch = errors.New("webhook_family_mismatch")
	ErrSecretMissing  = errors.New("webhook_secret_missing")
	ErrInvalidPayload = errors.New("webhook_invalid_payload")
)

// Family groups gateway event types behind one reconciliation entry point.
type Family string

const (
	FamilyPaymentObject        Family = "payment-object-event"
	FamilyInvoice              Family = "invoice-event"
	FamilyCheckoutSession      Family = "checkout-session-event"
	FamilySubscriptionCanceled Family = "subscription-canceled-event"
)

func ParseFamily(raw string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return "", nil
	case FamilyPaymentObject, FamilyInvoice, FamilyCheckoutSession, FamilySubscriptionCanceled:
		return f, nil
	}
	return "", ErrInvalidFamily
}

// FamilyOf classifies a gateway event type. Unrouted types report false.
func FamilyOf(eventType string) (Family, bool) {
	switch {
	case strings.HasPrefix(eventType, "payment_intent."):
		return FamilyPaymentObject, true
	case strings.HasPrefix(eventType, "invoice."):
		return FamilyInvoice, true
	case strings.HasPrefix(eventType, "checkout.session."):
		return FamilyCheckoutSession, true
	case eventType == "customer.subscription.deleted":
		return FamilySubscriptionCanceled, true
	}
	return "", false
}

// EventRecord is one verified delivery in the webhook event log.
type EventRecord struct {
	ID              int64
	Provider        string
	ProviderEventID string
	EventType       string
	Family          Family
	Account         string
	Payload         []byte
	Attempts        int
	LastError       string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

type Repository interface {
	// Insert stores rec unless the provider event id is already logged, reporting
	// whether a row was written.
	Insert(ctx context.Context, rec *EventRecord) (bool, error)
	Find(ctx context.Context, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, cause error) error
}

// Service authenticates a raw delivery and applies it to the purchase ledger. A nil
// return tells the gateway to stop retrying.
type Service interface {
	Ingest(ctx context.Context, family Family, payload []byte, headers http.Header, fromConnectedAccount bool) error
}
