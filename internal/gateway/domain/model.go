package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound         = errors.New("gateway_object_not_found")
	ErrInvalidSignature = errors.New("gateway_invalid_signature")
	ErrInvalidPayload   = errors.New("gateway_invalid_payload")
	ErrEventIgnored     = errors.New("gateway_event_ignored")
)

// Error is a failure reported by the gateway. Message is surfaced to callers verbatim.
type Error struct {
	Code        string
	Message     string
	StatusCode  int
	RateLimited bool
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRateLimited reports whether err is a gateway rate-limit response.
func IsRateLimited(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.RateLimited
}

type PaymentIntentStatus string

const (
	IntentRequiresPaymentMethod PaymentIntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  PaymentIntentStatus = "requires_confirmation"
	IntentRequiresAction        PaymentIntentStatus = "requires_action"
	IntentProcessing            PaymentIntentStatus = "processing"
	IntentSucceeded             PaymentIntentStatus = "succeeded"
	IntentCanceled              PaymentIntentStatus = "canceled"
)

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// Metadata keys written on gateway objects so webhooks can be classified without the catalog.
const (
	MetaContributionID = "contributionId"
	MetaPaymentOption  = "paymentOption"
	MetaClientID       = "clientId"
	MetaCouponID       = "couponId"
	MetaBookedClasses  = "bookedClassesIds"
	MetaSplitNumbers   = "splitNumbers"
)

// Amounts are in the currency's smallest unit throughout this package.

type Customer struct {
	ID       string
	Email    string
	Currency string
}

type PaymentIntent struct {
	ID             string
	ClientSecret   string
	CustomerID     string
	Status         PaymentIntentStatus
	Amount         int64
	Currency       string
	Metadata       map[string]string
	LatestChargeID string
	InvoiceID      string
	TransferGroup  string
	Created        time.Time
}

type Charge struct {
	ID                   string
	PaymentIntentID      string
	BalanceTransactionID string
	TransferID           string
	TransferGroup        string
	Amount               int64
	Currency             string
}

type BalanceTransaction struct {
	ID           string
	Amount       int64
	Fee          int64
	Net          int64
	Currency     string
	ExchangeRate decimal.Decimal
}

type Invoice struct {
	ID              string
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	Status          InvoiceStatus
	AmountDue       int64
	AmountPaid      int64
	Currency        string
	Metadata        map[string]string
	PlanID          string
	ProductID       string
	HostedURL       string
}

type Subscription struct {
	ID              string
	CustomerID      string
	Status          string
	Metadata        map[string]string
	PlanID          string
	ProductID       string
	LatestInvoiceID string
	// ClientSecret of the latest invoice's payment intent, when one awaits confirmation.
	ClientSecret    string
	PaymentIntentID string
}

type CheckoutSession struct {
	ID              string
	URL             string
	CustomerID      string
	PaymentIntentID string
	SubscriptionID  string
	Mode            string
	Status          string
	PaymentStatus   string
	Metadata        map[string]string
}

type Transfer struct {
	ID                string
	Amount            int64
	AmountReversed    int64
	Currency          string
	Destination       string
	SourceTransaction string
	TransferGroup     string
}

// Event is a verified webhook envelope with its data object decoded by family.
type Event struct {
	ID      string
	Type    string
	Account string
	Created time.Time

	PaymentIntent   *PaymentIntent
	Invoice         *Invoice
	CheckoutSession *CheckoutSession
	Subscription    *Subscription
}
