package domain

import (
	"context"

	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/events"
)

type Request struct {
	ContributionID string
	ClientID       string
	PaymentOption  catalogdomain.PaymentOption
	CouponID       string
	AccessCode     string
	// SlotIDs are the availability times to hold for a per-session purchase.
	SlotIDs []string
	// PayByInvoice settles an entire-course purchase through a gateway invoice.
	PayByInvoice bool
}

type ResultKind string

const (
	ResultPaymentSecret ResultKind = "payment_secret"
	ResultSubscription  ResultKind = "subscription"
	ResultInvoice       ResultKind = "invoice"
	ResultRedirect      ResultKind = "redirect"
	ResultFreeGrant     ResultKind = "free_grant"
)

// Result is the handle the client needs to finish paying, or the free-grant confirmation.
type Result struct {
	Kind              ResultKind
	PurchaseID        string
	TransactionID     string
	ClientSecret      string
	SubscriptionID    string
	InvoiceID         string
	RedirectURL       string
	Amount            decimal.Decimal
	Currency          string
	BookedClassesIDs  []string
	PaymentObjectType string
}

// Object types carried by cancellation jobs.
const (
	ObjectPaymentIntent   = "payment_intent"
	ObjectSubscription    = "subscription"
	ObjectInvoice         = "invoice"
	ObjectCheckoutSession = "checkout_session"
)

type Service interface {
	PurchaseOneToOneSession(ctx context.Context, req Request) (Result, error)
	PurchaseSessionsPackage(ctx context.Context, req Request) (Result, error)
	PurchaseMonthlySessionSubscription(ctx context.Context, req Request) (Result, error)
	PurchaseCourse(ctx context.Context, req Request) (Result, error)
	PurchaseMembership(ctx context.Context, req Request) (Result, error)
	CreateCheckoutSession(ctx context.Context, req Request) (Result, error)
	JoinFree(ctx context.Context, req Request) (Result, error)
	GrantFree(ctx context.Context, grant Grant) (Result, error)
	CancelUnpaid(ctx context.Context, job events.CancelUnpaidPayload) error
	SweepUnpaid(ctx context.Context, limit int) (int, error)
	EnsureCustomerForCurrency(ctx context.Context, clientID, currency string) (string, error)
}

// Grant requests a zero-amount enrollment that bypasses the gateway.
type Grant struct {
	ContributionID string
	ClientID       string
	PaymentOption  catalogdomain.PaymentOption
	CouponID       string
	Reason         string
}

const (
	GrantReasonCoupon     = "coupon"
	GrantReasonAccessCode = "access_code"
	GrantReasonFreeOption = "free_option"
)
