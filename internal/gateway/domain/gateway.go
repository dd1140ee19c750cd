package domain

import (
	"context"
	"time"
)

type CustomerInput struct {
	Email    string
	Name     string
	Currency string
	Metadata map[string]string
}

type PaymentIntentInput struct {
	CustomerID     string
	Amount         int64
	Currency       string
	Description    string
	Metadata       map[string]string
	TransferGroup  string
	ApplicationFee int64
	// ConnectedAccount creates the intent directly on a payee's standard account.
	ConnectedAccount string
}

type SubscriptionInput struct {
	CustomerID            string
	PriceID               string
	CouponID              string
	Metadata              map[string]string
	CancelAt              *time.Time
	ApplicationFeePercent float64
	TransferDestination   string
	ConnectedAccount      string
}

type InvoiceInput struct {
	CustomerID       string
	Amount           int64
	Currency         string
	Description      string
	DaysUntilDue     int64
	Metadata         map[string]string
	ApplicationFee   int64
	ConnectedAccount string
}

type CheckoutSessionInput struct {
	CustomerID     string
	Mode           string
	Amount         int64
	Currency       string
	ProductName    string
	PriceID        string
	Metadata       map[string]string
	SuccessURL     string
	CancelURL      string
	ExpiresAt      time.Time
	ApplicationFee int64
	TransferGroup  string
}

type TransferInput struct {
	Amount            int64
	Currency          string
	Destination       string
	SourceTransaction string
	TransferGroup     string
	Metadata          map[string]string
}

const (
	CheckoutModePayment      = "payment"
	CheckoutModeSubscription = "subscription"
)

// Gateway is the payment gateway port. account scopes a call to a connected account
// and may be empty for platform objects.
type Gateway interface {
	CreateCustomer(ctx context.Context, in CustomerInput) (Customer, error)

	CreatePaymentIntent(ctx context.Context, in PaymentIntentInput) (PaymentIntent, error)
	UpdatePaymentIntentAmount(ctx context.Context, id string, amount int64, metadata map[string]string, account string) (PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id, account string) (PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id, account string) error

	GetCharge(ctx context.Context, id, account string) (Charge, error)
	GetBalanceTransaction(ctx context.Context, id, account string) (BalanceTransaction, error)

	CreateSubscription(ctx context.Context, in SubscriptionInput) (Subscription, error)
	GetSubscription(ctx context.Context, id, account string) (Subscription, error)
	CancelSubscription(ctx context.Context, id, account string) error

	CreateInvoice(ctx context.Context, in InvoiceInput) (Invoice, error)
	FinalizeInvoice(ctx context.Context, id, account string) (Invoice, error)
	VoidInvoice(ctx context.Context, id, account string) error
	GetInvoice(ctx context.Context, id, account string) (Invoice, error)

	CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, id string) error

	// FindTransferForCharge returns the transfer already made from chargeID to destination,
	// or ErrNotFound.
	FindTransferForCharge(ctx context.Context, chargeID, destination string) (Transfer, error)
	CreateTransfer(ctx context.Context, in TransferInput) (Transfer, error)
	ReverseTransfer(ctx context.Context, transferID string, amount int64) error
}

// WebhookVerifier authenticates and decodes raw webhook deliveries.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string, secret string, now time.Time) error
	Parse(payload []byte) (Event, error)
}
