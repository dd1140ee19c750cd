package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
)

// FreeGrantSubscriptionID marks a purchase granted by a 100%-off coupon; no gateway
// subscription exists behind it.
const FreeGrantSubscriptionID = "-2"

// FreeGrantTransactionPrefix prefixes synthetic transaction ids of free grants.
const FreeGrantTransactionPrefix = "100_off_"

type PaymentStatus string

const (
	StatusRequiresPaymentMethod PaymentStatus = "RequiresPaymentMethod"
	StatusProcessing            PaymentStatus = "Processing"
	StatusSucceeded             PaymentStatus = "Succeeded"
	StatusPaid                  PaymentStatus = "Paid"
	StatusCanceled              PaymentStatus = "Canceled"
	StatusFailed                PaymentStatus = "Failed"
)

// IsTerminal reports whether no further status change is accepted.
// Failed is not terminal: the client may retry the same payment object.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusPaid || s == StatusCanceled
}

// IsSettled reports whether the payment counts as purchased.
func (s PaymentStatus) IsSettled() bool {
	return s == StatusSucceeded || s == StatusPaid
}

type AffiliateTransfer struct {
	Amount     decimal.Decimal
	IsInEscrow bool
}

// BalanceSnapshot is the payee-side record of what the gateway actually settled.
type BalanceSnapshot struct {
	Amount       decimal.Decimal
	Fee          decimal.Decimal
	Net          decimal.Decimal
	Currency     string
	ExchangeRate decimal.Decimal
}

type Payment struct {
	TransactionID       string
	PaymentOption       catalogdomain.PaymentOption
	Status              PaymentStatus
	PurchaseAmount      decimal.Decimal
	GrossPurchaseAmount decimal.Decimal
	TransferAmount      decimal.Decimal
	ProcessingFee       decimal.Decimal
	CoachFee            decimal.Decimal
	ClientFee           decimal.Decimal
	CohereFee           decimal.Decimal
	TotalCost           decimal.Decimal
	Currency            string
	PurchaseCurrency    string
	ExchangeRate        decimal.Decimal
	IsInEscrow          bool
	IsAccessRevoked     bool
	BookedClassesIDs    []string
	// InvoiceID is set for payments settled through a gateway invoice.
	InvoiceID                     string
	AffiliateRevenueTransfer      *AffiliateTransfer
	DestinationBalanceTransaction *BalanceSnapshot
	DateTimeCharged               time.Time
}

// Transition moves the payment to status. Re-applying the current status is a no-op.
func (p *Payment) Transition(to PaymentStatus) error {
	if p.Status == to {
		return nil
	}
	if p.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	p.Status = to
	return nil
}

// ReleaseEscrow clears the escrow flags and reports whether anything changed.
func (p *Payment) ReleaseEscrow() bool {
	changed := p.IsInEscrow
	p.IsInEscrow = false
	if p.AffiliateRevenueTransfer != nil && p.AffiliateRevenueTransfer.IsInEscrow {
		p.AffiliateRevenueTransfer.IsInEscrow = false
		changed = true
	}
	return changed
}

func (p Payment) CoversClass(classID string) bool {
	for _, id := range p.BookedClassesIDs {
		if id == classID {
			return true
		}
	}
	return false
}

func (p Payment) IsFreeGrant() bool {
	return strings.HasPrefix(p.TransactionID, FreeGrantTransactionPrefix)
}

// Purchase is the ledger of one client's payments for one contribution.
type Purchase struct {
	ID                    string
	ClientID              string
	ContributorID         string
	ContributionID        string
	ContributionType      catalogdomain.ContributionType
	PaymentType           catalogdomain.PaymentType
	SubscriptionID        string
	CouponID              string
	SplitNumbers          int
	IsFirstPaymentHandled bool
	IsPaidByInvoice       bool
	Payments              []Payment
	// Version is the optimistic concurrency token. Zero means not yet stored.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Purchase) IsNew() bool {
	return p.Version == 0
}

// FindPayment returns a pointer into Payments so callers can mutate in place.
func (p *Purchase) FindPayment(transactionID string) (*Payment, bool) {
	for i := range p.Payments {
		if p.Payments[i].TransactionID == transactionID {
			return &p.Payments[i], true
		}
	}
	return nil, false
}

// LatestPending returns the newest payment for option still awaiting a payment method.
func (p *Purchase) LatestPending(option catalogdomain.PaymentOption) (*Payment, bool) {
	for i := len(p.Payments) - 1; i >= 0; i-- {
		pay := &p.Payments[i]
		if pay.PaymentOption == option && pay.Status == StatusRequiresPaymentMethod {
			return pay, true
		}
	}
	return nil, false
}

// AppendPayment adds a payment, rejecting a second entry for the same transaction and a
// second awaiting-payment entry for the same option.
func (p *Purchase) AppendPayment(pay Payment) error {
	if strings.TrimSpace(pay.TransactionID) == "" {
		return ErrInvalidPayment
	}
	if _, ok := p.FindPayment(pay.TransactionID); ok {
		return ErrDuplicateTransaction
	}
	if pay.Status == StatusRequiresPaymentMethod {
		if _, ok := p.LatestPending(pay.PaymentOption); ok {
			return ErrDuplicatePending
		}
	}
	p.Payments = append(p.Payments, pay)
	return nil
}

func (p *Purchase) HasFreeGrant() bool {
	for _, pay := range p.Payments {
		if pay.IsFreeGrant() {
			return true
		}
	}
	return false
}

// IsPurchased reports whether any payment settled and kept access.
func (p *Purchase) IsPurchased() bool {
	for _, pay := range p.Payments {
		if pay.Status.IsSettled() && !pay.IsAccessRevoked {
			return true
		}
	}
	return false
}

// HasProcessing reports whether a submitted payment is still unconfirmed.
func (p *Purchase) HasProcessing() bool {
	for _, pay := range p.Payments {
		if pay.Status == StatusProcessing {
			return true
		}
	}
	return false
}

// MarkFirstPaymentHandled flips the flag once and reports whether this call flipped it.
func (p *Purchase) MarkFirstPaymentHandled() bool {
	if p.IsFirstPaymentHandled {
		return false
	}
	p.IsFirstPaymentHandled = true
	return true
}

// ReleaseEscrow clears escrow on every payment authorizing classID and returns how many changed.
func (p *Purchase) ReleaseEscrow(classID string) int {
	n := 0
	for i := range p.Payments {
		if p.Payments[i].CoversClass(classID) && p.Payments[i].ReleaseEscrow() {
			n++
		}
	}
	return n
}

// SetCouponIfEmpty records the coupon used unless one was already stored.
func (p *Purchase) SetCouponIfEmpty(couponID string) {
	if p.CouponID == "" && strings.TrimSpace(couponID) != "" {
		p.CouponID = strings.TrimSpace(couponID)
	}
}
