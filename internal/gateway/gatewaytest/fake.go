// Package gatewaytest provides an in-memory payment gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cohere/internal/gateway/domain"
)

// Fake records every call and keeps gateway objects in memory. Errors set in Fail
// are returned by the named operation until cleared.
type Fake struct {
	mu  sync.Mutex
	seq int

	Customers     map[string]domain.Customer
	Intents       map[string]*domain.PaymentIntent
	Charges       map[string]*domain.Charge
	Balances      map[string]domain.BalanceTransaction
	Subscriptions map[string]*domain.Subscription
	Invoices      map[string]*domain.Invoice
	Sessions      map[string]*domain.CheckoutSession
	Transfers     map[string]*domain.Transfer

	// IntentAccounts tracks the connected account each intent was created on.
	IntentAccounts map[string]string

	Calls []string
	Fail  map[string]error

	// FeeRate is applied to charges created by Succeed to compute the gateway fee.
	FeeRate decimal.Decimal
}

var _ domain.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Customers:      map[string]domain.Customer{},
		Intents:        map[string]*domain.PaymentIntent{},
		Charges:        map[string]*domain.Charge{},
		Balances:       map[string]domain.BalanceTransaction{},
		Subscriptions:  map[string]*domain.Subscription{},
		Invoices:       map[string]*domain.Invoice{},
		Sessions:       map[string]*domain.CheckoutSession{},
		Transfers:      map[string]*domain.Transfer{},
		IntentAccounts: map[string]string{},
		Fail:           map[string]error{},
		FeeRate:        decimal.RequireFromString("0.029"),
	}
}

func (f *Fake) record(op string) error {
	f.Calls = append(f.Calls, op)
	return f.Fail[op]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

// CallCount returns how many times op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
}

// Succeed marks an intent succeeded and creates its charge and balance transaction.
func (f *Fake) Succeed(intentID string) domain.PaymentIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	pi := f.Intents[intentID]
	if pi == nil {
		return domain.PaymentIntent{}
	}
	pi.Status = domain.IntentSucceeded
	if pi.LatestChargeID == "" {
		fee := f.FeeRate.Mul(decimal.NewFromInt(pi.Amount)).Round(0).IntPart()
		bt := domain.BalanceTransaction{
			ID:           f.nextID("txn"),
			Amount:       pi.Amount,
			Fee:          fee,
			Net:          pi.Amount - fee,
			Currency:     pi.Currency,
			ExchangeRate: decimal.NewFromInt(1),
		}
		f.Balances[bt.ID] = bt
		ch := &domain.Charge{
			ID:                   f.nextID("ch"),
			PaymentIntentID:      pi.ID,
			BalanceTransactionID: bt.ID,
			TransferGroup:        pi.TransferGroup,
			Amount:               pi.Amount,
			Currency:             pi.Currency,
		}
		f.Charges[ch.ID] = ch
		pi.LatestChargeID = ch.ID
	}
	return *pi
}

func (f *Fake) SetIntentStatus(intentID string, status domain.PaymentIntentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pi := f.Intents[intentID]; pi != nil {
		pi.Status = status
	}
}

func (f *Fake) CreateCustomer(_ context.Context, in domain.CustomerInput) (domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateCustomer"); err != nil {
		return domain.Customer{}, err
	}
	c := domain.Customer{ID: f.nextID("cus"), Email: in.Email, Currency: in.Currency}
	f.Customers[c.ID] = c
	return c, nil
}

func (f *Fake) CreatePaymentIntent(_ context.Context, in domain.PaymentIntentInput) (domain.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreatePaymentIntent"); err != nil {
		return domain.PaymentIntent{}, err
	}
	id := f.nextID("pi")
	pi := &domain.PaymentIntent{
		ID:            id,
		ClientSecret:  id + "_secret",
		CustomerID:    in.CustomerID,
		Status:        domain.IntentRequiresPaymentMethod,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Metadata:      copyMeta(in.Metadata),
		TransferGroup: in.TransferGroup,
		Created:       time.Now().UTC(),
	}
	f.Intents[id] = pi
	f.IntentAccounts[id] = in.ConnectedAccount
	return *pi, nil
}

func (f *Fake) UpdatePaymentIntentAmount(_ context.Context, id string, amount int64, metadata map[string]string, _ string) (domain.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdatePaymentIntentAmount"); err != nil {
		return domain.PaymentIntent{}, err
	}
	pi := f.Intents[id]
	if pi == nil {
		return domain.PaymentIntent{}, domain.ErrNotFound
	}
	pi.Amount = amount
	for k, v := range metadata {
		if pi.Metadata == nil {
			pi.Metadata = map[string]string{}
		}
		pi.Metadata[k] = v
	}
	return *pi, nil
}

func (f *Fake) GetPaymentIntent(_ context.Context, id, _ string) (domain.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPaymentIntent"); err != nil {
		return domain.PaymentIntent{}, err
	}
	pi := f.Intents[id]
	if pi == nil {
		return domain.PaymentIntent{}, domain.ErrNotFound
	}
	return *pi, nil
}

func (f *Fake) CancelPaymentIntent(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CancelPaymentIntent"); err != nil {
		return err
	}
	pi := f.Intents[id]
	if pi == nil {
		return domain.ErrNotFound
	}
	pi.Status = domain.IntentCanceled
	return nil
}

func (f *Fake) GetCharge(_ context.Context, id, _ string) (domain.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetCharge"); err != nil {
		return domain.Charge{}, err
	}
	ch := f.Charges[id]
	if ch == nil {
		return domain.Charge{}, domain.ErrNotFound
	}
	return *ch, nil
}

func (f *Fake) GetBalanceTransaction(_ context.Context, id, _ string) (domain.BalanceTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetBalanceTransaction"); err != nil {
		return domain.BalanceTransaction{}, err
	}
	bt, ok := f.Balances[id]
	if !ok {
		return domain.BalanceTransaction{}, domain.ErrNotFound
	}
	return bt, nil
}

func (f *Fake) CreateSubscription(_ context.Context, in domain.SubscriptionInput) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateSubscription"); err != nil {
		return domain.Subscription{}, err
	}
	piID := f.nextID("pi")
	f.Intents[piID] = &domain.PaymentIntent{
		ID:           piID,
		ClientSecret: piID + "_secret",
		CustomerID:   in.CustomerID,
		Status:       domain.IntentRequiresPaymentMethod,
		Metadata:     copyMeta(in.Metadata),
		Created:      time.Now().UTC(),
	}
	inv := &domain.Invoice{
		ID:              f.nextID("in"),
		CustomerID:      in.CustomerID,
		PaymentIntentID: piID,
		Status:          domain.InvoiceOpen,
		PlanID:          in.PriceID,
		Metadata:        copyMeta(in.Metadata),
	}
	sub := &domain.Subscription{
		ID:              f.nextID("sub"),
		CustomerID:      in.CustomerID,
		Status:          "incomplete",
		Metadata:        copyMeta(in.Metadata),
		PlanID:          in.PriceID,
		LatestInvoiceID: inv.ID,
		ClientSecret:    piID + "_secret",
		PaymentIntentID: piID,
	}
	inv.SubscriptionID = sub.ID
	f.Intents[piID].InvoiceID = inv.ID
	f.Invoices[inv.ID] = inv
	f.Subscriptions[sub.ID] = sub
	f.IntentAccounts[piID] = in.ConnectedAccount
	return *sub, nil
}

func (f *Fake) GetSubscription(_ context.Context, id, _ string) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetSubscription"); err != nil {
		return domain.Subscription{}, err
	}
	sub := f.Subscriptions[id]
	if sub == nil {
		return domain.Subscription{}, domain.ErrNotFound
	}
	return *sub, nil
}

func (f *Fake) CancelSubscription(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CancelSubscription"); err != nil {
		return err
	}
	sub := f.Subscriptions[id]
	if sub == nil {
		return domain.ErrNotFound
	}
	sub.Status = "canceled"
	return nil
}

func (f *Fake) CreateInvoice(_ context.Context, in domain.InvoiceInput) (domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateInvoice"); err != nil {
		return domain.Invoice{}, err
	}
	inv := &domain.Invoice{
		ID:         f.nextID("in"),
		CustomerID: in.CustomerID,
		Status:     domain.InvoiceDraft,
		AmountDue:  in.Amount,
		Currency:   in.Currency,
		Metadata:   copyMeta(in.Metadata),
	}
	f.Invoices[inv.ID] = inv
	return *inv, nil
}

func (f *Fake) FinalizeInvoice(_ context.Context, id, account string) (domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FinalizeInvoice"); err != nil {
		return domain.Invoice{}, err
	}
	inv := f.Invoices[id]
	if inv == nil {
		return domain.Invoice{}, domain.ErrNotFound
	}
	inv.Status = domain.InvoiceOpen
	if inv.PaymentIntentID == "" {
		piID := f.nextID("pi")
		f.Intents[piID] = &domain.PaymentIntent{
			ID:           piID,
			ClientSecret: piID + "_secret",
			CustomerID:   inv.CustomerID,
			Status:       domain.IntentRequiresPaymentMethod,
			Amount:       inv.AmountDue,
			Currency:     inv.Currency,
			Metadata:     copyMeta(inv.Metadata),
			InvoiceID:    inv.ID,
			Created:      time.Now().UTC(),
		}
		f.IntentAccounts[piID] = account
		inv.PaymentIntentID = piID
	}
	inv.HostedURL = "https://invoice.example/" + inv.ID
	return *inv, nil
}

func (f *Fake) VoidInvoice(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("VoidInvoice"); err != nil {
		return err
	}
	inv := f.Invoices[id]
	if inv == nil {
		return domain.ErrNotFound
	}
	inv.Status = domain.InvoiceVoid
	return nil
}

func (f *Fake) GetInvoice(_ context.Context, id, _ string) (domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetInvoice"); err != nil {
		return domain.Invoice{}, err
	}
	inv := f.Invoices[id]
	if inv == nil {
		return domain.Invoice{}, domain.ErrNotFound
	}
	return *inv, nil
}

func (f *Fake) CreateCheckoutSession(_ context.Context, in domain.CheckoutSessionInput) (domain.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateCheckoutSession"); err != nil {
		return domain.CheckoutSession{}, err
	}
	cs := &domain.CheckoutSession{
		ID:         f.nextID("cs"),
		CustomerID: in.CustomerID,
		Mode:       in.Mode,
		Status:     "open",
		Metadata:   copyMeta(in.Metadata),
	}
	cs.URL = "https://checkout.example/" + cs.ID
	f.Sessions[cs.ID] = cs
	return *cs, nil
}

func (f *Fake) ExpireCheckoutSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ExpireCheckoutSession"); err != nil {
		return err
	}
	cs := f.Sessions[id]
	if cs == nil {
		return domain.ErrNotFound
	}
	cs.Status = "expired"
	return nil
}

func (f *Fake) FindTransferForCharge(_ context.Context, chargeID, destination string) (domain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FindTransferForCharge"); err != nil {
		return domain.Transfer{}, err
	}
	for _, t := range f.Transfers {
		if t.SourceTransaction == chargeID && (destination == "" || t.Destination == destination) {
			return *t, nil
		}
	}
	return domain.Transfer{}, domain.ErrNotFound
}

func (f *Fake) CreateTransfer(_ context.Context, in domain.TransferInput) (domain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateTransfer"); err != nil {
		return domain.Transfer{}, err
	}
	t := &domain.Transfer{
		ID:                f.nextID("tr"),
		Amount:            in.Amount,
		Currency:          in.Currency,
		Destination:       in.Destination,
		SourceTransaction: in.SourceTransaction,
		TransferGroup:     in.TransferGroup,
	}
	f.Transfers[t.ID] = t
	if ch := f.Charges[in.SourceTransaction]; ch != nil && ch.TransferID == "" {
		ch.TransferID = t.ID
	}
	return *t, nil
}

func (f *Fake) ReverseTransfer(_ context.Context, transferID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ReverseTransfer"); err != nil {
		return err
	}
	t := f.Transfers[transferID]
	if t == nil {
		return domain.ErrNotFound
	}
	t.AmountReversed += amount
	return nil
}

func copyMeta(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
