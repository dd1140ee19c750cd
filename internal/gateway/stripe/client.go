package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cohere/internal/config"
	"github.com/smallbiznis/cohere/internal/gateway/domain"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// Client implements the gateway port on the Stripe API. Rate-limited calls are retried
// with bounded attempts; every other failure is returned on the first occurrence.
type Client struct {
	api *client.API
	log *zap.Logger
	cfg config.GatewayConfig
}

func NewClient(cfg config.Config, log *zap.Logger) (*Client, error) {
	key := strings.TrimSpace(cfg.Gateway.SecretKey)
	if key == "" {
		return nil, errors.New("stripe secret key is empty")
	}
	api := &client.API{}
	api.Init(key, nil)
	return &Client{api: api, log: log.Named("gateway.stripe"), cfg: cfg.Gateway}, nil
}

func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	attempts := c.cfg.MaxRetries
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		func() error {
			return translate(fn())
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(c.cfg.RetryMaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(domain.IsRateLimited),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("gateway rate limited, retrying",
				zap.String("op", op),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	return err
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return err
	}
	if serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing {
		return domain.ErrNotFound
	}
	return &domain.Error{
		Code:        string(serr.Code),
		Message:     serr.Msg,
		StatusCode:  serr.HTTPStatusCode,
		RateLimited: serr.HTTPStatusCode == http.StatusTooManyRequests || string(serr.Code) == "rate_limit",
	}
}

func newParams(ctx context.Context, p *stripe.Params, account string) {
	p.Context = ctx
	if account != "" {
		p.SetStripeAccount(account)
	}
}

// idempotent attaches a fresh key so a retried create never produces a second object.
func idempotent(p *stripe.Params) {
	p.SetIdempotencyKey(ulid.Make().String())
}

func (c *Client) CreateCustomer(ctx context.Context, in domain.CustomerInput) (domain.Customer, error) {
	params := &stripe.CustomerParams{Metadata: in.Metadata}
	if in.Email != "" {
		params.Email = stripe.String(in.Email)
	}
	if in.Name != "" {
		params.Name = stripe.String(in.Name)
	}
	newParams(ctx, &params.Params, "")
	idempotent(&params.Params)

	var out *stripe.Customer
	err := c.do(ctx, "customers.create", func() (err error) {
		out, err = c.api.Customers.New(params)
		return err
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return domain.Customer{ID: out.ID, Email: out.Email, Currency: strings.ToLower(in.Currency)}, nil
}

func (c *Client) CreatePaymentIntent(ctx context.Context, in domain.PaymentIntentInput) (domain.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(in.Amount),
		Currency: stripe.String(strings.ToLower(in.Currency)),
		Customer: stripe.String(in.CustomerID),
		Metadata: in.Metadata,
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	if in.TransferGroup != "" {
		params.TransferGroup = stripe.String(in.TransferGroup)
	}
	if in.ApplicationFee > 0 && in.ConnectedAccount != "" {
		params.ApplicationFeeAmount = stripe.Int64(in.ApplicationFee)
	}
	newParams(ctx, &params.Params, in.ConnectedAccount)
	idempotent(&params.Params)

	var out *stripe.PaymentIntent
	err := c.do(ctx, "payment_intents.create", func() (err error) {
		out, err = c.api.PaymentIntents.New(params)
		return err
	})
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	return paymentIntentFromStripe(out), nil
}

func (c *Client) UpdatePaymentIntentAmount(ctx context.Context, id string, amount int64, metadata map[string]string, account string) (domain.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Metadata: metadata,
	}
	newParams(ctx, &params.Params, account)

	var out *stripe.PaymentIntent
	err := c.do(ctx, "payment_intents.update", func() (err error) {
		out, err = c.api.PaymentIntents.Update(id, params)
		return err
	})
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	return paymentIntentFromStripe(out), nil
}

func (c *Client) GetPaymentIntent(ctx context.Context, id, account string) (domain.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	newParams(ctx, &params.Params, account)

	var out *stripe.PaymentIntent
	err := c.do(ctx, "payment_intents.get", func() (err error) {
		out, err = c.api.PaymentIntents.Get(id, params)
		return err
	})
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	return paymentIntentFromStripe(out), nil
}

func (c *Client) CancelPaymentIntent(ctx context.Context, id, account string) error {
	params := &stripe.PaymentIntentCancelParams{}
	newParams(ctx, &params.Params, account)
	return c.do(ctx, "payment_intents.cancel", func() error {
		_, err := c.api.PaymentIntents.Cancel(id, params)
		return err
	})
}

func (c *Client) GetCharge(ctx context.Context, id, account string) (domain.Charge, error) {
	params := &stripe.ChargeParams{}
	newParams(ctx, &params.Params, account)

	var out *stripe.Charge
	err := c.do(ctx, "charges.get", func() (err error) {
		out, err = c.api.Charges.Get(id, params)
		return err
	})
	if err != nil {
		return domain.Charge{}, err
	}
	charge := domain.Charge{
		ID:            out.ID,
		Amount:        out.Amount,
		Currency:      string(out.Currency),
		TransferGroup: out.TransferGroup,
	}
	if out.PaymentIntent != nil {
		charge.PaymentIntentID = out.PaymentIntent.ID
	}
	if out.BalanceTransaction != nil {
		charge.BalanceTransactionID = out.BalanceTransaction.ID
	}
	if out.Transfer != nil {
		charge.TransferID = out.Transfer.ID
	}
	return charge, nil
}

func (c *Client) GetBalanceTransaction(ctx context.Context, id, account string) (domain.BalanceTransaction, error) {
	params := &stripe.BalanceTransactionParams{}
	newParams(ctx, &params.Params, account)

	var out *stripe.BalanceTransaction
	err := c.do(ctx, "balance_transactions.get", func() (err error) {
		out, err = c.api.BalanceTransactions.Get(id, params)
		return err
	})
	if err != nil {
		return domain.BalanceTransaction{}, err
	}
	rate := decimal.NewFromInt(1)
	if out.ExchangeRate > 0 {
		rate = decimal.NewFromFloat(out.ExchangeRate)
	}
	return domain.BalanceTransaction{
		ID:           out.ID,
		Amount:       out.Amount,
		Fee:          out.Fee,
		Net:          out.Net,
		Currency:     string(out.Currency),
		ExchangeRate: rate,
	}, nil
}

func (c *Client) CreateSubscription(ctx context.Context, in domain.SubscriptionInput) (domain.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer:        stripe.String(in.CustomerID),
		Items:           []*stripe.SubscriptionItemsParams{{Price: stripe.String(in.PriceID)}},
		PaymentBehavior: stripe.String("default_incomplete"),
		Metadata:        in.Metadata,
	}
	if in.CouponID != "" {
		params.Coupon = stripe.String(in.CouponID)
	}
	if in.CancelAt != nil {
		params.CancelAt = stripe.Int64(in.CancelAt.Unix())
	}
	if in.ApplicationFeePercent > 0 && in.ConnectedAccount != "" {
		params.ApplicationFeePercent = stripe.Float64(in.ApplicationFeePercent)
	}
	if in.TransferDestination != "" {
		params.TransferData = &stripe.SubscriptionTransferDataParams{Destination: stripe.String(in.TransferDestination)}
	}
	newParams(ctx, &params.Params, in.ConnectedAccount)
	params.AddExpand("latest_invoice.payment_intent")
	idempotent(&params.Params)

	var out *stripe.Subscription
	err := c.do(ctx, "subscriptions.create", func() (err error) {
		out, err = c.api.Subscriptions.New(params)
		return err
	})
	if err != nil {
		return domain.Subscription{}, err
	}
	return subscriptionFromStripe(out), nil
}

func (c *Client) GetSubscription(ctx context.Context, id, account string) (domain.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	newParams(ctx, &params.Params, account)
	params.AddExpand("latest_invoice.payment_intent")

	var out *stripe.Subscription
	err := c.do(ctx, "subscriptions.get", func() (err error) {
		out, err = c.api.Subscriptions.Get(id, params)
		return err
	})
	if err != nil {
		return domain.Subscription{}, err
	}
	return subscriptionFromStripe(out), nil
}

func (c *Client) CancelSubscription(ctx context.Context, id, account string) error {
	params := &stripe.SubscriptionCancelParams{}
	newParams(ctx, &params.Params, account)
	return c.do(ctx, "subscriptions.cancel", func() error {
		_, err := c.api.Subscriptions.Cancel(id, params)
		return err
	})
}

func (c *Client) CreateInvoice(ctx context.Context, in domain.InvoiceInput) (domain.Invoice, error) {
	days := in.DaysUntilDue
	if days <= 0 {
		days = 1
	}
	params := &stripe.InvoiceParams{
		Customer:         stripe.String(in.CustomerID),
		CollectionMethod: stripe.String("send_invoice"),
		DaysUntilDue:     stripe.Int64(days),
		AutoAdvance:      stripe.Bool(false),
		Metadata:         in.Metadata,
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	if in.ApplicationFee > 0 && in.ConnectedAccount != "" {
		params.ApplicationFeeAmount = stripe.Int64(in.ApplicationFee)
	}
	newParams(ctx, &params.Params, in.ConnectedAccount)
	idempotent(&params.Params)

	var inv *stripe.Invoice
	err := c.do(ctx, "invoices.create", func() (err error) {
		inv, err = c.api.Invoices.New(params)
		return err
	})
	if err != nil {
		return domain.Invoice{}, err
	}

	item := &stripe.InvoiceItemParams{
		Customer: stripe.String(in.CustomerID),
		Invoice:  stripe.String(inv.ID),
		Amount:   stripe.Int64(in.Amount),
		Currency: stripe.String(strings.ToLower(in.Currency)),
	}
	if in.Description != "" {
		item.Description = stripe.String(in.Description)
	}
	newParams(ctx, &item.Params, in.ConnectedAccount)
	idempotent(&item.Params)
	err = c.do(ctx, "invoice_items.create", func() error {
		_, err := c.api.InvoiceItems.New(item)
		return err
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return c.GetInvoice(ctx, inv.ID, in.ConnectedAccount)
}

func (c *Client) FinalizeInvoice(ctx context.Context, id, account string) (domain.Invoice, error) {
	params := &stripe.InvoiceFinalizeInvoiceParams{}
	newParams(ctx, &params.Params, account)

	var out *stripe.Invoice
	err := c.do(ctx, "invoices.finalize", func() (err error) {
		out, err = c.api.Invoices.FinalizeInvoice(id, params)
		return err
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return invoiceFromStripe(out), nil
}

func (c *Client) VoidInvoice(ctx context.Context, id, account string) error {
	params := &stripe.InvoiceVoidInvoiceParams{}
	newParams(ctx, &params.Params, account)
	return c.do(ctx, "invoices.void", func() error {
		_, err := c.api.Invoices.VoidInvoice(id, params)
		return err
	})
}

func (c *Client) GetInvoice(ctx context.Context, id, account string) (domain.Invoice, error) {
	params := &stripe.InvoiceParams{}
	newParams(ctx, &params.Params, account)

	var out *stripe.Invoice
	err := c.do(ctx, "invoices.get", func() (err error) {
		out, err = c.api.Invoices.Get(id, params)
		return err
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return invoiceFromStripe(out), nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, in domain.CheckoutSessionInput) (domain.CheckoutSession, error) {
	mode := in.Mode
	if mode == "" {
		mode = domain.CheckoutModePayment
	}
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(in.CustomerID),
		Mode:       stripe.String(mode),
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		Metadata:   in.Metadata,
	}
	line := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if in.PriceID != "" {
		line.Price = stripe.String(in.PriceID)
	} else {
		line.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(in.Currency)),
			UnitAmount: stripe.Int64(in.Amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(in.ProductName),
			},
		}
	}
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{line}

	if mode == domain.CheckoutModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: in.Metadata}
	} else {
		intentData := &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: in.Metadata}
		if in.TransferGroup != "" {
			intentData.TransferGroup = stripe.String(in.TransferGroup)
		}
		params.PaymentIntentData = intentData
	}
	if !in.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(in.ExpiresAt.Unix())
	}
	newParams(ctx, &params.Params, "")
	idempotent(&params.Params)

	var out *stripe.CheckoutSession
	err := c.do(ctx, "checkout_sessions.create", func() (err error) {
		out, err = c.api.CheckoutSessions.New(params)
		return err
	})
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	return checkoutSessionFromStripe(out), nil
}

func (c *Client) ExpireCheckoutSession(ctx context.Context, id string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	newParams(ctx, &params.Params, "")
	return c.do(ctx, "checkout_sessions.expire", func() error {
		_, err := c.api.CheckoutSessions.Expire(id, params)
		return err
	})
}

func (c *Client) FindTransferForCharge(ctx context.Context, chargeID, destination string) (domain.Transfer, error) {
	charge, err := c.GetCharge(ctx, chargeID, "")
	if err != nil {
		return domain.Transfer{}, err
	}
	if charge.TransferID != "" {
		t, err := c.getTransfer(ctx, charge.TransferID)
		if err != nil || destination == "" || t.Destination == destination {
			return t, err
		}
	}

	params := &stripe.TransferListParams{}
	if destination != "" {
		params.Destination = stripe.String(destination)
	}
	if charge.TransferGroup != "" {
		params.TransferGroup = stripe.String(charge.TransferGroup)
	}
	params.Context = ctx
	var found *stripe.Transfer
	err = c.do(ctx, "transfers.list", func() error {
		found = nil
		it := c.api.Transfers.List(params)
		for it.Next() {
			t := it.Transfer()
			if t.SourceTransaction != nil && t.SourceTransaction.ID == chargeID {
				found = t
				break
			}
		}
		return it.Err()
	})
	if err != nil {
		return domain.Transfer{}, err
	}
	if found == nil {
		return domain.Transfer{}, domain.ErrNotFound
	}
	return transferFromStripe(found), nil
}

func (c *Client) getTransfer(ctx context.Context, id string) (domain.Transfer, error) {
	params := &stripe.TransferParams{}
	newParams(ctx, &params.Params, "")

	var out *stripe.Transfer
	err := c.do(ctx, "transfers.get", func() (err error) {
		out, err = c.api.Transfers.Get(id, params)
		return err
	})
	if err != nil {
		return domain.Transfer{}, err
	}
	return transferFromStripe(out), nil
}

func (c *Client) CreateTransfer(ctx context.Context, in domain.TransferInput) (domain.Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(in.Amount),
		Currency:    stripe.String(strings.ToLower(in.Currency)),
		Destination: stripe.String(in.Destination),
		Metadata:    in.Metadata,
	}
	if in.SourceTransaction != "" {
		params.SourceTransaction = stripe.String(in.SourceTransaction)
	}
	if in.TransferGroup != "" {
		params.TransferGroup = stripe.String(in.TransferGroup)
	}
	newParams(ctx, &params.Params, "")
	idempotent(&params.Params)

	var out *stripe.Transfer
	err := c.do(ctx, "transfers.create", func() (err error) {
		out, err = c.api.Transfers.New(params)
		return err
	})
	if err != nil {
		return domain.Transfer{}, err
	}
	return transferFromStripe(out), nil
}

func (c *Client) ReverseTransfer(ctx context.Context, transferID string, amount int64) error {
	params := &stripe.TransferReversalParams{
		ID:     stripe.String(transferID),
		Amount: stripe.Int64(amount),
	}
	newParams(ctx, &params.Params, "")
	idempotent(&params.Params)
	return c.do(ctx, "transfer_reversals.create", func() error {
		_, err := c.api.TransferReversals.New(params)
		return err
	})
}

func paymentIntentFromStripe(pi *stripe.PaymentIntent) domain.PaymentIntent {
	out := domain.PaymentIntent{
		ID:            pi.ID,
		ClientSecret:  pi.ClientSecret,
		Status:        domain.PaymentIntentStatus(pi.Status),
		Amount:        pi.Amount,
		Currency:      string(pi.Currency),
		Metadata:      pi.Metadata,
		TransferGroup: pi.TransferGroup,
		Created:       time.Unix(pi.Created, 0).UTC(),
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	if pi.LatestCharge != nil {
		out.LatestChargeID = pi.LatestCharge.ID
	}
	if pi.Invoice != nil {
		out.InvoiceID = pi.Invoice.ID
	}
	return out
}

func subscriptionFromStripe(s *stripe.Subscription) domain.Subscription {
	out := domain.Subscription{
		ID:       s.ID,
		Status:   string(s.Status),
		Metadata: s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		out.PlanID = s.Items.Data[0].Price.ID
		if s.Items.Data[0].Price.Product != nil {
			out.ProductID = s.Items.Data[0].Price.Product.ID
		}
	}
	if s.LatestInvoice != nil {
		out.LatestInvoiceID = s.LatestInvoice.ID
		if pi := s.LatestInvoice.PaymentIntent; pi != nil {
			out.PaymentIntentID = pi.ID
			out.ClientSecret = pi.ClientSecret
		}
	}
	return out
}

func invoiceFromStripe(inv *stripe.Invoice) domain.Invoice {
	out := domain.Invoice{
		ID:         inv.ID,
		Status:     domain.InvoiceStatus(inv.Status),
		AmountDue:  inv.AmountDue,
		AmountPaid: inv.AmountPaid,
		Currency:   string(inv.Currency),
		Metadata:   inv.Metadata,
		HostedURL:  inv.HostedInvoiceURL,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentID = inv.PaymentIntent.ID
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Price == nil {
				continue
			}
			out.PlanID = line.Price.ID
			if line.Price.Product != nil {
				out.ProductID = line.Price.Product.ID
			}
			break
		}
	}
	return out
}

func checkoutSessionFromStripe(s *stripe.CheckoutSession) domain.CheckoutSession {
	out := domain.CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		Mode:          string(s.Mode),
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		Metadata:      s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	return out
}

func transferFromStripe(t *stripe.Transfer) domain.Transfer {
	out := domain.Transfer{
		ID:             t.ID,
		Amount:         t.Amount,
		AmountReversed: t.AmountReversed,
		Currency:       string(t.Currency),
		TransferGroup:  t.TransferGroup,
	}
	if t.Destination != nil {
		out.Destination = t.Destination.ID
	}
	if t.SourceTransaction != nil {
		out.SourceTransaction = t.SourceTransaction.ID
	}
	return out
}
