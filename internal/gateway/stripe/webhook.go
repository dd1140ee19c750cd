package stripe

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/cohere/internal/gateway/domain"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Webhook verifies Stripe-Signature headers and decodes event envelopes.
type Webhook struct {
	tolerance time.Duration
}

func NewWebhook(tolerance time.Duration) *Webhook {
	return &Webhook{tolerance: tolerance}
}

// Verify checks the v1 signature with stripe-go and the timestamp against now, so the
// tolerance window follows the service clock rather than the wall clock.
func (w *Webhook) Verify(payload []byte, header string, secret string, now time.Time) error {
	header = strings.TrimSpace(header)
	secret = strings.TrimSpace(secret)
	if header == "" || secret == "" {
		return domain.ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, secret); err != nil {
		return domain.ErrInvalidSignature
	}
	if w.tolerance <= 0 {
		return nil
	}
	signedAt, ok := signatureTimestamp(header)
	if !ok {
		return domain.ErrInvalidSignature
	}
	if age := now.Sub(signedAt); age > w.tolerance || age < -w.tolerance {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign builds a Stripe-Signature header value. Used by tests and local tooling.
func Sign(payload []byte, secret string, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}

func (w *Webhook) Parse(payload []byte) (domain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Event{}, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return domain.Event{}, domain.ErrInvalidPayload
	}

	out := domain.Event{
		ID:      event.ID,
		Type:    event.Type,
		Account: strings.TrimSpace(event.Account),
		Created: time.Unix(event.Created, 0).UTC(),
	}

	switch {
	case strings.HasPrefix(event.Type, "payment_intent."):
		var pi stripePaymentIntent
		if err := json.Unmarshal(event.Data.Object, &pi); err != nil || pi.ID == "" {
			return domain.Event{}, domain.ErrInvalidPayload
		}
		out.PaymentIntent = &domain.PaymentIntent{
			ID:             pi.ID,
			ClientSecret:   pi.ClientSecret,
			CustomerID:     pi.Customer,
			Status:         domain.PaymentIntentStatus(pi.Status),
			Amount:         pi.Amount,
			Currency:       pi.Currency,
			Metadata:       pi.Metadata,
			LatestChargeID: pi.LatestCharge,
			InvoiceID:      pi.Invoice,
			TransferGroup:  pi.TransferGroup,
			Created:        time.Unix(pi.Created, 0).UTC(),
		}
	case strings.HasPrefix(event.Type, "invoice."):
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &inv); err != nil || inv.ID == "" {
			return domain.Event{}, domain.ErrInvalidPayload
		}
		out.Invoice = &domain.Invoice{
			ID:              inv.ID,
			CustomerID:      inv.Customer,
			SubscriptionID:  inv.Subscription,
			PaymentIntentID: inv.PaymentIntent,
			Status:          domain.InvoiceStatus(inv.Status),
			AmountDue:       inv.AmountDue,
			AmountPaid:      inv.AmountPaid,
			Currency:        inv.Currency,
			Metadata:        inv.Metadata,
			HostedURL:       inv.HostedInvoiceURL,
		}
		for _, line := range inv.Lines.Data {
			if line.Price.ID != "" {
				out.Invoice.PlanID = line.Price.ID
				out.Invoice.ProductID = line.Price.Product
				break
			}
		}
	case strings.HasPrefix(event.Type, "checkout.session."):
		var cs stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Object, &cs); err != nil || cs.ID == "" {
			return domain.Event{}, domain.ErrInvalidPayload
		}
		out.CheckoutSession = &domain.CheckoutSession{
			ID:              cs.ID,
			URL:             cs.URL,
			CustomerID:      cs.Customer,
			PaymentIntentID: cs.PaymentIntent,
			SubscriptionID:  cs.Subscription,
			Mode:            cs.Mode,
			Status:          cs.Status,
			PaymentStatus:   cs.PaymentStatus,
			Metadata:        cs.Metadata,
		}
	case strings.HasPrefix(event.Type, "customer.subscription."):
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil || sub.ID == "" {
			return domain.Event{}, domain.ErrInvalidPayload
		}
		out.Subscription = &domain.Subscription{
			ID:              sub.ID,
			CustomerID:      sub.Customer,
			Status:          sub.Status,
			Metadata:        sub.Metadata,
			LatestInvoiceID: sub.LatestInvoice,
		}
		if len(sub.Items.Data) > 0 {
			out.Subscription.PlanID = sub.Items.Data[0].Price.ID
			out.Subscription.ProductID = sub.Items.Data[0].Price.Product
		}
	default:
		return domain.Event{}, domain.ErrEventIgnored
	}
	return out, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Account string          `json:"account"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID            string            `json:"id"`
	ClientSecret  string            `json:"client_secret"`
	Customer      string            `json:"customer"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
	LatestCharge  string            `json:"latest_charge"`
	Invoice       string            `json:"invoice"`
	TransferGroup string            `json:"transfer_group"`
	Created       int64             `json:"created"`
}

type stripePrice struct {
	ID      string `json:"id"`
	Product string `json:"product"`
}

type stripeInvoice struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Subscription     string            `json:"subscription"`
	PaymentIntent    string            `json:"payment_intent"`
	Status           string            `json:"status"`
	AmountDue        int64             `json:"amount_due"`
	AmountPaid       int64             `json:"amount_paid"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	HostedInvoiceURL string            `json:"hosted_invoice_url"`
	Lines            struct {
		Data []struct {
			Price stripePrice `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Customer      string            `json:"customer"`
	PaymentIntent string            `json:"payment_intent"`
	Subscription  string            `json:"subscription"`
	Mode          string            `json:"mode"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata"`
	LatestInvoice string            `json:"latest_invoice"`
	Items         struct {
		Data []struct {
			Price stripePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func signatureTimestamp(header string) (time.Time, bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || key != "t" {
			continue
		}
		unix, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(unix, 0), true
	}
	return time.Time{}, false
}
