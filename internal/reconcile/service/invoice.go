package service

import (
	"context"

	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/internal/reconcile/domain"
	"go.uber.org/zap"
)

func invoiceStatus(eventType string) (purchasedomain.PaymentStatus, bool) {
	switch eventType {
	case "invoice.paid", "invoice.payment_succeeded":
		return purchasedomain.StatusSucceeded, true
	case "invoice.payment_failed":
		return purchasedomain.StatusFailed, true
	case "invoice.voided", "invoice.marked_uncollectible":
		return purchasedomain.StatusCanceled, true
	}
	return "", false
}

// HandleInvoiceEvent reconciles an installment, recurring, or pay-by-invoice payment.
// The full invoice and its payment intent are fetched since the event copy may be stale.
func (s *Service) HandleInvoiceEvent(ctx context.Context, evt gatewaydomain.Event, fromConnectedAccount bool) error {
	if evt.Invoice == nil {
		return domain.Wrap("invoice", gatewaydomain.ErrInvalidPayload)
	}
	status, ok := invoiceStatus(evt.Type)
	if !ok {
		return nil
	}
	account := scope(evt, fromConnectedAccount)
	log := s.log.With(zap.String("event_id", evt.ID), zap.String("invoice_id", evt.Invoice.ID))

	inv, err := s.gateway.GetInvoice(ctx, evt.Invoice.ID, account)
	if err != nil {
		log.Error("fetch invoice failed", zap.Error(err))
		return domain.Wrap("fetch invoice", err)
	}
	if inv.PlanID == "" {
		inv.PlanID = evt.Invoice.PlanID
	}
	if inv.ProductID == "" {
		inv.ProductID = evt.Invoice.ProductID
	}

	var pi gatewaydomain.PaymentIntent
	if inv.PaymentIntentID != "" {
		pi, err = s.gateway.GetPaymentIntent(ctx, inv.PaymentIntentID, account)
		if err != nil {
			log.Error("fetch invoice payment failed", zap.Error(err))
			return domain.Wrap("fetch invoice payment", err)
		}
	}
	var sub gatewaydomain.Subscription
	if inv.SubscriptionID != "" {
		sub, err = s.subscription(ctx, inv.SubscriptionID, account)
		if err != nil {
			log.Error("fetch subscription failed", zap.Error(err))
			return domain.Wrap("fetch subscription", err)
		}
		if inv.PlanID == "" {
			inv.PlanID = sub.PlanID
		}
		if inv.ProductID == "" {
			inv.ProductID = sub.ProductID
		}
	}

	contribution, err := s.resolveContribution(ctx, inv.PlanID, inv.ProductID, pi.Metadata, inv.Metadata, sub.Metadata)
	if err != nil {
		log.Error("resolve contribution failed", zap.Error(err))
		return domain.Wrap("resolve contribution", err)
	}
	option, err := resolveOption(contribution, inv.PlanID, pi.Metadata, sub.Metadata, inv.Metadata)
	if err != nil {
		log.Error("resolve payment option failed", zap.Error(err))
		return domain.Wrap("resolve payment option", err)
	}
	clientID, err := s.resolveClient(ctx, inv.CustomerID, pi.Metadata, inv.Metadata, sub.Metadata)
	if err != nil {
		log.Error("resolve client failed", zap.Error(err))
		return domain.Wrap("resolve client", err)
	}

	txID := inv.PaymentIntentID
	if txID == "" {
		txID = inv.ID
	}
	paidByInvoice := inv.SubscriptionID == "" && !option.IsSubscription()
	if status == purchasedomain.StatusSucceeded && paidByInvoice {
		status = purchasedomain.StatusPaid
	}

	st := settlement{
		contribution:   contribution,
		clientID:       clientID,
		option:         option,
		transactionID:  txID,
		invoiceID:      inv.ID,
		subscriptionID: inv.SubscriptionID,
		status:         status,
		couponID:       metaValue(gatewaydomain.MetaCouponID, pi.Metadata, sub.Metadata, inv.Metadata),
		account:        account,
	}
	if status.IsSettled() && inv.AmountPaid > 0 {
		if err := s.withSnapshot(ctx, &st, inv.PaymentIntentID, pi.LatestChargeID, account); err != nil {
			log.Error("settlement snapshot unavailable", zap.Error(err))
			return domain.Wrap("settlement snapshot", err)
		}
	}
	return s.apply(ctx, st)
}
