package service

import (
	"context"
	"errors"

	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/internal/reconcile/domain"
	"go.uber.org/zap"
)

// HandleCheckoutSessionEvent records the outcome of a hosted checkout. Subscription-mode
// sessions only bind the subscription id; their invoices carry the payments.
func (s *Service) HandleCheckoutSessionEvent(ctx context.Context, evt gatewaydomain.Event, fromConnectedAccount bool) error {
	if evt.CheckoutSession == nil {
		return domain.Wrap("checkout session", gatewaydomain.ErrInvalidPayload)
	}
	session := *evt.CheckoutSession
	account := scope(evt, fromConnectedAccount)
	log := s.log.With(zap.String("event_id", evt.ID), zap.String("session_id", session.ID))

	var status purchasedomain.PaymentStatus
	switch evt.Type {
	case "checkout.session.completed":
		status = purchasedomain.StatusProcessing
		if session.PaymentStatus == "paid" || session.PaymentStatus == "no_payment_required" {
			status = purchasedomain.StatusSucceeded
		}
	case "checkout.session.async_payment_succeeded":
		status = purchasedomain.StatusSucceeded
	case "checkout.session.async_payment_failed":
		status = purchasedomain.StatusFailed
	default:
		return nil
	}

	contribution, err := s.resolveContribution(ctx, "", "", session.Metadata)
	if err != nil {
		log.Error("resolve contribution failed", zap.Error(err))
		return domain.Wrap("resolve contribution", err)
	}
	clientID, err := s.resolveClient(ctx, session.CustomerID, session.Metadata)
	if err != nil {
		log.Error("resolve client failed", zap.Error(err))
		return domain.Wrap("resolve client", err)
	}

	if session.Mode == gatewaydomain.CheckoutModeSubscription {
		return s.bindSubscription(ctx, contribution.ID, clientID, session.SubscriptionID, log)
	}

	option, err := resolveOption(contribution, "", session.Metadata)
	if err != nil {
		log.Error("resolve payment option failed", zap.Error(err))
		return domain.Wrap("resolve payment option", err)
	}
	if session.PaymentIntentID == "" {
		return domain.Wrap("checkout session", errors.New("checkout_session_without_payment"))
	}
	st := settlement{
		contribution:  contribution,
		clientID:      clientID,
		option:        option,
		transactionID: session.PaymentIntentID,
		status:        status,
		couponID:      session.Metadata[gatewaydomain.MetaCouponID],
		account:       account,
	}
	if status == purchasedomain.StatusSucceeded {
		if err := s.withSnapshot(ctx, &st, session.PaymentIntentID, "", account); err != nil {
			log.Error("settlement snapshot unavailable", zap.Error(err))
			return domain.Wrap("settlement snapshot", err)
		}
	}
	return s.apply(ctx, st)
}

func (s *Service) bindSubscription(ctx context.Context, contributionID, clientID, subscriptionID string, log *zap.Logger) error {
	if subscriptionID == "" {
		return nil
	}
	contribution, err := s.catalog.GetContribution(ctx, contributionID)
	if err != nil {
		return domain.Wrap("load contribution", err)
	}
	purchase, err := s.loadPurchase(ctx, settlement{contribution: contribution, clientID: clientID, subscriptionID: subscriptionID})
	if err != nil {
		return domain.Wrap("load purchase", err)
	}
	if purchase.SubscriptionID == subscriptionID && !purchase.IsNew() {
		return nil
	}
	purchase.SubscriptionID = subscriptionID
	return s.save(ctx, purchase, nil, log)
}
