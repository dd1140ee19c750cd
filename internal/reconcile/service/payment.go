package service

import (
	"context"

	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/internal/reconcile/domain"
	"go.uber.org/zap"
)

func paymentIntentStatus(eventType string) (purchasedomain.PaymentStatus, bool) {
	switch eventType {
	case "payment_intent.succeeded":
		return purchasedomain.StatusSucceeded, true
	case "payment_intent.processing":
		return purchasedomain.StatusProcessing, true
	case "payment_intent.payment_failed":
		return purchasedomain.StatusFailed, true
	case "payment_intent.canceled":
		return purchasedomain.StatusCanceled, true
	}
	return "", false
}

// HandlePaymentObjectEvent reconciles a one-off payment intent. Intents that belong to an
// invoice are reconciled by the invoice event instead.
func (s *Service) HandlePaymentObjectEvent(ctx context.Context, evt gatewaydomain.Event, fromConnectedAccount bool) error {
	if evt.PaymentIntent == nil {
		return domain.Wrap("payment object", gatewaydomain.ErrInvalidPayload)
	}
	status, ok := paymentIntentStatus(evt.Type)
	if !ok {
		return nil
	}
	pi := *evt.PaymentIntent
	if pi.InvoiceID != "" {
		s.log.Debug("invoice payment left to invoice reconciliation",
			zap.String("transaction_id", pi.ID),
			zap.String("invoice_id", pi.InvoiceID),
		)
		return nil
	}
	account := scope(evt, fromConnectedAccount)
	log := s.log.With(zap.String("event_id", evt.ID), zap.String("transaction_id", pi.ID))

	contribution, err := s.resolveContribution(ctx, "", "", pi.Metadata)
	if err != nil {
		log.Error("resolve contribution failed", zap.Error(err))
		return domain.Wrap("resolve contribution", err)
	}
	option, err := resolveOption(contribution, "", pi.Metadata)
	if err != nil {
		log.Error("resolve payment option failed", zap.Error(err))
		return domain.Wrap("resolve payment option", err)
	}
	clientID, err := s.resolveClient(ctx, pi.CustomerID, pi.Metadata)
	if err != nil {
		log.Error("resolve client failed", zap.Error(err))
		return domain.Wrap("resolve client", err)
	}

	st := settlement{
		contribution:  contribution,
		clientID:      clientID,
		option:        option,
		transactionID: pi.ID,
		status:        status,
		couponID:      pi.Metadata[gatewaydomain.MetaCouponID],
		classIDs:      splitIDs(pi.Metadata[gatewaydomain.MetaBookedClasses]),
		account:       account,
	}
	if status == purchasedomain.StatusSucceeded {
		if err := s.withSnapshot(ctx, &st, pi.ID, pi.LatestChargeID, account); err != nil {
			log.Error("settlement snapshot unavailable", zap.Error(err))
			return domain.Wrap("settlement snapshot", err)
		}
	}
	return s.apply(ctx, st)
}

// withSnapshot attaches the charge and balance transaction, looking up the intent's
// latest charge when the event did not carry it.
func (s *Service) withSnapshot(ctx context.Context, st *settlement, intentID, chargeID, account string) error {
	if chargeID == "" && intentID != "" {
		pi, err := s.gateway.GetPaymentIntent(ctx, intentID, account)
		if err != nil {
			return err
		}
		chargeID = pi.LatestChargeID
	}
	charge, balance, err := s.snapshot(ctx, chargeID, account)
	if err != nil {
		return err
	}
	st.charge = charge
	st.balance = balance
	return nil
}
