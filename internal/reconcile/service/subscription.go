package service

import (
	"context"
	"errors"

	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/events"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/internal/reconcile/domain"
	"go.uber.org/zap"
)

// HandleSubscriptionCanceledEvent closes out an ended subscription: open subscription
// packages complete, unpaid payments cancel, and their tentative bookings are released.
func (s *Service) HandleSubscriptionCanceledEvent(ctx context.Context, evt gatewaydomain.Event, fromConnectedAccount bool) error {
	if evt.Subscription == nil {
		return domain.Wrap("subscription", gatewaydomain.ErrInvalidPayload)
	}
	if evt.Type != "customer.subscription.deleted" {
		return nil
	}
	sub := *evt.Subscription
	log := s.log.With(zap.String("event_id", evt.ID), zap.String("subscription_id", sub.ID))
	s.subscriptions.Delete(scope(evt, fromConnectedAccount) + "/" + sub.ID)

	purchase, err := s.purchases.FindBySubscriptionID(ctx, sub.ID)
	if errors.Is(err, purchasedomain.ErrNotFound) {
		log.Info("no purchase bound to canceled subscription")
		return nil
	}
	if err != nil {
		return domain.Wrap("load purchase", err)
	}
	log = log.With(
		zap.String("contribution_id", purchase.ContributionID),
		zap.String("client_id", purchase.ClientID),
	)

	var evts []events.Event
	for i := range purchase.Payments {
		pay := &purchase.Payments[i]
		if pay.Status.IsTerminal() || pay.Status == purchasedomain.StatusProcessing {
			continue
		}
		if !pay.PaymentOption.IsSubscription() {
			continue
		}
		if err := pay.Transition(purchasedomain.StatusCanceled); err != nil {
			return err
		}
		if len(pay.BookedClassesIDs) > 0 {
			evts = append(evts, releaseEvent(purchase, pay.TransactionID, pay.BookedClassesIDs))
			pay.BookedClassesIDs = nil
		}
	}
	if purchase.ContributionType == catalogdomain.ContributionOneToOne {
		evts = append(evts, events.Event{
			Topic: events.TopicPackageComplete,
			Key:   sub.ID,
			Payload: events.PackagePayload{
				ClientID:       purchase.ClientID,
				ContributionID: purchase.ContributionID,
				TransactionID:  sub.ID,
			},
			DedupeKey: "package_complete:" + sub.ID,
		})
	}
	if err := s.save(ctx, purchase, evts, log); err != nil {
		return err
	}
	log.Info("subscription closed", zap.Int("events", len(evts)))
	return nil
}
