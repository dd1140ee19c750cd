package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/events"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"go.uber.org/zap"
)

var errUnknownObjectType = errors.New("cancel_unknown_object_type")

// CancelUnpaid releases a payment object that was not paid within the session lifetime.
// An object that settled or is processing in the meantime is left alone.
func (s *Service) CancelUnpaid(ctx context.Context, job events.CancelUnpaidPayload) error {
	log := s.log.With(
		zap.String("object_type", job.ObjectType),
		zap.String("object_id", job.ObjectID),
		zap.String("client_id", job.ClientID),
		zap.String("contribution_id", job.ContributionID),
	)

	var match func(purchasedomain.Payment) bool
	switch job.ObjectType {
	case domain.ObjectPaymentIntent:
		pi, err := s.gateway.GetPaymentIntent(ctx, job.ObjectID, job.ConnectedAccount)
		if err != nil && !errors.Is(err, gatewaydomain.ErrNotFound) {
			return err
		}
		if err == nil {
			switch pi.Status {
			case gatewaydomain.IntentSucceeded, gatewaydomain.IntentProcessing:
				log.Debug("payment intent progressed, nothing to cancel", zap.String("status", string(pi.Status)))
				return nil
			case gatewaydomain.IntentCanceled:
			default:
				if err := s.gateway.CancelPaymentIntent(ctx, pi.ID, job.ConnectedAccount); err != nil {
					return err
				}
			}
		}
		match = func(p purchasedomain.Payment) bool { return p.TransactionID == job.ObjectID }

	case domain.ObjectSubscription:
		sub, err := s.gateway.GetSubscription(ctx, job.ObjectID, job.ConnectedAccount)
		if err != nil {
			if errors.Is(err, gatewaydomain.ErrNotFound) {
				return nil
			}
			return err
		}
		switch sub.Status {
		case "incomplete":
			if err := s.gateway.CancelSubscription(ctx, sub.ID, job.ConnectedAccount); err != nil {
				return err
			}
		case "canceled", "incomplete_expired":
		default:
			log.Debug("subscription progressed, nothing to cancel", zap.String("status", sub.Status))
			return nil
		}
		match = func(p purchasedomain.Payment) bool {
			return (sub.PaymentIntentID != "" && p.TransactionID == sub.PaymentIntentID) ||
				(sub.LatestInvoiceID != "" && (p.InvoiceID == sub.LatestInvoiceID || p.TransactionID == sub.LatestInvoiceID))
		}

	case domain.ObjectInvoice:
		inv, err := s.gateway.GetInvoice(ctx, job.ObjectID, job.ConnectedAccount)
		if err != nil {
			if errors.Is(err, gatewaydomain.ErrNotFound) {
				return nil
			}
			return err
		}
		switch inv.Status {
		case gatewaydomain.InvoiceOpen:
			if err := s.gateway.VoidInvoice(ctx, inv.ID, job.ConnectedAccount); err != nil {
				return err
			}
		case gatewaydomain.InvoiceVoid, gatewaydomain.InvoiceUncollectible:
		default:
			log.Debug("invoice progressed, nothing to cancel", zap.String("status", string(inv.Status)))
			return nil
		}
		match = func(p purchasedomain.Payment) bool { return p.InvoiceID == inv.ID }

	case domain.ObjectCheckoutSession:
		err := s.gateway.ExpireCheckoutSession(ctx, job.ObjectID)
		var gerr *gatewaydomain.Error
		if errors.As(err, &gerr) && gerr.StatusCode == http.StatusBadRequest {
			// Completed or already expired sessions cannot be expired.
			return nil
		}
		if errors.Is(err, gatewaydomain.ErrNotFound) {
			return nil
		}
		return err

	default:
		return events.Permanent(fmt.Errorf("%w: %s", errUnknownObjectType, job.ObjectType))
	}

	return s.cancelLedger(ctx, job, match, log)
}

// cancelLedger marks matching unpaid payments canceled and releases their tentative bookings.
func (s *Service) cancelLedger(ctx context.Context, job events.CancelUnpaidPayload, match func(purchasedomain.Payment) bool, log *zap.Logger) error {
	for try := 0; try < 2; try++ {
		purchase, err := s.purchases.Get(ctx, job.ClientID, job.ContributionID)
		if errors.Is(err, purchasedomain.ErrNotFound) {
			return s.releaseOnly(ctx, job)
		}
		if err != nil {
			return err
		}

		released := append([]string(nil), job.ClassIDs...)
		changed := false
		for i := range purchase.Payments {
			pay := &purchase.Payments[i]
			if !match(*pay) || pay.Status.IsTerminal() || pay.Status == purchasedomain.StatusProcessing {
				continue
			}
			if err := pay.Transition(purchasedomain.StatusCanceled); err != nil {
				return err
			}
			released = append(released, pay.BookedClassesIDs...)
			pay.BookedClassesIDs = nil
			changed = true
		}
		if !changed {
			return s.releaseOnly(ctx, job)
		}

		var evts []events.Event
		if released = dedupe(released); len(released) > 0 {
			evts = append(evts, releaseEvent(job, released))
		}
		err = s.purchases.Save(ctx, purchase, evts...)
		if errors.Is(err, purchasedomain.ErrStaleAggregate) {
			continue
		}
		if err != nil {
			return err
		}
		log.Info("unpaid payment canceled", zap.Strings("class_ids", released))
		return nil
	}
	return purchasedomain.ErrStaleAggregate
}

func (s *Service) releaseOnly(ctx context.Context, job events.CancelUnpaidPayload) error {
	if len(job.ClassIDs) == 0 {
		return nil
	}
	return s.events.Publish(ctx, releaseEvent(job, dedupe(job.ClassIDs)))
}

func releaseEvent(job events.CancelUnpaidPayload, classIDs []string) events.Event {
	return events.Event{
		Topic: events.TopicBookingRelease,
		Key:   job.ObjectID,
		Payload: events.BookingPayload{
			ClientID:       job.ClientID,
			ContributionID: job.ContributionID,
			ClassIDs:       classIDs,
		},
		DedupeKey: "booking_release:" + job.ObjectID,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Register binds the scheduled cancellation jobs to svc.
func Register(d *events.Dispatcher, svc domain.Service) error {
	return d.Register(events.TopicCancelUnpaid, func(ctx context.Context, msg events.Message) error {
		var job events.CancelUnpaidPayload
		if err := msg.Decode(&job); err != nil {
			return events.Permanent(err)
		}
		if job.ObjectID == "" || job.ObjectType == "" {
			return events.Permanent(errUnknownObjectType)
		}
		return svc.CancelUnpaid(ctx, job)
	})
}
