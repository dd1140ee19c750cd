package service

import (
	"context"

	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/events"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"go.uber.org/zap"
)

// settledEvents are the side effects of a payment's first settlement. Dedupe keys are
// per transaction so a redelivered event never queues them twice.
func (s *Service) settledEvents(purchase *purchasedomain.Purchase, pay *purchasedomain.Payment, st settlement) []events.Event {
	txID := pay.TransactionID
	var evts []events.Event

	if purchase.PaymentType != catalogdomain.PaymentTypeAdvance && st.charge != nil && pay.TransferAmount.IsPositive() {
		evts = append(evts, events.Event{
			Topic: events.TopicTransferCreate,
			Key:   txID,
			Payload: events.TransferPayload{
				ClientID:       purchase.ClientID,
				ContributionID: purchase.ContributionID,
				TransactionID:  txID,
				ChargeID:       st.charge.ID,
			},
			DedupeKey: "transfer:" + txID,
		})
	}

	switch pay.PaymentOption {
	case catalogdomain.PerSession:
		if len(pay.BookedClassesIDs) > 0 {
			evts = append(evts, events.Event{
				Topic: events.TopicBookingConfirm,
				Key:   txID,
				Payload: events.BookingPayload{
					ClientID:       purchase.ClientID,
					ContributionID: purchase.ContributionID,
					ClassIDs:       pay.BookedClassesIDs,
				},
				DedupeKey: "booking_confirm:" + txID,
			})
		}
	case catalogdomain.SessionsPackage:
		evts = append(evts, events.Event{
			Topic: events.TopicPackageConfirm,
			Key:   txID,
			Payload: events.PackagePayload{
				ClientID:       purchase.ClientID,
				ContributionID: purchase.ContributionID,
				TransactionID:  txID,
				Sessions:       st.contribution.Payment.PackageSessionNumbers,
			},
			DedupeKey: "package_confirm:" + txID,
		})
	case catalogdomain.MonthlySessionSubscription:
		payload := events.PackagePayload{
			ClientID:       purchase.ClientID,
			ContributionID: purchase.ContributionID,
			TransactionID:  purchase.SubscriptionID,
		}
		if payload.TransactionID == "" {
			payload.TransactionID = txID
		}
		if cost, ok := st.contribution.Payment.Cost.(catalogdomain.OneToOneCost); ok {
			payload.Sessions = cost.SessionsPerMonth
			payload.Duration = cost.SubscriptionDuration
		}
		evts = append(evts, events.Event{
			Topic:     events.TopicPackageAllotment,
			Key:       txID,
			Payload:   payload,
			DedupeKey: "package_allotment:" + txID,
		})
	}

	if purchase.ContributionType == catalogdomain.ContributionCourse {
		evts = append(evts, events.Event{
			Topic: events.TopicCourseNotes,
			Key:   txID,
			Payload: events.CourseNotesPayload{
				ClientID:       purchase.ClientID,
				ContributionID: purchase.ContributionID,
				TransactionID:  txID,
			},
			DedupeKey: "course_notes:" + txID,
		})
	}

	note := events.NotificationPayload{
		ClientID:         purchase.ClientID,
		ContributorID:    purchase.ContributorID,
		ContributionID:   purchase.ContributionID,
		TransactionID:    txID,
		PaymentOption:    string(pay.PaymentOption),
		Currency:         pay.PurchaseCurrency,
		PurchaseAmount:   pay.GrossPurchaseAmount.StringFixed(2),
		TransferCurrency: pay.Currency,
		TransferAmount:   pay.TransferAmount.StringFixed(2),
	}
	if st.invoiceID != "" {
		evts = append(evts, events.Event{
			Topic:     events.TopicInvoicePaid,
			Key:       txID,
			Payload:   note,
			DedupeKey: "invoice_paid:" + st.invoiceID,
		})
	}
	if purchase.MarkFirstPaymentHandled() {
		key := purchase.ContributionID + ":" + purchase.ClientID
		evts = append(evts,
			events.Event{Topic: events.TopicChatEnroll, Key: purchase.ContributionID, Payload: note, DedupeKey: "chat_enroll:" + key},
			events.Event{Topic: events.TopicPurchaseSucceeded, Key: txID, Payload: note, DedupeKey: "purchase_succeeded:" + key},
			events.Event{Topic: events.TopicClientEnrolled, Key: txID, Payload: note, DedupeKey: "client_enrolled:" + key},
		)
	}
	return evts
}

func releaseEvent(purchase *purchasedomain.Purchase, key string, classIDs []string) events.Event {
	return events.Event{
		Topic: events.TopicBookingRelease,
		Key:   key,
		Payload: events.BookingPayload{
			ClientID:       purchase.ClientID,
			ContributionID: purchase.ContributionID,
			ClassIDs:       append([]string(nil), classIDs...),
		},
		DedupeKey: "booking_release:" + key,
	}
}

// autoBook is best effort and runs after the ledger write; a failure is only logged.
func (s *Service) autoBook(ctx context.Context, purchase *purchasedomain.Purchase, log *zap.Logger) {
	if purchase.ContributionType != catalogdomain.ContributionOneToOne {
		return
	}
	err := s.events.Publish(ctx, events.Event{
		Topic: events.TopicBookingAutoBook,
		Key:   purchase.ID,
		Payload: events.BookingPayload{
			ClientID:       purchase.ClientID,
			ContributionID: purchase.ContributionID,
		},
	})
	if err != nil {
		log.Warn("queue auto booking failed", zap.Error(err))
	}
}
