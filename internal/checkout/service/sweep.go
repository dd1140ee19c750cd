package service

import (
	"context"
	"errors"

	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/events"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"go.uber.org/zap"
)

// SweepUnpaid cancels awaiting-payment entries on purchases untouched for twice the
// session lifetime, covering cancellation jobs that were dropped or exhausted retries.
func (s *Service) SweepUnpaid(ctx context.Context, limit int) (int, error) {
	cutoff := s.clock.Now().Add(-2 * s.lifetime)
	purchases, err := s.purchases.ListStalePending(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	var (
		swept int
		errs  error
	)
	for i := range purchases {
		p := &purchases[i]
		account, err := s.accountFor(ctx, p)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		for _, pay := range p.Payments {
			if pay.Status != purchasedomain.StatusRequiresPaymentMethod {
				continue
			}
			job := staleJob(p, pay, account)
			if err := s.CancelUnpaid(ctx, job); err != nil {
				s.log.Warn("sweep cancel failed",
					zap.String("client_id", p.ClientID),
					zap.String("contribution_id", p.ContributionID),
					zap.String("transaction_id", pay.TransactionID),
					zap.Error(err),
				)
				errs = errors.Join(errs, err)
				continue
			}
			swept++
		}
	}
	return swept, errs
}

func (s *Service) accountFor(ctx context.Context, p *purchasedomain.Purchase) (string, error) {
	if p.PaymentType != catalogdomain.PaymentTypeAdvance {
		return "", nil
	}
	payee, err := s.users.GetUser(ctx, p.ContributorID)
	if err != nil {
		return "", err
	}
	return payee.StandardAccountID, nil
}

func staleJob(p *purchasedomain.Purchase, pay purchasedomain.Payment, account string) events.CancelUnpaidPayload {
	job := events.CancelUnpaidPayload{
		ClientID:         p.ClientID,
		ContributionID:   p.ContributionID,
		ObjectType:       domain.ObjectPaymentIntent,
		ObjectID:         pay.TransactionID,
		ConnectedAccount: account,
		ClassIDs:         pay.BookedClassesIDs,
	}
	switch {
	case p.IsPaidByInvoice && pay.InvoiceID != "":
		job.ObjectType = domain.ObjectInvoice
		job.ObjectID = pay.InvoiceID
	case pay.PaymentOption.IsSubscription() && p.SubscriptionID != "":
		job.ObjectType = domain.ObjectSubscription
		job.ObjectID = p.SubscriptionID
	}
	return job
}
