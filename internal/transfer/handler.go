package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/events"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"go.uber.org/zap"
)

// HandleTransferEvent pays out a settled payment recorded by reconciliation. Redelivery is
// safe because CreateOrReuseTransfer reuses the gateway's transfer for the charge.
func (s *Service) HandleTransferEvent(ctx context.Context, msg events.Message) error {
	var payload events.TransferPayload
	if err := msg.Decode(&payload); err != nil {
		return events.Permanent(err)
	}
	if payload.ChargeID == "" || payload.TransactionID == "" {
		return events.Permanent(ErrInvalidRequest)
	}

	purchase, err := s.purchases.FindByTransactionID(ctx, payload.TransactionID)
	if err != nil {
		return err
	}
	pay, ok := purchase.FindPayment(payload.TransactionID)
	if !ok {
		return events.Permanent(purchasedomain.ErrNotFound)
	}
	if !pay.Status.IsSettled() {
		s.log.Warn("skip transfer for unsettled payment",
			zap.String("transaction_id", pay.TransactionID),
			zap.String("status", string(pay.Status)),
		)
		return nil
	}
	if purchase.PaymentType == catalogdomain.PaymentTypeAdvance {
		// Advance charges settle on the payee's own account.
		return nil
	}

	payee, err := s.users.GetUser(ctx, purchase.ContributorID)
	if err != nil {
		return err
	}

	req := Request{
		ChargeID:       payload.ChargeID,
		Currency:       pay.Currency,
		Payee:          payee,
		TransferAmount: pay.TransferAmount,
		PurchaseAmount: pay.GrossPurchaseAmount,
		Metadata: map[string]string{
			gatewaydomain.MetaContributionID: purchase.ContributionID,
			gatewaydomain.MetaClientID:       purchase.ClientID,
		},
	}
	if pay.AffiliateRevenueTransfer != nil {
		req.AffiliateAmount = pay.AffiliateRevenueTransfer.Amount
	}

	result, err := s.CreateOrReuseTransfer(ctx, req)
	if err != nil {
		if isRejected(err) || errors.Is(err, ErrInvalidRequest) {
			return events.Permanent(err)
		}
		return fmt.Errorf("transfer for %s: %w", payload.ChargeID, err)
	}
	if result.Transfer != nil {
		s.log.Info("transfer settled",
			zap.String("transaction_id", pay.TransactionID),
			zap.String("transfer_id", result.Transfer.ID),
			zap.Bool("reused", result.Reused),
		)
	}
	return nil
}

// isRejected reports a gateway refusal that will not succeed on redelivery.
func isRejected(err error) bool {
	var gerr *gatewaydomain.Error
	if !errors.As(err, &gerr) || gerr.RateLimited {
		return false
	}
	return gerr.StatusCode >= http.StatusBadRequest && gerr.StatusCode < http.StatusInternalServerError
}

// Register binds the transfer handler to the outbox dispatcher.
func Register(d *events.Dispatcher, s *Service) error {
	return d.Register(events.TopicTransferCreate, s.HandleTransferEvent)
}
