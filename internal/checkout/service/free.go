package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/events"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"go.uber.org/zap"
)

// JoinFree enrolls through a valid access code or an enabled free option.
func (s *Service) JoinFree(ctx context.Context, req domain.Request) (domain.Result, error) {
	option := withDefault(req.PaymentOption, catalogdomain.Free)
	contribution, err := s.loadContribution(ctx, req.ContributionID)
	if err != nil {
		return domain.Result{}, err
	}

	grant := domain.Grant{
		ContributionID: contribution.ID,
		ClientID:       req.ClientID,
		PaymentOption:  option,
	}
	code := strings.TrimSpace(req.AccessCode)
	switch {
	case code != "":
		ac, err := s.catalog.FindAccessCode(ctx, contribution.ID, code)
		if errors.Is(err, catalogdomain.ErrAccessCodeNotFound) {
			return domain.Result{}, domain.NewValidation(domain.CodeAccessCodeInvalid, "access code not found")
		}
		if err != nil {
			return domain.Result{}, err
		}
		if !ac.ValidAt(s.clock.Now()) {
			return domain.Result{}, domain.NewValidation(domain.CodeAccessCodeInvalid, "access code has expired")
		}
		grant.Reason = domain.GrantReasonAccessCode
	case option.IsFree() && contribution.Payment.Allows(option):
		grant.Reason = domain.GrantReasonFreeOption
	case option == catalogdomain.Free:
		return domain.Result{}, domain.NewValidation(domain.CodeAccessCodeInvalid, "an access code is required to join")
	default:
		return domain.Result{}, domain.NewValidation(domain.CodeOptionNotAllowed,
			fmt.Sprintf("payment option %s is not available for this contribution", option))
	}
	return s.GrantFree(ctx, grant)
}

// GrantFree records a zero-amount succeeded payment under the free-join guard. A second
// grant for the same client and contribution fails with already_joined.
func (s *Service) GrantFree(ctx context.Context, g domain.Grant) (res domain.Result, err error) {
	defer func() {
		outcome := "granted"
		if err != nil {
			outcome = "error"
			if code := domain.CodeOf(err); code != "" {
				outcome = string(code)
			}
		}
		s.metrics.RecordFreeGrant(ctx, g.Reason, outcome)
	}()

	if strings.TrimSpace(g.ClientID) == "" || strings.TrimSpace(g.ContributionID) == "" {
		return domain.Result{}, domain.NewValidation(domain.CodeCustomerMissing, "client and contribution are required")
	}
	release, err := s.guard.Acquire(ctx, g.ClientID, g.ContributionID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("acquire free join guard: %w", err)
	}
	defer release()

	contribution, err := s.loadContribution(ctx, g.ContributionID)
	if err != nil {
		return domain.Result{}, err
	}
	purchase, err := s.loadPurchase(ctx, contribution, g.ClientID)
	if err != nil {
		return domain.Result{}, err
	}
	if purchase.HasFreeGrant() {
		return domain.Result{}, alreadyJoined()
	}

	option := withDefault(g.PaymentOption, catalogdomain.Free)
	a := &attempt{
		req: domain.Request{
			ContributionID: contribution.ID,
			ClientID:       g.ClientID,
			PaymentOption:  option,
			CouponID:       g.CouponID,
		},
		option:       option,
		contribution: contribution,
		purchase:     purchase,
	}
	txID := purchasedomain.FreeGrantTransactionPrefix + uuid.NewString()
	now := s.clock.Now()
	first := !purchase.IsFirstPaymentHandled

	err = s.commit(ctx, a, func(p *purchasedomain.Purchase) error {
		if p.HasFreeGrant() {
			return alreadyJoined()
		}
		if g.CouponID != "" {
			p.SetCouponIfEmpty(g.CouponID)
			if option.IsSubscription() {
				p.SubscriptionID = purchasedomain.FreeGrantSubscriptionID
			}
		}
		p.MarkFirstPaymentHandled()
		return p.AppendPayment(purchasedomain.Payment{
			TransactionID:       txID,
			PaymentOption:       option,
			Status:              purchasedomain.StatusSucceeded,
			PurchaseAmount:      decimal.Zero,
			GrossPurchaseAmount: decimal.Zero,
			TransferAmount:      decimal.Zero,
			ProcessingFee:       decimal.Zero,
			CoachFee:            decimal.Zero,
			ClientFee:           decimal.Zero,
			CohereFee:           decimal.Zero,
			TotalCost:           decimal.Zero,
			Currency:            a.currency(),
			PurchaseCurrency:    a.currency(),
			ExchangeRate:        decimal.NewFromInt(1),
			IsInEscrow:          !contribution.InvitationOnly,
			DateTimeCharged:     now,
		})
	}, s.freeGrantEvents(a, txID, first)...)
	if err != nil {
		return domain.Result{}, err
	}

	s.log.Info("free grant recorded",
		zap.String("client_id", g.ClientID),
		zap.String("contribution_id", contribution.ID),
		zap.String("transaction_id", txID),
		zap.String("reason", g.Reason),
	)
	return domain.Result{
		Kind:          domain.ResultFreeGrant,
		PurchaseID:    a.purchase.ID,
		TransactionID: txID,
		Amount:        decimal.Zero,
		Currency:      a.currency(),
	}, nil
}

func alreadyJoined() error {
	return domain.NewValidation(domain.CodeAlreadyJoined, "client already joined this contribution")
}

// freeGrantEvents are the downstream effects of a grant. Each is its own outbox row so
// one failing handler never blocks the others.
func (s *Service) freeGrantEvents(a *attempt, txID string, first bool) []events.Event {
	note := events.NotificationPayload{
		ClientID:       a.req.ClientID,
		ContributorID:  a.contribution.UserID,
		ContributionID: a.contribution.ID,
		TransactionID:  txID,
		PaymentOption:  string(a.option),
		Currency:       a.currency(),
		PurchaseAmount: "0",
	}
	evts := []events.Event{
		{Topic: events.TopicClientEnrolled, Key: txID, Payload: note},
		{Topic: events.TopicFreeGrantCoachEmail, Key: txID, Payload: note},
	}
	if first {
		evts = append(evts, events.Event{
			Topic:     events.TopicChatEnroll,
			Key:       a.contribution.ID,
			Payload:   note,
			DedupeKey: "chat_enroll:" + a.contribution.ID + ":" + a.req.ClientID,
		})
	}

	booking := events.BookingPayload{ClientID: a.req.ClientID, ContributionID: a.contribution.ID}
	if a.contribution.Type == catalogdomain.ContributionOneToOne {
		evts = append(evts, events.Event{Topic: events.TopicBookingAutoBook, Key: txID, Payload: booking})
	}
	if a.option == catalogdomain.SessionsPackage || a.option == catalogdomain.FreeSessionsPackage {
		evts = append(evts, events.Event{
			Topic: events.TopicPackageConfirm,
			Key:   txID,
			Payload: events.PackagePayload{
				ClientID:       a.req.ClientID,
				ContributionID: a.contribution.ID,
				TransactionID:  txID,
				Sessions:       a.contribution.Payment.PackageSessionNumbers,
			},
			DedupeKey: "package_confirm:" + txID,
		})
	}
	return evts
}
