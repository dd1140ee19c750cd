// Package transfer moves settled funds to payees and manages escrow flags on the ledger.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	identitydomain "github.com/smallbiznis/cohere/internal/identity/domain"
	"github.com/smallbiznis/cohere/internal/observability/metrics"
	"github.com/smallbiznis/cohere/internal/pricing"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidRequest = errors.New("transfer_invalid_request")

type Params struct {
	fx.In

	Log       *zap.Logger
	Gateway   gatewaydomain.Gateway
	Purchases purchasedomain.Repository
	Users     identitydomain.Repository
	Catalog   catalogdomain.Repository
	Pricing   pricing.Source
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	gateway   gatewaydomain.Gateway
	purchases purchasedomain.Repository
	users     identitydomain.Repository
	catalog   catalogdomain.Repository
	pricing   pricing.Source
	metrics   *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:       p.Log.Named("transfer.service"),
		gateway:   p.Gateway,
		purchases: p.Purchases,
		users:     p.Users,
		catalog:   p.Catalog,
		pricing:   p.Pricing,
		metrics:   p.Metrics,
	}
}

// Request describes the payout owed for one settled charge. Amounts are major units.
type Request struct {
	ChargeID        string
	Currency        string
	Payee           identitydomain.User
	TransferAmount  decimal.Decimal
	PurchaseAmount  decimal.Decimal
	AffiliateAmount decimal.Decimal
	Metadata        map[string]string
}

type Result struct {
	Transfer  *gatewaydomain.Transfer
	Affiliate *gatewaydomain.Transfer
	// Reused is true when the gateway already held a transfer for the charge.
	Reused   bool
	Reversed int64
}

// CreateOrReuseTransfer pays the payee for a charge at most once. An existing transfer for
// the charge is authoritative; for legacy fee payees an overpayment against the locally
// recomputed amount is reversed. A referred payee's payout is split into a grouped transfer
// with the affiliate commission.
func (s *Service) CreateOrReuseTransfer(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.ChargeID) == "" || strings.TrimSpace(req.Currency) == "" {
		return Result{}, ErrInvalidRequest
	}
	destination := strings.TrimSpace(req.Payee.ConnectedAccountID)
	if destination == "" {
		return Result{}, fmt.Errorf("payee %s has no connected account: %w", req.Payee.ID, ErrInvalidRequest)
	}
	schedule := s.pricing.Schedule()
	amount := schedule.ToMinorUnits(req.TransferAmount, req.Currency)

	commission := schedule.ToMinorUnits(req.AffiliateAmount, req.Currency)

	existing, err := s.gateway.FindTransferForCharge(ctx, req.ChargeID, destination)
	if err == nil {
		out, err := s.reuse(ctx, req, existing, amount)
		if err != nil {
			return out, err
		}
		group := existing.TransferGroup
		if group == "" {
			group = transferGroup(req.ChargeID)
		}
		return s.ensureAffiliateLeg(ctx, req, out, commission, group)
	}
	if !errors.Is(err, gatewaydomain.ErrNotFound) {
		return Result{}, err
	}

	if amount <= 0 {
		s.log.Info("nothing to transfer", zap.String("charge_id", req.ChargeID))
		return Result{}, nil
	}

	var affiliate *identitydomain.User
	if commission > 0 {
		affiliate = s.affiliateFor(ctx, req.Payee)
	}

	group := ""
	if affiliate != nil {
		group = transferGroup(req.ChargeID)
	}
	principal, err := s.gateway.CreateTransfer(ctx, gatewaydomain.TransferInput{
		Amount:            amount,
		Currency:          req.Currency,
		Destination:       destination,
		SourceTransaction: req.ChargeID,
		TransferGroup:     group,
		Metadata:          req.Metadata,
	})
	if err != nil {
		return Result{}, err
	}
	out := Result{Transfer: &principal}
	if affiliate == nil {
		s.metrics.RecordTransfer(ctx, "single")
		return out, nil
	}

	commissionTransfer, err := s.createAffiliateLeg(ctx, req, affiliate, commission, group)
	if err != nil {
		return out, err
	}
	s.metrics.RecordTransfer(ctx, "grouped")
	out.Affiliate = &commissionTransfer
	return out, nil
}

// affiliateFor resolves the referrer of a referred payee. A missing referrer or one
// without a connected account yields nil and the payee is paid alone.
func (s *Service) affiliateFor(ctx context.Context, payee identitydomain.User) *identitydomain.User {
	if !payee.IsReferred() {
		return nil
	}
	referrer, err := s.users.GetUser(ctx, payee.ReferredByUserID)
	switch {
	case err != nil:
		s.log.Warn("affiliate lookup failed, paying payee only",
			zap.String("payee_id", payee.ID),
			zap.String("affiliate_id", payee.ReferredByUserID),
			zap.Error(err),
		)
		return nil
	case strings.TrimSpace(referrer.ConnectedAccountID) == "":
		s.log.Warn("affiliate has no connected account", zap.String("affiliate_id", referrer.ID))
		return nil
	}
	return &referrer
}

// ensureAffiliateLeg completes a grouped payout whose commission leg was not created
// when the payee's transfer went out.
func (s *Service) ensureAffiliateLeg(ctx context.Context, req Request, out Result, commission int64, group string) (Result, error) {
	if commission <= 0 {
		return out, nil
	}
	affiliate := s.affiliateFor(ctx, req.Payee)
	if affiliate == nil {
		return out, nil
	}
	existing, err := s.gateway.FindTransferForCharge(ctx, req.ChargeID, affiliate.ConnectedAccountID)
	if err == nil {
		out.Affiliate = &existing
		return out, nil
	}
	if !errors.Is(err, gatewaydomain.ErrNotFound) {
		return out, err
	}
	created, err := s.createAffiliateLeg(ctx, req, affiliate, commission, group)
	if err != nil {
		return out, err
	}
	s.metrics.RecordTransfer(ctx, "affiliate_resumed")
	s.log.Info("affiliate transfer resumed",
		zap.String("charge_id", req.ChargeID),
		zap.String("transfer_id", created.ID),
		zap.String("transfer_group", group),
	)
	out.Affiliate = &created
	return out, nil
}

func (s *Service) createAffiliateLeg(ctx context.Context, req Request, affiliate *identitydomain.User, commission int64, group string) (gatewaydomain.Transfer, error) {
	t, err := s.gateway.CreateTransfer(ctx, gatewaydomain.TransferInput{
		Amount:            commission,
		Currency:          req.Currency,
		Destination:       affiliate.ConnectedAccountID,
		SourceTransaction: req.ChargeID,
		TransferGroup:     group,
		Metadata:          req.Metadata,
	})
	if err != nil {
		return gatewaydomain.Transfer{}, fmt.Errorf("affiliate transfer: %w", err)
	}
	return t, nil
}

func (s *Service) reuse(ctx context.Context, req Request, existing gatewaydomain.Transfer, expected int64) (Result, error) {
	out := Result{Transfer: &existing, Reused: true}
	s.metrics.RecordTransfer(ctx, "reused")
	if !req.Payee.IsBetaUser {
		return out, nil
	}
	transferred := existing.Amount - existing.AmountReversed
	diff := transferred - expected
	if diff == 0 {
		return out, nil
	}
	if diff < 0 {
		s.log.Warn("legacy payee received less than recomputed amount",
			zap.String("transfer_id", existing.ID),
			zap.Int64("transferred", transferred),
			zap.Int64("expected", expected),
		)
		return out, nil
	}
	if err := s.gateway.ReverseTransfer(ctx, existing.ID, diff); err != nil {
		return out, err
	}
	s.metrics.RecordTransfer(ctx, "reversal")
	s.log.Info("reversed legacy overpayment",
		zap.String("transfer_id", existing.ID),
		zap.Int64("amount", diff),
		zap.String("purchase_amount", req.PurchaseAmount.String()),
	)
	out.Reversed = diff
	return out, nil
}

// ReleaseEscrow clears escrow on the participant's payments that booked classID.
// Escrow is never set back once cleared.
func (s *Service) ReleaseEscrow(ctx context.Context, contributionID, classID, participantID string) (int, error) {
	if strings.TrimSpace(contributionID) == "" || strings.TrimSpace(classID) == "" || strings.TrimSpace(participantID) == "" {
		return 0, ErrInvalidRequest
	}
	var released int
	err := s.mutate(ctx, func() (*purchasedomain.Purchase, error) {
		return s.purchases.Get(ctx, participantID, contributionID)
	}, func(p *purchasedomain.Purchase) bool {
		released = p.ReleaseEscrow(classID)
		return released > 0
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.log.Info("escrow released",
			zap.String("contribution_id", contributionID),
			zap.String("class_id", classID),
			zap.String("client_id", participantID),
			zap.Int("payments", released),
		)
	}
	return released, nil
}

// RevokeAccess flags the payment for transactionID as no longer granting access.
func (s *Service) RevokeAccess(ctx context.Context, transactionID string) error {
	if strings.TrimSpace(transactionID) == "" {
		return ErrInvalidRequest
	}
	return s.mutate(ctx, func() (*purchasedomain.Purchase, error) {
		return s.purchases.FindByTransactionID(ctx, transactionID)
	}, func(p *purchasedomain.Purchase) bool {
		pay, ok := p.FindPayment(transactionID)
		if !ok || pay.IsAccessRevoked {
			return false
		}
		pay.IsAccessRevoked = true
		return true
	})
}

// mutate re-reads and retries once when another writer saved the aggregate first.
func (s *Service) mutate(ctx context.Context, load func() (*purchasedomain.Purchase, error), apply func(*purchasedomain.Purchase) bool) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var p *purchasedomain.Purchase
		p, err = load()
		if err != nil {
			return err
		}
		if !apply(p) {
			return nil
		}
		err = s.purchases.Save(ctx, p)
		if !errors.Is(err, purchasedomain.ErrStaleAggregate) {
			return err
		}
	}
	return err
}

func transferGroup(chargeID string) string {
	return "group_" + chargeID
}
