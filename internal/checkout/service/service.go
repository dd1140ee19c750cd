package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	bookingdomain "github.com/smallbiznis/cohere/internal/booking/domain"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/config"
	"github.com/smallbiznis/cohere/internal/events"
	"github.com/smallbiznis/cohere/internal/freejoin"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	identitydomain "github.com/smallbiznis/cohere/internal/identity/domain"
	"github.com/smallbiznis/cohere/internal/observability/metrics"
	"github.com/smallbiznis/cohere/internal/pricing"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// minCheckoutSessionLifetime is the shortest expiry the gateway accepts on hosted sessions.
const minCheckoutSessionLifetime = 30 * time.Minute

type Params struct {
	fx.In

	Log       *zap.Logger
	Config    config.Config
	Catalog   catalogdomain.Repository
	Users     identitydomain.Repository
	Purchases purchasedomain.Repository
	Booking   bookingdomain.Service
	Gateway   gatewaydomain.Gateway
	Pricing   pricing.Source
	Guard     freejoin.Guard
	Events    events.Publisher
	Clock     clock.Clock      `optional:"true"`
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	log       *zap.Logger
	catalog   catalogdomain.Repository
	users     identitydomain.Repository
	purchases purchasedomain.Repository
	booking   bookingdomain.Service
	gateway   gatewaydomain.Gateway
	pricing   pricing.Source
	guard     freejoin.Guard
	events    events.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics

	lifetime       time.Duration
	affiliateShare decimal.Decimal
	successURL     string
	cancelURL      string
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	lifetime := p.Config.Checkout.PaymentSessionLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	return &Service{
		log:            p.Log.Named("checkout.service"),
		catalog:        p.Catalog,
		users:          p.Users,
		purchases:      p.Purchases,
		booking:        p.Booking,
		gateway:        p.Gateway,
		pricing:        p.Pricing,
		guard:          p.Guard,
		events:         p.Events,
		clock:          clk,
		metrics:        p.Metrics,
		lifetime:       lifetime,
		affiliateShare: decimal.NewFromFloat(p.Config.Checkout.AffiliateSharePercent),
		successURL:     p.Config.Checkout.SuccessURL,
		cancelURL:      p.Config.Checkout.CancelURL,
	}
}

// attempt carries everything resolved by the common preconditions.
type attempt struct {
	req          domain.Request
	option       catalogdomain.PaymentOption
	contribution catalogdomain.Contribution
	payee        identitydomain.User
	client       identitydomain.User
	coupon       *catalogdomain.Coupon
	purchase     *purchasedomain.Purchase
}

func (a *attempt) currency() string {
	return strings.ToLower(a.contribution.Payment.Currency)
}

func (a *attempt) isAdvance() bool {
	return a.contribution.Payment.PaymentType == catalogdomain.PaymentTypeAdvance
}

// account scopes gateway calls to the payee's standard account for Advance payments.
func (a *attempt) account() string {
	if a.isAdvance() {
		return a.payee.StandardAccountID
	}
	return ""
}

func (a *attempt) couponPercent() decimal.Decimal {
	if a.coupon == nil {
		return decimal.Zero
	}
	return a.coupon.PercentOff
}

func (a *attempt) couponID() string {
	if a.coupon == nil {
		return ""
	}
	return a.coupon.ID
}

// prepare runs the common preconditions in order and stops at the first failure.
func (s *Service) prepare(ctx context.Context, req domain.Request) (*attempt, error) {
	contribution, err := s.loadContribution(ctx, req.ContributionID)
	if err != nil {
		return nil, err
	}
	if !contribution.Payment.Allows(req.PaymentOption) {
		return nil, domain.NewValidation(domain.CodeOptionNotAllowed,
			fmt.Sprintf("payment option %s is not available for this contribution", req.PaymentOption))
	}

	payee, err := s.users.GetUser(ctx, contribution.UserID)
	if err != nil {
		return nil, fmt.Errorf("load contributor %s: %w", contribution.UserID, err)
	}
	if contribution.Payment.PaymentType == catalogdomain.PaymentTypeAdvance && strings.TrimSpace(payee.StandardAccountID) == "" {
		return nil, domain.NewValidation(domain.CodeStandardAccountRequired,
			"the contributor has not finished setting up their payment account")
	}

	client, err := s.users.GetUser(ctx, req.ClientID)
	if errors.Is(err, identitydomain.ErrUserNotFound) || (err == nil && strings.TrimSpace(client.CustomerID) == "") {
		return nil, domain.NewValidation(domain.CodeCustomerMissing, "client has no payment customer")
	}
	if err != nil {
		return nil, err
	}

	a := &attempt{
		req:          req,
		option:       req.PaymentOption,
		contribution: contribution,
		payee:        payee,
		client:       client,
	}

	if strings.TrimSpace(req.CouponID) != "" {
		coupon, err := s.catalog.GetCoupon(ctx, req.CouponID)
		switch {
		case errors.Is(err, catalogdomain.ErrCouponNotFound):
			return nil, domain.NewValidation(domain.CodeCouponInvalid, "coupon not found")
		case err != nil:
			return nil, err
		case !coupon.ActiveAt(s.clock.Now()):
			return nil, domain.NewValidation(domain.CodeCouponInvalid, "coupon has expired")
		case coupon.ContributionID != "" && coupon.ContributionID != contribution.ID:
			return nil, domain.NewValidation(domain.CodeCouponInvalid, "coupon does not apply to this contribution")
		}
		a.coupon = &coupon
	}

	purchase, err := s.loadPurchase(ctx, contribution, req.ClientID)
	if err != nil {
		return nil, err
	}
	a.purchase = purchase

	if purchase.HasProcessing() {
		return nil, domain.NewValidation(domain.CodePaymentProcessing,
			"a previous payment is still processing, try again later")
	}
	if !repeatable(req.PaymentOption) && purchase.IsPurchased() {
		return nil, domain.NewValidation(domain.CodeAlreadyPurchased, "contribution already purchased")
	}
	return a, nil
}

func (s *Service) loadContribution(ctx context.Context, id string) (catalogdomain.Contribution, error) {
	contribution, err := s.catalog.GetContribution(ctx, id)
	if errors.Is(err, catalogdomain.ErrContributionNotFound) {
		return catalogdomain.Contribution{}, domain.NewValidation(domain.CodeContributionNotFound, "contribution not found")
	}
	if err != nil {
		return catalogdomain.Contribution{}, err
	}
	if !contribution.IsApproved() {
		return catalogdomain.Contribution{}, domain.NewValidation(domain.CodeContributionNotApproved, "contribution is not approved")
	}
	return contribution, nil
}

func (s *Service) loadPurchase(ctx context.Context, contribution catalogdomain.Contribution, clientID string) (*purchasedomain.Purchase, error) {
	purchase, err := s.purchases.Get(ctx, clientID, contribution.ID)
	if errors.Is(err, purchasedomain.ErrNotFound) {
		return &purchasedomain.Purchase{
			ClientID:         clientID,
			ContributorID:    contribution.UserID,
			ContributionID:   contribution.ID,
			ContributionType: contribution.Type,
			PaymentType:      contribution.Payment.PaymentType,
		}, nil
	}
	return purchase, err
}

// repeatable options may be bought again after a settled purchase.
func repeatable(option catalogdomain.PaymentOption) bool {
	return option == catalogdomain.PerSession || option == catalogdomain.SessionsPackage
}

// freeGrantFastPath reports whether the attempt bypasses the gateway.
func (a *attempt) freeGrantFastPath() bool {
	return a.coupon != nil && a.coupon.IsFullDiscount()
}

func (s *Service) grantFromAttempt(ctx context.Context, a *attempt) (domain.Result, error) {
	return s.GrantFree(ctx, domain.Grant{
		ContributionID: a.contribution.ID,
		ClientID:       a.req.ClientID,
		PaymentOption:  a.option,
		CouponID:       a.couponID(),
		Reason:         domain.GrantReasonCoupon,
	})
}

func (s *Service) quote(a *attempt) (pricing.Quote, decimal.Decimal, error) {
	base, err := pricing.BasePrice(a.contribution.Payment.Cost, a.option)
	if err != nil {
		return pricing.Quote{}, decimal.Zero, domain.NewValidation(domain.CodeOptionNotAllowed, err.Error())
	}
	total, err := pricing.TotalCost(a.contribution.Payment.Cost, a.option, 0)
	if err != nil {
		return pricing.Quote{}, decimal.Zero, domain.NewValidation(domain.CodeOptionNotAllowed, err.Error())
	}

	packagePercent := decimal.Zero
	if a.option == catalogdomain.SessionsPackage {
		packagePercent = a.contribution.Payment.PackagePercentDiscount
	}
	schedule := s.pricing.Schedule()
	q := pricing.NewQuote(pricing.QuoteInput{
		Base:                  base,
		CouponPercent:         a.couponPercent(),
		PackagePercent:        packagePercent,
		CoachPaysFee:          a.contribution.Payment.CoachPaysStripeFee,
		PaymentType:           a.contribution.Payment.PaymentType,
		Fee:                   schedule.GatewayFeeFor(a.payee.Country, false),
		PlatformPercent:       schedule.PlatformPercent(a.payee.PlatformTier, a.payee.IsBetaUser),
		AffiliateSharePercent: s.affiliateShare,
		Referred:              a.payee.IsReferred(),
	})
	total = pricing.ApplyCouponAndPackageDiscount(total, a.couponPercent(), packagePercent)
	return q, total, nil
}

func (s *Service) platformPercent(a *attempt) decimal.Decimal {
	return s.pricing.Schedule().PlatformPercent(a.payee.PlatformTier, a.payee.IsBetaUser)
}

func (s *Service) minor(amount decimal.Decimal, currency string) int64 {
	return s.pricing.Schedule().ToMinorUnits(amount, currency)
}

// newPayment builds a ledger entry from a local estimate. Reconciliation overwrites the
// amounts with the settled snapshot.
func (s *Service) newPayment(a *attempt, transactionID string, q pricing.Quote, total decimal.Decimal, classIDs []string) purchasedomain.Payment {
	escrow := !a.contribution.InvitationOnly
	pay := purchasedomain.Payment{
		TransactionID:    transactionID,
		PaymentOption:    a.option,
		Status:           purchasedomain.StatusRequiresPaymentMethod,
		Currency:         a.currency(),
		PurchaseCurrency: a.currency(),
		ExchangeRate:     decimal.NewFromInt(1),
		IsInEscrow:       escrow,
		BookedClassesIDs: classIDs,
	}
	applyQuote(&pay, q, total)
	if q.AffiliateIncome.IsPositive() {
		pay.AffiliateRevenueTransfer = &purchasedomain.AffiliateTransfer{Amount: q.AffiliateIncome, IsInEscrow: escrow}
	}
	return pay
}

func applyQuote(pay *purchasedomain.Payment, q pricing.Quote, total decimal.Decimal) {
	pay.PurchaseAmount = q.Net
	pay.GrossPurchaseAmount = q.Gross
	pay.TransferAmount = q.Transfer
	pay.ProcessingFee = q.GatewayFee
	pay.CoachFee = q.CoachFee
	pay.ClientFee = q.ClientFee
	pay.CohereFee = q.PlatformFee
	pay.TotalCost = total
}

func (s *Service) metadata(a *attempt, classIDs []string) map[string]string {
	meta := map[string]string{
		gatewaydomain.MetaContributionID: a.contribution.ID,
		gatewaydomain.MetaPaymentOption:  string(a.option),
		gatewaydomain.MetaClientID:       a.req.ClientID,
	}
	if id := a.couponID(); id != "" {
		meta[gatewaydomain.MetaCouponID] = id
	}
	if len(classIDs) > 0 {
		meta[gatewaydomain.MetaBookedClasses] = strings.Join(classIDs, ",")
	}
	if cost, ok := a.contribution.Payment.Cost.(catalogdomain.CourseCost); ok && a.option == catalogdomain.SplitPayments {
		meta[gatewaydomain.MetaSplitNumbers] = fmt.Sprintf("%d", cost.SplitNumbers)
	}
	return meta
}

// cancelJob schedules release of an unpaid payment object after the session lifetime.
// The dedupe key makes the lifetime count from the object's first attempt.
func (s *Service) cancelJob(a *attempt, objectType, objectID string, classIDs []string) events.Event {
	return events.Event{
		Topic: events.TopicCancelUnpaid,
		Key:   objectID,
		Payload: events.CancelUnpaidPayload{
			ClientID:         a.req.ClientID,
			ContributionID:   a.contribution.ID,
			ObjectType:       objectType,
			ObjectID:         objectID,
			ConnectedAccount: a.account(),
			ClassIDs:         classIDs,
		},
		DedupeKey:   "cancel_unpaid:" + objectID,
		AvailableAt: s.clock.Now().Add(s.lifetime),
	}
}

// commit applies mutate to the purchase and saves it with evts. A stale write re-reads
// the aggregate and applies mutate once more; gateway calls are never repeated.
func (s *Service) commit(ctx context.Context, a *attempt, mutate func(*purchasedomain.Purchase) error, evts ...events.Event) error {
	if err := mutate(a.purchase); err != nil {
		return err
	}
	err := s.purchases.Save(ctx, a.purchase, evts...)
	if !errors.Is(err, purchasedomain.ErrStaleAggregate) {
		return err
	}

	s.log.Info("purchase changed concurrently, retrying",
		zap.String("client_id", a.req.ClientID),
		zap.String("contribution_id", a.contribution.ID),
	)
	fresh, err := s.loadPurchase(ctx, a.contribution, a.req.ClientID)
	if err != nil {
		return err
	}
	a.purchase = fresh
	if err := mutate(a.purchase); err != nil {
		return err
	}
	return s.purchases.Save(ctx, a.purchase, evts...)
}

func (s *Service) bookSlots(ctx context.Context, a *attempt) ([]string, error) {
	if len(a.req.SlotIDs) == 0 {
		return nil, nil
	}
	classIDs, err := s.booking.BookTime(ctx, a.contribution.ID, a.req.ClientID, a.req.SlotIDs)
	if errors.Is(err, bookingdomain.ErrSlotFull) || errors.Is(err, bookingdomain.ErrSlotNotFound) {
		return nil, domain.NewValidation(domain.CodeSlotUnavailable, "the selected time is no longer available")
	}
	return classIDs, err
}

// releaseSlots is best effort: an unreleased tentative booking expires with its cancellation job.
func (s *Service) releaseSlots(ctx context.Context, a *attempt, classIDs []string) {
	if len(classIDs) == 0 {
		return
	}
	if err := s.booking.Release(ctx, a.contribution.ID, a.req.ClientID, classIDs); err != nil {
		s.log.Warn("release tentative booking failed",
			zap.String("contribution_id", a.contribution.ID),
			zap.String("client_id", a.req.ClientID),
			zap.Strings("class_ids", classIDs),
			zap.Error(err),
		)
	}
}

func (s *Service) record(ctx context.Context, option catalogdomain.PaymentOption, err error) {
	outcome := "created"
	switch {
	case err == nil:
	case domain.IsValidation(err):
		outcome = string(domain.CodeOf(err))
	default:
		outcome = "error"
	}
	s.metrics.RecordCheckout(ctx, string(option), outcome)
}
