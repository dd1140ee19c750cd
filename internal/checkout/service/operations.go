package service

import (
	"context"
	"fmt"
	"time"

	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/checkout/domain"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	"go.uber.org/zap"
)

func (s *Service) PurchaseOneToOneSession(ctx context.Context, req domain.Request) (res domain.Result, err error) {
	req.PaymentOption = withDefault(req.PaymentOption, catalogdomain.PerSession)
	defer func() { s.record(ctx, req.PaymentOption, err) }()

	if req.PaymentOption.IsFree() {
		return s.JoinFree(ctx, req)
	}
	if err := requireOption(req.PaymentOption, catalogdomain.PerSession); err != nil {
		return domain.Result{}, err
	}
	a, err := s.prepare(ctx, req)
	if err != nil {
		return domain.Result{}, err
	}
	if a.freeGrantFastPath() {
		return s.grantFromAttempt(ctx, a)
	}

	classIDs, err := s.bookSlots(ctx, a)
	if err != nil {
		return domain.Result{}, err
	}
	res, err = s.payOnce(ctx, a, classIDs, a.contribution.Title)
	if err != nil {
		s.releaseSlots(ctx, a, classIDs)
		return domain.Result{}, err
	}
	return res, nil
}

func (s *Service) PurchaseSessionsPackage(ctx context.Context, req domain.Request) (res domain.Result, err error) {
	req.PaymentOption = withDefault(req.PaymentOption, catalogdomain.SessionsPackage)
	defer func() { s.record(ctx, req.PaymentOption, err) }()

	if req.PaymentOption.IsFree() {
		return s.JoinFree(ctx, req)
	}
	if err := requireOption(req.PaymentOption, catalogdomain.SessionsPackage); err != nil {
		return domain.Result{}, err
	}
	a, err := s.prepare(ctx, req)
	if err != nil {
		return domain.Result{}, err
	}
	if a.freeGrantFastPath() {
		return s.grantFromAttempt(ctx, a)
	}
	return s.payOnce(ctx, a, nil, fmt.Sprintf("%s (%d sessions)", a.contribution.Title, a.contribution.Payment.PackageSessionNumbers))
}

func (s *Service) PurchaseMonthlySessionSubscription(ctx context.Context, req domain.Request) (res domain.Result, err error) {
	req.PaymentOption = withDefault(req.PaymentOption, catalogdomain.MonthlySessionSubscription)
	defer func() { s.record(ctx, req.PaymentOption, err) }()

	if err := requireOption(req.PaymentOption, catalogdomain.MonthlySessionSubscription); err != nil {
		return domain.Result{}, err
	}
	a, err := s.prepare(ctx, req)
	if err != nil {
		return domain.Result{}, err
	}
	if a.freeGrantFastPath() {
		return s.grantFromAttempt(ctx, a)
	}

	var cancelAt *time.Time
	if cost, ok := a.contribution.Payment.Cost.(catalogdomain.OneToOneCost); ok && cost.SubscriptionDuration > 0 {
		at := s.clock.Now().AddDate(0, cost.SubscriptionDuration, 0)
		cancelAt = &at
	}
	return s.subscribe(ctx, a, cancelAt)
}

func (s *Service) PurchaseCourse(ctx context.Context, req domain.Request) (res domain.Result, err error) {
	req.PaymentOption = withDefault(req.PaymentOption, catalogdomain.EntireCourse)
	defer func() { s.record(ctx, req.PaymentOption, err) }()

	if req.PaymentOption.IsFree() {
		return s.JoinFree(ctx, req)
	}
	if err := requireOption(req.PaymentOption, catalogdomain.EntireCourse, catalogdomain.SplitPayments, catalogdomain.InvoicePayment); err != nil {
		return domain.Result{}, err
	}
	a, err := s.prepare(ctx, req)
	if err != nil {
		return domain.Result{}, err
	}
	if a.freeGrantFastPath() {
		return s.grantFromAttempt(ctx, a)
	}

	switch {
	case a.option == catalogdomain.SplitPayments:
		return s.subscribe(ctx, a, s.splitCancelAt(a))
	case a.option == catalogdomain.InvoicePayment || req.PayByInvoice:
		return s.payByInvoice(ctx, a, a.contribution.Title)
	default:
		return s.payOnce(ctx, a, nil, a.contribution.Title)
	}
}

// splitCancelAt ends an installment subscription one day before the period after the last
// installment, so exactly SplitNumbers invoices are produced.
func (s *Service) splitCancelAt(a *attempt) *time.Time {
	cost, ok := a.contribution.Payment.Cost.(catalogdomain.CourseCost)
	if !ok || cost.SplitNumbers <= 0 {
		return nil
	}
	now := s.clock.Now()
	var at time.Time
	if cost.SplitPeriod == "week" {
		at = now.AddDate(0, 0, 7*cost.SplitNumbers)
	} else {
		at = now.AddDate(0, cost.SplitNumbers, 0)
	}
	at = at.AddDate(0, 0, -1)
	return &at
}

// PurchaseMembership buys a membership or community period. MembershipPackage is a
// one-off charge; the periodic options subscribe.
func (s *Service) PurchaseMembership(ctx context.Context, req domain.Request) (res domain.Result, err error) {
	req.PaymentOption = withDefault(req.PaymentOption, catalogdomain.MonthlyMembership)
	defer func() { s.record(ctx, req.PaymentOption, err) }()

	if req.PaymentOption.IsFree() {
		return s.JoinFree(ctx, req)
	}
	if !req.PaymentOption.IsMembership() {
		return domain.Result{}, domain.NewValidation(domain.CodeOptionNotAllowed,
			fmt.Sprintf("%s is not a membership option", req.PaymentOption))
	}
	a, err := s.prepare(ctx, req)
	if err != nil {
		return domain.Result{}, err
	}
	if a.freeGrantFastPath() {
		return s.grantFromAttempt(ctx, a)
	}
	if a.option == catalogdomain.MembershipPackage {
		return s.payOnce(ctx, a, nil, a.contribution.Title)
	}
	return s.subscribe(ctx, a, nil)
}

// CreateCheckoutSession starts a hosted checkout. Nothing is written to the ledger;
// reconciliation records the payment when the session completes.
func (s *Service) CreateCheckoutSession(ctx context.Context, req domain.Request) (res domain.Result, err error) {
	defer func() { s.record(ctx, req.PaymentOption, err) }()

	if req.PaymentOption.IsFree() {
		return s.JoinFree(ctx, req)
	}
	a, err := s.prepare(ctx, req)
	if err != nil {
		return domain.Result{}, err
	}
	if a.freeGrantFastPath() {
		return s.grantFromAttempt(ctx, a)
	}
	if a.isAdvance() {
		return domain.Result{}, domain.NewValidation(domain.CodeNotEntitled,
			"hosted checkout is not available for advance payments")
	}

	customerID, err := s.EnsureCustomerForCurrency(ctx, req.ClientID, a.currency())
	if err != nil {
		return domain.Result{}, err
	}
	q, _, err := s.quote(a)
	if err != nil {
		return domain.Result{}, err
	}

	lifetime := s.lifetime
	if lifetime < minCheckoutSessionLifetime {
		lifetime = minCheckoutSessionLifetime
	}
	in := gatewaydomain.CheckoutSessionInput{
		CustomerID:  customerID,
		Mode:        gatewaydomain.CheckoutModePayment,
		Currency:    a.currency(),
		ProductName: a.contribution.Title,
		Metadata:    s.metadata(a, nil),
		SuccessURL:  s.successURL,
		CancelURL:   s.cancelURL,
		ExpiresAt:   s.clock.Now().Add(lifetime),
	}
	if a.option.IsSubscription() {
		in.Mode = gatewaydomain.CheckoutModeSubscription
		in.PriceID = a.contribution.Payment.BillingPlanIDs[a.option]
		if in.PriceID == "" {
			return domain.Result{}, domain.NewValidation(domain.CodeOptionNotAllowed,
				fmt.Sprintf("no billing plan configured for %s", a.option))
		}
	} else {
		in.Amount = s.minor(q.Gross, a.currency())
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, in)
	if err != nil {
		return domain.Result{}, err
	}
	if err := s.events.Publish(ctx, s.cancelJob(a, domain.ObjectCheckoutSession, session.ID, nil)); err != nil {
		s.log.Warn("schedule checkout session expiry failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
	return domain.Result{
		Kind:              domain.ResultRedirect,
		PurchaseID:        a.purchase.ID,
		RedirectURL:       session.URL,
		Amount:            q.Gross,
		Currency:          a.currency(),
		PaymentObjectType: domain.ObjectCheckoutSession,
	}, nil
}

func withDefault(option, def catalogdomain.PaymentOption) catalogdomain.PaymentOption {
	if option == "" {
		return def
	}
	return option
}

func requireOption(option catalogdomain.PaymentOption, allowed ...catalogdomain.PaymentOption) error {
	for _, a := range allowed {
		if option == a {
			return nil
		}
	}
	return domain.NewValidation(domain.CodeOptionNotAllowed,
		fmt.Sprintf("%s cannot be purchased through this flow", option))
}
