package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	bookingdomain "github.com/smallbiznis/cohere/internal/booking/domain"
	bookingrepo "github.com/smallbiznis/cohere/internal/booking/repository"
	bookingservice "github.com/smallbiznis/cohere/internal/booking/service"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/cohere/internal/catalog/repository"
	"github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/config"
	"github.com/smallbiznis/cohere/internal/events"
	"github.com/smallbiznis/cohere/internal/freejoin"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	"github.com/smallbiznis/cohere/internal/gateway/gatewaytest"
	identitydomain "github.com/smallbiznis/cohere/internal/identity/domain"
	identityrepo "github.com/smallbiznis/cohere/internal/identity/repository"
	"github.com/smallbiznis/cohere/internal/pricing"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	purchaserepo "github.com/smallbiznis/cohere/internal/purchase/repository"
	"github.com/smallbiznis/cohere/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	svc       domain.Service
	gateway   *gatewaytest.Fake
	purchases purchasedomain.Repository
	catalog   catalogrepo.Repository
	users     identitydomain.Repository
	booking   bookingdomain.Repository
	outbox    *events.Outbox
	clock     *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	models := append(purchaserepo.Models(), events.Models()...)
	models = append(models, identityrepo.Models()...)
	models = append(models, catalogrepo.Models()...)
	models = append(models, bookingrepo.Models()...)
	database := testutil.OpenDB(t, models...)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))

	outbox := events.NewOutbox(events.OutboxParams{DB: database, GenID: node, Clock: clk})
	purchases := purchaserepo.New(purchaserepo.Params{DB: database, GenID: node, Events: outbox, Clock: clk})
	users := identityrepo.New(database)
	catalog := catalogrepo.New(database)
	bookings := bookingrepo.New(database)
	gw := gatewaytest.New()

	cfg := config.Config{Checkout: config.CheckoutConfig{
		PaymentSessionLifetime: 30 * time.Minute,
		AffiliateSharePercent:  50,
	}}
	svc := NewService(Params{
		Log:       zap.NewNop(),
		Config:    cfg,
		Catalog:   catalog,
		Users:     users,
		Purchases: purchases,
		Booking:   bookingservice.NewService(bookingservice.Params{Log: zap.NewNop(), GenID: node, Repo: bookings, Clock: clk}),
		Gateway:   gw,
		Pricing:   pricing.StaticSource(pricing.NewSchedule(config.DefaultPricingConfig())),
		Guard:     freejoin.NewKeyedMutex(),
		Events:    outbox,
		Clock:     clk,
	})

	require.NoError(t, users.SaveUser(ctx, identitydomain.User{
		ID: "coach-1", Email: "coach@example.com", Country: "us", ConnectedAccountID: "acct_coach",
	}))
	require.NoError(t, users.SaveUser(ctx, identitydomain.User{
		ID: "client-1", Email: "client@example.com", FirstName: "Ada", Country: "us",
		CustomerID: "cus_client", CustomerCurrency: "usd",
	}))
	require.NoError(t, catalog.SaveContribution(ctx, oneToOne()))
	require.NoError(t, bookings.SaveSlot(ctx, bookingdomain.Slot{
		ID: "slot-1", ContributionID: "c-1",
		StartTime: clk.Now().Add(24 * time.Hour), EndTime: clk.Now().Add(25 * time.Hour), Capacity: 1,
	}))
	require.NoError(t, bookings.SaveSlot(ctx, bookingdomain.Slot{
		ID: "slot-2", ContributionID: "c-1",
		StartTime: clk.Now().Add(48 * time.Hour), EndTime: clk.Now().Add(49 * time.Hour), Capacity: 1,
	}))

	return fixture{
		svc: svc, gateway: gw, purchases: purchases, catalog: catalog,
		users: users, booking: bookings, outbox: outbox, clock: clk,
	}
}

func oneToOne() catalogdomain.Contribution {
	return catalogdomain.Contribution{
		ID:     "c-1",
		UserID: "coach-1",
		Title:  "Coaching",
		Type:   catalogdomain.ContributionOneToOne,
		Status: catalogdomain.StatusApproved,
		Payment: catalogdomain.PaymentInfo{
			Options:               []catalogdomain.PaymentOption{catalogdomain.PerSession, catalogdomain.SessionsPackage, catalogdomain.Free},
			Currency:              "usd",
			PaymentType:           catalogdomain.PaymentTypeSimple,
			PackageSessionNumbers: 5,
			Cost: catalogdomain.OneToOneCost{
				SessionCost: decimal.RequireFromString("50.00"),
				PackageCost: decimal.RequireFromString("200.00"),
			},
		},
	}
}

func request(option catalogdomain.PaymentOption) domain.Request {
	return domain.Request{ContributionID: "c-1", ClientID: "client-1", PaymentOption: option}
}

func pendingFor(p *purchasedomain.Purchase, option catalogdomain.PaymentOption) int {
	n := 0
	for _, pay := range p.Payments {
		if pay.PaymentOption == option && pay.Status == purchasedomain.StatusRequiresPaymentMethod {
			n++
		}
	}
	return n
}

func TestSecondAttemptReusesPendingPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := request(catalogdomain.PerSession)
	req.SlotIDs = []string{"slot-1"}
	first, err := f.svc.PurchaseOneToOneSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultPaymentSecret, first.Kind)
	assert.NotEmpty(t, first.ClientSecret)
	require.Len(t, first.BookedClassesIDs, 1)
	firstAmount := f.gateway.Intents[first.TransactionID].Amount

	c := oneToOne()
	c.Payment.Cost = catalogdomain.OneToOneCost{
		SessionCost: decimal.RequireFromString("60.00"),
		PackageCost: decimal.RequireFromString("200.00"),
	}
	require.NoError(t, f.catalog.SaveContribution(ctx, c))

	req.SlotIDs = []string{"slot-2"}
	second, err := f.svc.PurchaseOneToOneSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 1, f.gateway.CallCount("CreatePaymentIntent"))
	assert.Equal(t, 1, f.gateway.CallCount("UpdatePaymentIntentAmount"))
	assert.Greater(t, f.gateway.Intents[first.TransactionID].Amount, firstAmount)

	p, err := f.purchases.Get(ctx, "client-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pendingFor(p, catalogdomain.PerSession))
	pay, ok := p.FindPayment(first.TransactionID)
	require.True(t, ok)
	assert.Equal(t, second.BookedClassesIDs, pay.BookedClassesIDs)
	assert.True(t, pay.GrossPurchaseAmount.GreaterThan(decimal.RequireFromString("60.00")))

	bookings, err := f.booking.ListBookings(ctx, "c-1", "client-1")
	require.NoError(t, err)
	statuses := map[string]bookingdomain.Status{}
	for _, b := range bookings {
		statuses[b.SlotID] = b.Status
	}
	assert.Equal(t, bookingdomain.StatusReleased, statuses["slot-1"])
	assert.Equal(t, bookingdomain.StatusTentative, statuses["slot-2"])
}

func TestClientPaysFeeGrossUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.PurchaseOneToOneSession(ctx, request(catalogdomain.PerSession))
	require.NoError(t, err)
	// (50.00 + 0.30) / (1 - 0.029)
	assert.Equal(t, int64(5180), f.gateway.Intents[res.TransactionID].Amount)
	assert.Equal(t, "cus_client", f.gateway.Intents[res.TransactionID].CustomerID)
	assert.Equal(t, "c-1", f.gateway.Intents[res.TransactionID].Metadata[gatewaydomain.MetaContributionID])
}

func TestFullDiscountCouponBypassesGateway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.catalog.SaveCoupon(ctx, catalogdomain.Coupon{ID: "FREE100", PercentOff: decimal.NewFromInt(100)}))

	req := request(catalogdomain.SessionsPackage)
	req.CouponID = "FREE100"
	res, err := f.svc.PurchaseSessionsPackage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultFreeGrant, res.Kind)
	assert.Empty(t, f.gateway.Calls)

	p, err := f.purchases.Get(ctx, "client-1", "c-1")
	require.NoError(t, err)
	require.Len(t, p.Payments, 1)
	pay := p.Payments[0]
	assert.True(t, pay.IsFreeGrant())
	assert.Equal(t, purchasedomain.StatusSucceeded, pay.Status)
	assert.True(t, pay.GrossPurchaseAmount.IsZero())
	assert.True(t, pay.IsInEscrow)
	assert.Equal(t, "FREE100", p.CouponID)
	assert.True(t, p.IsFirstPaymentHandled)
}

func TestConcurrentFreeJoinsRecordOneGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		joined  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.JoinFree(ctx, request(catalogdomain.Free))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case domain.CodeOf(err) == domain.CodeAlreadyJoined:
				joined++
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, n-1, joined)
	p, err := f.purchases.Get(ctx, "client-1", "c-1")
	require.NoError(t, err)
	assert.Len(t, p.Payments, 1)
}

func TestJoinFreeRequiresValidAccessCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := oneToOne()
	c.Payment.Options = []catalogdomain.PaymentOption{catalogdomain.PerSession}
	require.NoError(t, f.catalog.SaveContribution(ctx, c))
	require.NoError(t, f.catalog.SaveAccessCode(ctx, catalogdomain.AccessCode{
		Code: "OLD", ContributionID: "c-1", ExpiresAt: f.clock.Now().Add(-time.Hour),
	}))
	require.NoError(t, f.catalog.SaveAccessCode(ctx, catalogdomain.AccessCode{
		Code: "VIP", ContributionID: "c-1", ExpiresAt: f.clock.Now().Add(time.Hour),
	}))

	_, err := f.svc.JoinFree(ctx, request(catalogdomain.Free))
	assert.Equal(t, domain.CodeAccessCodeInvalid, domain.CodeOf(err))

	req := request(catalogdomain.Free)
	req.AccessCode = "OLD"
	_, err = f.svc.JoinFree(ctx, req)
	assert.Equal(t, domain.CodeAccessCodeInvalid, domain.CodeOf(err))

	req.AccessCode = "VIP"
	res, err := f.svc.JoinFree(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultFreeGrant, res.Kind)
}

func TestPreconditionFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.users.SaveUser(ctx, identitydomain.User{ID: "no-customer"}))

	draft := oneToOne()
	draft.ID = "c-draft"
	draft.Status = catalogdomain.StatusDraft
	require.NoError(t, f.catalog.SaveContribution(ctx, draft))

	advance := oneToOne()
	advance.ID = "c-advance"
	advance.Payment.PaymentType = catalogdomain.PaymentTypeAdvance
	require.NoError(t, f.catalog.SaveContribution(ctx, advance))

	tests := []struct {
		name string
		req  domain.Request
		want domain.Code
	}{
		{name: "missing contribution", req: domain.Request{ContributionID: "nope", ClientID: "client-1"}, want: domain.CodeContributionNotFound},
		{name: "not approved", req: domain.Request{ContributionID: "c-draft", ClientID: "client-1"}, want: domain.CodeContributionNotApproved},
		{name: "no standard account", req: domain.Request{ContributionID: "c-advance", ClientID: "client-1"}, want: domain.CodeStandardAccountRequired},
		{name: "no customer", req: domain.Request{ContributionID: "c-1", ClientID: "no-customer"}, want: domain.CodeCustomerMissing},
		{name: "unknown coupon", req: domain.Request{ContributionID: "c-1", ClientID: "client-1", CouponID: "nope"}, want: domain.CodeCouponInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PurchaseOneToOneSession(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.CodeOf(err))
		})
	}
	assert.Empty(t, f.gateway.Calls)
}

func TestProcessingAndPurchasedStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.PurchaseSessionsPackage(ctx, request(catalogdomain.SessionsPackage))
	require.NoError(t, err)

	p, err := f.purchases.Get(ctx, "client-1", "c-1")
	require.NoError(t, err)
	pay, _ := p.FindPayment(res.TransactionID)
	require.NoError(t, pay.Transition(purchasedomain.StatusProcessing))
	require.NoError(t, f.purchases.Save(ctx, p))

	_, err = f.svc.PurchaseSessionsPackage(ctx, request(catalogdomain.SessionsPackage))
	assert.Equal(t, domain.CodePaymentProcessing, domain.CodeOf(err))
}

func TestAlternateCurrencyCustomerIsCreatedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.EnsureCustomerForCurrency(ctx, "client-1", "EUR")
	require.NoError(t, err)
	assert.NotEqual(t, "cus_client", first)

	second, err := f.svc.EnsureCustomerForCurrency(ctx, "client-1", "eur")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.gateway.CallCount("CreateCustomer"))

	same, err := f.svc.EnsureCustomerForCurrency(ctx, "client-1", "usd")
	require.NoError(t, err)
	assert.Equal(t, "cus_client", same)
}

func TestCancelUnpaidReleasesBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := request(catalogdomain.PerSession)
	req.SlotIDs = []string{"slot-1"}
	res, err := f.svc.PurchaseOneToOneSession(ctx, req)
	require.NoError(t, err)

	err = f.svc.CancelUnpaid(ctx, events.CancelUnpaidPayload{
		ClientID:       "client-1",
		ContributionID: "c-1",
		ObjectType:     domain.ObjectPaymentIntent,
		ObjectID:       res.TransactionID,
		ClassIDs:       res.BookedClassesIDs,
	})
	require.NoError(t, err)
	assert.Equal(t, gatewaydomain.IntentCanceled, f.gateway.Intents[res.TransactionID].Status)

	p, err := f.purchases.Get(ctx, "client-1", "c-1")
	require.NoError(t, err)
	pay, ok := p.FindPayment(res.TransactionID)
	require.True(t, ok)
	assert.Equal(t, purchasedomain.StatusCanceled, pay.Status)
	assert.Empty(t, pay.BookedClassesIDs)

	_, _, err = f.outbox.Lookup(ctx, "booking_release:"+res.TransactionID)
	assert.NoError(t, err)
}

func TestCancelUnpaidIsNoopAfterSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.PurchaseOneToOneSession(ctx, request(catalogdomain.PerSession))
	require.NoError(t, err)
	f.gateway.Succeed(res.TransactionID)

	err = f.svc.CancelUnpaid(ctx, events.CancelUnpaidPayload{
		ClientID:       "client-1",
		ContributionID: "c-1",
		ObjectType:     domain.ObjectPaymentIntent,
		ObjectID:       res.TransactionID,
	})
	require.NoError(t, err)
	assert.Zero(t, f.gateway.CallCount("CancelPaymentIntent"))

	p, err := f.purchases.Get(ctx, "client-1", "c-1")
	require.NoError(t, err)
	pay, _ := p.FindPayment(res.TransactionID)
	assert.Equal(t, purchasedomain.StatusRequiresPaymentMethod, pay.Status)
}

func TestCancelJobIsScheduledAfterLifetime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.PurchaseOneToOneSession(ctx, request(catalogdomain.PerSession))
	require.NoError(t, err)

	published, attempts, err := f.outbox.Lookup(ctx, "cancel_unpaid:"+res.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, published)
	assert.Zero(t, attempts)
}

func TestSweepCancelsOnlyStalePendingPayments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.PurchaseOneToOneSession(ctx, request(catalogdomain.PerSession))
	require.NoError(t, err)

	swept, err := f.svc.SweepUnpaid(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, swept)

	f.clock.Advance(61 * time.Minute)
	swept, err = f.svc.SweepUnpaid(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, gatewaydomain.IntentCanceled, f.gateway.Intents[res.TransactionID].Status)

	p, err := f.purchases.Get(ctx, "client-1", "c-1")
	require.NoError(t, err)
	pay, ok := p.FindPayment(res.TransactionID)
	require.True(t, ok)
	assert.Equal(t, purchasedomain.StatusCanceled, pay.Status)
}
