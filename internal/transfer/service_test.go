package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/cohere/internal/catalog/repository"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/config"
	"github.com/smallbiznis/cohere/internal/events"
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
	svc       *Service
	params    Params
	gateway   *gatewaytest.Fake
	purchases purchasedomain.Repository
	users     identitydomain.Repository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	models := append(purchaserepo.Models(), events.Models()...)
	models = append(models, identityrepo.Models()...)
	models = append(models, catalogrepo.Models()...)
	database := testutil.OpenDB(t, models...)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))

	outbox := events.NewOutbox(events.OutboxParams{DB: database, GenID: node, Clock: clk})
	purchases := purchaserepo.New(purchaserepo.Params{DB: database, GenID: node, Events: outbox, Clock: clk})
	users := identityrepo.New(database)
	gw := gatewaytest.New()

	params := Params{
		Log:       zap.NewNop(),
		Gateway:   gw,
		Purchases: purchases,
		Users:     users,
		Catalog:   catalogrepo.New(database),
		Pricing:   pricing.StaticSource(pricing.NewSchedule(config.DefaultPricingConfig())),
	}
	return fixture{svc: NewService(params), params: params, gateway: gw, purchases: purchases, users: users}
}

func payee() identitydomain.User {
	return identitydomain.User{ID: "coach-1", Email: "coach@example.com", Country: "us", ConnectedAccountID: "acct_coach"}
}

func TestCreateOrReuseTransferPaysOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := Request{
		ChargeID:       "ch_1",
		Currency:       "usd",
		Payee:          payee(),
		TransferAmount: decimal.RequireFromString("45.00"),
	}
	first, err := f.svc.CreateOrReuseTransfer(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first.Transfer)
	assert.False(t, first.Reused)
	assert.Equal(t, int64(4500), first.Transfer.Amount)
	assert.Equal(t, "acct_coach", first.Transfer.Destination)

	second, err := f.svc.CreateOrReuseTransfer(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Transfer.ID, second.Transfer.ID)
	assert.Equal(t, 1, f.gateway.CallCount("CreateTransfer"))
}

func TestReferredPayeeGetsGroupedTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.users.SaveUser(ctx, identitydomain.User{ID: "aff-1", ConnectedAccountID: "acct_aff"}))

	p := payee()
	p.ReferredByUserID = "aff-1"
	result, err := f.svc.CreateOrReuseTransfer(ctx, Request{
		ChargeID:        "ch_2",
		Currency:        "usd",
		Payee:           p,
		TransferAmount:  decimal.RequireFromString("40.00"),
		AffiliateAmount: decimal.RequireFromString("2.50"),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Affiliate)
	assert.Equal(t, int64(250), result.Affiliate.Amount)
	assert.Equal(t, "acct_aff", result.Affiliate.Destination)
	assert.Equal(t, result.Transfer.TransferGroup, result.Affiliate.TransferGroup)
	assert.Equal(t, "ch_2", result.Affiliate.SourceTransaction)
	assert.Equal(t, 2, f.gateway.CallCount("CreateTransfer"))
}

// flakyTransfers fails the first transfer to each listed destination.
type flakyTransfers struct {
	*gatewaytest.Fake
	failOnce map[string]error
}

func (g *flakyTransfers) CreateTransfer(ctx context.Context, in gatewaydomain.TransferInput) (gatewaydomain.Transfer, error) {
	if err, ok := g.failOnce[in.Destination]; ok {
		delete(g.failOnce, in.Destination)
		return gatewaydomain.Transfer{}, err
	}
	return g.Fake.CreateTransfer(ctx, in)
}

func TestGroupedTransferResumesAffiliateLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.users.SaveUser(ctx, identitydomain.User{ID: "aff-1", ConnectedAccountID: "acct_aff"}))

	gw := &flakyTransfers{Fake: f.gateway, failOnce: map[string]error{"acct_aff": errors.New("connection reset")}}
	params := f.params
	params.Gateway = gw
	svc := NewService(params)

	p := payee()
	p.ReferredByUserID = "aff-1"
	req := Request{
		ChargeID:        "ch_5",
		Currency:        "usd",
		Payee:           p,
		TransferAmount:  decimal.RequireFromString("40.00"),
		AffiliateAmount: decimal.RequireFromString("2.50"),
	}

	_, err := svc.CreateOrReuseTransfer(ctx, req)
	require.Error(t, err)

	retry, err := svc.CreateOrReuseTransfer(ctx, req)
	require.NoError(t, err)
	assert.True(t, retry.Reused)
	require.NotNil(t, retry.Affiliate)
	assert.Equal(t, int64(250), retry.Affiliate.Amount)
	assert.Equal(t, "acct_aff", retry.Affiliate.Destination)
	assert.Equal(t, retry.Transfer.TransferGroup, retry.Affiliate.TransferGroup)

	again, err := svc.CreateOrReuseTransfer(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, again.Affiliate)
	assert.Equal(t, retry.Affiliate.ID, again.Affiliate.ID)

	var legs int
	for _, tr := range f.gateway.Transfers {
		if tr.SourceTransaction == "ch_5" && tr.Destination == "acct_aff" {
			legs++
		}
	}
	assert.Equal(t, 1, legs)
}

func TestLegacyPayeeOverpaymentIsReversed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gateway.Transfers["tr_existing"] = &gatewaydomain.Transfer{
		ID:                "tr_existing",
		Amount:            1000,
		Currency:          "usd",
		Destination:       "acct_coach",
		SourceTransaction: "ch_3",
	}

	p := payee()
	p.IsBetaUser = true
	result, err := f.svc.CreateOrReuseTransfer(ctx, Request{
		ChargeID:       "ch_3",
		Currency:       "usd",
		Payee:          p,
		TransferAmount: decimal.RequireFromString("8.00"),
	})
	require.NoError(t, err)
	assert.True(t, result.Reused)
	assert.Equal(t, int64(200), result.Reversed)
	assert.Equal(t, int64(200), f.gateway.Transfers["tr_existing"].AmountReversed)
	assert.Zero(t, f.gateway.CallCount("CreateTransfer"))

	again, err := f.svc.CreateOrReuseTransfer(ctx, Request{
		ChargeID:       "ch_3",
		Currency:       "usd",
		Payee:          p,
		TransferAmount: decimal.RequireFromString("8.00"),
	})
	require.NoError(t, err)
	assert.Zero(t, again.Reversed)
	assert.Equal(t, 1, f.gateway.CallCount("ReverseTransfer"))
}

func TestTransferRequiresConnectedAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrReuseTransfer(context.Background(), Request{
		ChargeID:       "ch_4",
		Currency:       "usd",
		Payee:          identitydomain.User{ID: "coach-2"},
		TransferAmount: decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func seedPurchase(t *testing.T, f fixture) *purchasedomain.Purchase {
	t.Helper()
	p := &purchasedomain.Purchase{
		ClientID:         "client-1",
		ContributorID:    "coach-1",
		ContributionID:   "one-1",
		ContributionType: catalogdomain.ContributionOneToOne,
		PaymentType:      catalogdomain.PaymentTypeSimple,
	}
	require.NoError(t, p.AppendPayment(purchasedomain.Payment{
		TransactionID:       "pi_a",
		PaymentOption:       catalogdomain.PerSession,
		Status:              purchasedomain.StatusSucceeded,
		PurchaseAmount:      decimal.NewFromInt(50),
		GrossPurchaseAmount: decimal.RequireFromString("51.80"),
		TransferAmount:      decimal.NewFromInt(45),
		Currency:            "usd",
		IsInEscrow:          true,
		BookedClassesIDs:    []string{"class-1"},
		AffiliateRevenueTransfer: &purchasedomain.AffiliateTransfer{
			Amount:     decimal.RequireFromString("2.50"),
			IsInEscrow: true,
		},
	}))
	require.NoError(t, p.AppendPayment(purchasedomain.Payment{
		TransactionID:    "pi_b",
		PaymentOption:    catalogdomain.PerSession,
		Status:           purchasedomain.StatusSucceeded,
		Currency:         "usd",
		IsInEscrow:       true,
		BookedClassesIDs: []string{"class-2"},
	}))
	require.NoError(t, f.purchases.Save(context.Background(), p))
	return p
}

func TestReleaseEscrowOnlyTouchesBookedClass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPurchase(t, f)

	n, err := f.svc.ReleaseEscrow(ctx, "one-1", "class-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.purchases.Get(ctx, "client-1", "one-1")
	require.NoError(t, err)
	a, _ := stored.FindPayment("pi_a")
	b, _ := stored.FindPayment("pi_b")
	assert.False(t, a.IsInEscrow)
	assert.False(t, a.AffiliateRevenueTransfer.IsInEscrow)
	assert.True(t, b.IsInEscrow)

	n, err = f.svc.ReleaseEscrow(ctx, "one-1", "class-1", "client-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRevokeAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPurchase(t, f)

	require.NoError(t, f.svc.RevokeAccess(ctx, "pi_b"))
	stored, err := f.purchases.FindByTransactionID(ctx, "pi_b")
	require.NoError(t, err)
	b, _ := stored.FindPayment("pi_b")
	assert.True(t, b.IsAccessRevoked)
	assert.True(t, stored.IsPurchased())
}

func TestHandleTransferEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.users.SaveUser(ctx, payee()))
	seedPurchase(t, f)

	payload, err := json.Marshal(events.TransferPayload{
		ClientID:       "client-1",
		ContributionID: "one-1",
		TransactionID:  "pi_a",
		ChargeID:       "ch_a",
	})
	require.NoError(t, err)
	msg := events.Message{ID: 1, Topic: events.TopicTransferCreate, Payload: payload}

	require.NoError(t, f.svc.HandleTransferEvent(ctx, msg))
	require.NoError(t, f.svc.HandleTransferEvent(ctx, msg))
	assert.Equal(t, 1, f.gateway.CallCount("CreateTransfer"))

	bad := events.Message{ID: 2, Topic: events.TopicTransferCreate, Payload: []byte(`{"transaction_id":"pi_a"}`)}
	assert.True(t, events.IsPermanent(f.svc.HandleTransferEvent(ctx, bad)))
}

func TestHandleTransferEventPaysInSettledCurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.users.SaveUser(ctx, payee()))

	p := &purchasedomain.Purchase{
		ClientID:         "client-1",
		ContributorID:    "coach-1",
		ContributionID:   "one-eur",
		ContributionType: catalogdomain.ContributionOneToOne,
		PaymentType:      catalogdomain.PaymentTypeSimple,
	}
	require.NoError(t, p.AppendPayment(purchasedomain.Payment{
		TransactionID:       "pi_eur",
		PaymentOption:       catalogdomain.PerSession,
		Status:              purchasedomain.StatusSucceeded,
		GrossPurchaseAmount: decimal.NewFromInt(50),
		TransferAmount:      decimal.RequireFromString("48.42"),
		Currency:            "usd",
		PurchaseCurrency:    "eur",
		ExchangeRate:        decimal.RequireFromString("1.1"),
	}))
	require.NoError(t, f.purchases.Save(ctx, p))

	payload, err := json.Marshal(events.TransferPayload{
		ClientID:       "client-1",
		ContributionID: "one-eur",
		TransactionID:  "pi_eur",
		ChargeID:       "ch_eur",
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleTransferEvent(ctx, events.Message{ID: 3, Topic: events.TopicTransferCreate, Payload: payload}))

	tr, err := f.gateway.FindTransferForCharge(ctx, "ch_eur", "acct_coach")
	require.NoError(t, err)
	assert.Equal(t, "usd", tr.Currency)
	assert.Equal(t, int64(4842), tr.Amount)
}
