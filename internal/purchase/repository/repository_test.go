package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/events"
	"github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/internal/testutil"
	"github.com/smallbiznis/cohere/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo   domain.Repository
	outbox *events.Outbox
	clock  *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	models := append(Models(), events.Models()...)
	database := testutil.OpenDB(t, models...)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(events.OutboxParams{DB: database, GenID: node, Clock: clk})
	return fixture{
		repo:   New(Params{DB: database, GenID: node, Events: outbox, Clock: clk}),
		outbox: outbox,
		clock:  clk,
	}
}

func newPurchase(client, contribution string) *domain.Purchase {
	return &domain.Purchase{
		ClientID:         client,
		ContributionID:   contribution,
		ContributorID:    "coach-1",
		ContributionType: catalogdomain.ContributionCourse,
		PaymentType:      catalogdomain.PaymentTypeSimple,
	}
}

func TestSaveRoundTripsAggregate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := newPurchase("client-1", "course-1")
	require.NoError(t, p.AppendPayment(domain.Payment{
		TransactionID:       "pi_1",
		PaymentOption:       catalogdomain.EntireCourse,
		Status:              domain.StatusSucceeded,
		PurchaseAmount:      decimal.RequireFromString("80"),
		GrossPurchaseAmount: decimal.RequireFromString("82.69"),
		TransferAmount:      decimal.RequireFromString("72"),
		CohereFee:           decimal.RequireFromString("8"),
		Currency:            "usd",
		IsInEscrow:          true,
		BookedClassesIDs:    []string{"class-1"},
		AffiliateRevenueTransfer: &domain.AffiliateTransfer{
			Amount:     decimal.RequireFromString("4"),
			IsInEscrow: true,
		},
		DestinationBalanceTransaction: &domain.BalanceSnapshot{
			Amount:       decimal.RequireFromString("82.69"),
			Fee:          decimal.RequireFromString("2.70"),
			Net:          decimal.RequireFromString("79.99"),
			Currency:     "usd",
			ExchangeRate: decimal.NewFromInt(1),
		},
	}))
	require.NoError(t, p.AppendPayment(domain.Payment{TransactionID: "pi_2", PaymentOption: catalogdomain.EntireCourse, Status: domain.StatusCanceled}))

	require.NoError(t, f.repo.Save(ctx, p, events.Event{Topic: events.TopicPurchaseSucceeded, Payload: map[string]string{"id": "pi_1"}}))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, int64(1), p.Version)

	got, err := f.repo.Get(ctx, "client-1", "course-1")
	require.NoError(t, err)
	require.Len(t, got.Payments, 2)
	assert.Equal(t, "pi_1", got.Payments[0].TransactionID)
	assert.Equal(t, "pi_2", got.Payments[1].TransactionID)

	first := got.Payments[0]
	assert.True(t, first.PurchaseAmount.Equal(decimal.RequireFromString("80")))
	assert.True(t, first.GrossPurchaseAmount.Equal(decimal.RequireFromString("82.69")))
	assert.Equal(t, []string{"class-1"}, first.BookedClassesIDs)
	require.NotNil(t, first.AffiliateRevenueTransfer)
	assert.True(t, first.AffiliateRevenueTransfer.Amount.Equal(decimal.RequireFromString("4")))
	require.NotNil(t, first.DestinationBalanceTransaction)
	assert.True(t, first.DestinationBalanceTransaction.Fee.Equal(decimal.RequireFromString("2.70")))
	assert.Nil(t, got.Payments[1].DestinationBalanceTransaction)

	pending, err := f.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	byTxn, err := f.repo.FindByTransactionID(ctx, "pi_2")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byTxn.ID)
}

func TestSaveDetectsStaleAggregate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := newPurchase("client-1", "course-1")
	require.NoError(t, f.repo.Save(ctx, p))

	a, err := f.repo.Get(ctx, "client-1", "course-1")
	require.NoError(t, err)
	b, err := f.repo.Get(ctx, "client-1", "course-1")
	require.NoError(t, err)

	require.NoError(t, a.AppendPayment(domain.Payment{TransactionID: "pi_a", PaymentOption: catalogdomain.EntireCourse, Status: domain.StatusRequiresPaymentMethod}))
	require.NoError(t, f.repo.Save(ctx, a))

	require.NoError(t, b.AppendPayment(domain.Payment{TransactionID: "pi_b", PaymentOption: catalogdomain.EntireCourse, Status: domain.StatusRequiresPaymentMethod}))
	err = f.repo.Save(ctx, b, events.Event{Topic: events.TopicChatEnroll, Payload: "x"})
	assert.ErrorIs(t, err, domain.ErrStaleAggregate)

	pending, err := f.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "events roll back with the stale write")

	latest, err := f.repo.Get(ctx, "client-1", "course-1")
	require.NoError(t, err)
	require.Len(t, latest.Payments, 1)
	assert.Equal(t, "pi_a", latest.Payments[0].TransactionID)
}

func TestConcurrentInsertOfSamePurchaseIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.repo.Save(ctx, newPurchase("client-1", "course-1")))
	err := f.repo.Save(ctx, newPurchase("client-1", "course-1"))
	assert.ErrorIs(t, err, domain.ErrStaleAggregate)
}

func TestTransactionIDIsUniqueAcrossPurchases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := newPurchase("client-1", "course-1")
	require.NoError(t, a.AppendPayment(domain.Payment{TransactionID: "pi_shared", Status: domain.StatusSucceeded}))
	require.NoError(t, f.repo.Save(ctx, a))

	b := newPurchase("client-2", "course-1")
	require.NoError(t, b.AppendPayment(domain.Payment{TransactionID: "pi_shared", Status: domain.StatusSucceeded}))
	err := f.repo.Save(ctx, b)
	assert.ErrorIs(t, err, domain.ErrDuplicateTransaction)

	_, err = f.repo.Get(ctx, "client-2", "course-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateInPlaceKeepsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := newPurchase("client-1", "course-1")
	p.SubscriptionID = "sub_1"
	require.NoError(t, p.AppendPayment(domain.Payment{TransactionID: "in_1", PaymentOption: catalogdomain.SplitPayments, Status: domain.StatusRequiresPaymentMethod, PurchaseAmount: decimal.NewFromInt(10)}))
	require.NoError(t, f.repo.Save(ctx, p))

	got, err := f.repo.FindBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	pay, ok := got.FindPayment("in_1")
	require.True(t, ok)
	pay.PurchaseAmount = decimal.NewFromInt(12)
	require.NoError(t, pay.Transition(domain.StatusSucceeded))
	require.NoError(t, got.AppendPayment(domain.Payment{TransactionID: "in_2", PaymentOption: catalogdomain.SplitPayments, Status: domain.StatusSucceeded}))
	require.NoError(t, f.repo.Save(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	again, err := f.repo.GetByID(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, again.Payments, 2)
	assert.Equal(t, "in_1", again.Payments[0].TransactionID)
	assert.True(t, again.Payments[0].PurchaseAmount.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, domain.StatusSucceeded, again.Payments[0].Status)

	_, err = f.repo.FindBySubscriptionID(ctx, domain.FreeGrantSubscriptionID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListByContributorPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, client := range []string{"a", "b", "c"} {
		f.clock.Advance(time.Minute)
		require.NoError(t, f.repo.Save(ctx, newPurchase(client, "course-1")))
	}
	other := newPurchase("d", "course-9")
	other.ContributorID = "coach-2"
	require.NoError(t, f.repo.Save(ctx, other))

	page1, info, err := f.repo.ListByContributor(ctx, "coach-1", pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.True(t, info.HasMore)
	assert.Equal(t, "c", page1[0].ClientID)
	assert.Equal(t, "b", page1[1].ClientID)

	page2, info, err := f.repo.ListByContributor(ctx, "coach-1", pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.False(t, info.HasMore)
	assert.Equal(t, "a", page2[0].ClientID)
}

func TestSaveRejectsInvalidPurchase(t *testing.T) {
	f := newFixture(t)
	err := f.repo.Save(context.Background(), &domain.Purchase{})
	assert.True(t, errors.Is(err, domain.ErrInvalidPurchase))
}

func TestListStalePendingSkipsSettledAndRecentPurchases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stale := newPurchase("client-1", "course-1")
	require.NoError(t, stale.AppendPayment(domain.Payment{
		TransactionID: "pi_stale",
		PaymentOption: catalogdomain.EntireCourse,
		Status:        domain.StatusRequiresPaymentMethod,
	}))
	require.NoError(t, f.repo.Save(ctx, stale))

	settled := newPurchase("client-2", "course-1")
	require.NoError(t, settled.AppendPayment(domain.Payment{
		TransactionID: "pi_paid",
		PaymentOption: catalogdomain.EntireCourse,
		Status:        domain.StatusSucceeded,
	}))
	require.NoError(t, f.repo.Save(ctx, settled))

	f.clock.Advance(2 * time.Hour)
	recent := newPurchase("client-3", "course-1")
	require.NoError(t, recent.AppendPayment(domain.Payment{
		TransactionID: "pi_recent",
		PaymentOption: catalogdomain.EntireCourse,
		Status:        domain.StatusRequiresPaymentMethod,
	}))
	require.NoError(t, f.repo.Save(ctx, recent))

	got, err := f.repo.ListStalePending(ctx, f.clock.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "client-1", got[0].ClientID)
	require.Len(t, got[0].Payments, 1)
	assert.Equal(t, "pi_stale", got[0].Payments[0].TransactionID)
}
