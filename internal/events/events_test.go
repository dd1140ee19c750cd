package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	outbox     *Outbox
	dispatcher *Dispatcher
	clock      *clock.FakeClock
}

func newHarness(t *testing.T, relay Relay) harness {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	db := testutil.OpenDB(t, Models()...)
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	outbox := NewOutbox(OutboxParams{DB: db, GenID: node, Clock: clk})
	dispatcher := NewDispatcher(DispatcherParams{
		Outbox: outbox,
		Log:    zap.NewNop(),
		Relay:  relay,
		Clock:  clk,
		Config: DispatcherConfig{BatchSize: 10, Lease: time.Minute, MaxAttempts: 3, RetryBase: time.Second, RetryMax: time.Minute},
	})
	return harness{outbox: outbox, dispatcher: dispatcher, clock: clk}
}

func TestPublishDedupesByKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var calls int
	require.NoError(t, h.dispatcher.Register(TopicCancelUnpaid, func(context.Context, Message) error {
		calls++
		return nil
	}))

	evt := Event{Topic: TopicCancelUnpaid, DedupeKey: "cancel:pi_1", Payload: CancelUnpaidPayload{ObjectID: "pi_1"}}
	require.NoError(t, h.outbox.Publish(ctx, evt))
	require.NoError(t, h.outbox.Publish(ctx, evt))

	n, err := h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)

	pending, err := h.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDelayedEventWaitsUntilAvailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var got CancelUnpaidPayload
	require.NoError(t, h.dispatcher.Register(TopicCancelUnpaid, func(_ context.Context, msg Message) error {
		return msg.Decode(&got)
	}))
	require.NoError(t, h.outbox.Publish(ctx, Event{
		Topic:       TopicCancelUnpaid,
		Payload:     CancelUnpaidPayload{ObjectID: "pi_9", ObjectType: "payment_intent"},
		AvailableAt: h.clock.Now().Add(30 * time.Minute),
	}))

	n, err := h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(31 * time.Minute)
	n, err = h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "pi_9", got.ObjectID)
}

func TestFailedDeliveryIsRetriedWithBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	attempts := 0
	require.NoError(t, h.dispatcher.Register(TopicTransferCreate, func(context.Context, Message) error {
		attempts++
		if attempts == 1 {
			return errors.New("gateway unavailable")
		}
		return nil
	}))
	require.NoError(t, h.outbox.Publish(ctx, Event{Topic: TopicTransferCreate, DedupeKey: "transfer:pi_1", Payload: TransferPayload{TransactionID: "pi_1"}}))

	n, err := h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not due until backoff elapses")

	h.clock.Advance(2 * time.Second)
	n, err = h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	publishedAt, tries, err := h.outbox.Lookup(ctx, "transfer:pi_1")
	require.NoError(t, err)
	assert.NotNil(t, publishedAt)
	assert.Equal(t, 2, tries)
}

func TestPermanentErrorDropsEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.dispatcher.Register(TopicBookingConfirm, func(context.Context, Message) error {
		return Permanent(errors.New("purchase gone"))
	}))
	require.NoError(t, h.outbox.Publish(ctx, Event{Topic: TopicBookingConfirm, Payload: BookingPayload{}}))

	_, err := h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	pending, err := h.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestUnhandledTopicWithoutRelayStaysPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.outbox.Publish(ctx, Event{Topic: TopicChatEnroll, Payload: NotificationPayload{}}))
	n, err := h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := h.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestRegisterRejectsDuplicateTopic(t *testing.T) {
	h := newHarness(t, nil)
	noop := func(context.Context, Message) error { return nil }
	require.NoError(t, h.dispatcher.Register(TopicBookingAutoBook, noop))
	assert.ErrorIs(t, h.dispatcher.Register(TopicBookingAutoBook, noop), ErrHandlerExists)
}

func TestKafkaRelayPublishesUnhandledTopics(t *testing.T) {
	ctx := context.Background()
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("empty payload")
		}
		return nil
	})
	relay := NewKafkaRelay(producer, "cohere.purchase.events", zap.NewNop())
	h := newHarness(t, relay)

	require.NoError(t, h.outbox.Publish(ctx, Event{
		Topic:   TopicPurchaseSucceeded,
		Key:     "client-1:contribution-1",
		Payload: NotificationPayload{ClientID: "client-1", ContributionID: "contribution-1"},
	}))
	n, err := h.dispatcher.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, relay.Close())
}
