package webhook

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/config"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	"github.com/smallbiznis/cohere/internal/gateway/stripe"
	"github.com/smallbiznis/cohere/internal/testutil"
	"github.com/smallbiznis/cohere/internal/webhook/domain"
	"github.com/smallbiznis/cohere/internal/webhook/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	platformSecret = "whsec_platform"
	connectSecret  = "whsec_connect"
)

type recordingReconciler struct {
	mu        sync.Mutex
	calls     []string
	connected []bool
	err       error
}

func (r *recordingReconciler) record(family string, evt gatewaydomain.Event, fromConnected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, family+":"+evt.ID)
	r.connected = append(r.connected, fromConnected)
	return r.err
}

func (r *recordingReconciler) HandlePaymentObjectEvent(_ context.Context, evt gatewaydomain.Event, fromConnected bool) error {
	return r.record("payment", evt, fromConnected)
}

func (r *recordingReconciler) HandleInvoiceEvent(_ context.Context, evt gatewaydomain.Event, fromConnected bool) error {
	return r.record("invoice", evt, fromConnected)
}

func (r *recordingReconciler) HandleCheckoutSessionEvent(_ context.Context, evt gatewaydomain.Event, fromConnected bool) error {
	return r.record("session", evt, fromConnected)
}

func (r *recordingReconciler) HandleSubscriptionCanceledEvent(_ context.Context, evt gatewaydomain.Event, fromConnected bool) error {
	return r.record("subscription", evt, fromConnected)
}

type fixture struct {
	svc   domain.Service
	repo  domain.Repository
	rec   *recordingReconciler
	clock *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	database := testutil.OpenDB(t, repository.Models()...)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	repo := repository.New(database)
	rec := &recordingReconciler{}

	svc := NewService(Params{
		Log: zap.NewNop(),
		Config: config.Config{Gateway: config.GatewayConfig{
			WebhookSecret:        platformSecret,
			ConnectWebhookSecret: connectSecret,
		}},
		GenID:     node,
		Repo:      repo,
		Verifier:  stripe.NewWebhook(5 * time.Minute),
		Reconcile: rec,
		Clock:     clk,
	})
	return fixture{svc: svc, repo: repo, rec: rec, clock: clk}
}

func (f fixture) signed(payload []byte, secret string) http.Header {
	h := http.Header{}
	h.Set("Stripe-Signature", stripe.Sign(payload, secret, f.clock.Now()))
	return h
}

var intentSucceeded = []byte(`{"id":"evt_1","type":"payment_intent.succeeded","created":1717228800,` +
	`"data":{"object":{"id":"pi_123","status":"succeeded","amount":5000,"currency":"usd"}}}`)

func TestDuplicateDeliveryIsProcessedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.svc.Ingest(ctx, "", intentSucceeded, f.signed(intentSucceeded, platformSecret), false))
	require.NoError(t, f.svc.Ingest(ctx, "", intentSucceeded, f.signed(intentSucceeded, platformSecret), false))

	assert.Equal(t, []string{"payment:evt_1"}, f.rec.calls)
	stored, err := f.repo.Find(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, domain.FamilyPaymentObject, stored.Family)
}

func TestInvalidSignatureIsRejected(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Ingest(context.Background(), "", intentSucceeded, f.signed(intentSucceeded, "whsec_wrong"), false)
	assert.ErrorIs(t, err, gatewaydomain.ErrInvalidSignature)
	assert.Empty(t, f.rec.calls)
}

func TestConnectedAccountEndpointUsesConnectSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.svc.Ingest(ctx, "", intentSucceeded, f.signed(intentSucceeded, platformSecret), true)
	assert.ErrorIs(t, err, gatewaydomain.ErrInvalidSignature)

	require.NoError(t, f.svc.Ingest(ctx, "", intentSucceeded, f.signed(intentSucceeded, connectSecret), true))
	assert.Equal(t, []bool{true}, f.rec.connected)
}

func TestFailedReconciliationIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rec.err = errors.New("stale")

	assert.Error(t, f.svc.Ingest(ctx, "", intentSucceeded, f.signed(intentSucceeded, platformSecret), false))
	stored, err := f.repo.Find(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.Nil(t, stored.ProcessedAt)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "stale", stored.LastError)

	f.rec.err = nil
	require.NoError(t, f.svc.Ingest(ctx, "", intentSucceeded, f.signed(intentSucceeded, platformSecret), false))
	assert.Len(t, f.rec.calls, 2)
}

func TestFamilyRouting(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		family  domain.Family
		want    []string
		wantErr error
	}{
		{
			name:    "invoice",
			payload: `{"id":"evt_in","type":"invoice.paid","data":{"object":{"id":"in_1","status":"paid"}}}`,
			want:    []string{"invoice:evt_in"},
		},
		{
			name:    "checkout session",
			payload: `{"id":"evt_cs","type":"checkout.session.completed","data":{"object":{"id":"cs_1","mode":"payment"}}}`,
			want:    []string{"session:evt_cs"},
		},
		{
			name:    "subscription deleted",
			payload: `{"id":"evt_sub","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","status":"canceled"}}}`,
			family:  domain.FamilySubscriptionCanceled,
			want:    []string{"subscription:evt_sub"},
		},
		{
			name:    "subscription updated is not routed",
			payload: `{"id":"evt_up","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","status":"active"}}}`,
		},
		{
			name:    "unhandled type",
			payload: `{"id":"evt_ch","type":"charge.succeeded","data":{"object":{"id":"ch_1"}}}`,
		},
		{
			name:    "family mismatch",
			payload: `{"id":"evt_in2","type":"invoice.paid","data":{"object":{"id":"in_2"}}}`,
			family:  domain.FamilyPaymentObject,
			wantErr: domain.ErrFamilyMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			payload := []byte(tt.payload)
			err := f.svc.Ingest(context.Background(), tt.family, payload, f.signed(payload, platformSecret), false)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.rec.calls)
		})
	}
}

func TestParseFamily(t *testing.T) {
	f, err := domain.ParseFamily("Invoice-Event")
	require.NoError(t, err)
	assert.Equal(t, domain.FamilyInvoice, f)

	_, err = domain.ParseFamily("refund-event")
	assert.ErrorIs(t, err, domain.ErrInvalidFamily)
}
