package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	checkoutdomain "github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/config"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	"github.com/smallbiznis/cohere/internal/observability"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/cohere/internal/reconcile/domain"
	webhookdomain "github.com/smallbiznis/cohere/internal/webhook/domain"
	"github.com/smallbiznis/cohere/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCheckout struct {
	checkoutdomain.Service
	lastReq checkoutdomain.Request
	err     error
}

func (f *fakeCheckout) PurchaseOneToOneSession(_ context.Context, req checkoutdomain.Request) (checkoutdomain.Result, error) {
	f.lastReq = req
	if f.err != nil {
		return checkoutdomain.Result{}, f.err
	}
	return checkoutdomain.Result{
		Kind:          checkoutdomain.ResultPaymentSecret,
		TransactionID: "pi_1",
		ClientSecret:  "pi_1_secret",
		Amount:        decimal.RequireFromString("51.8"),
		Currency:      "usd",
	}, nil
}

type fakeWebhooks struct {
	family    webhookdomain.Family
	connected bool
	payload   []byte
	err       error
}

func (f *fakeWebhooks) Ingest(_ context.Context, family webhookdomain.Family, payload []byte, _ http.Header, fromConnectedAccount bool) error {
	f.family = family
	f.connected = fromConnectedAccount
	f.payload = payload
	return f.err
}

type fakePurchases struct {
	purchasedomain.Repository
	contributorID string
}

func (f *fakePurchases) ListByContributor(_ context.Context, contributorID string, _ pagination.Pagination) ([]purchasedomain.Purchase, pagination.PageInfo, error) {
	f.contributorID = contributorID
	return []purchasedomain.Purchase{{
		ID:             "p-1",
		ClientID:       "client-1",
		ContributionID: "c-1",
		Payments: []purchasedomain.Payment{{
			TransactionID: "pi_1",
			Status:        purchasedomain.StatusSucceeded,
			IsInEscrow:    true,
		}},
	}}, pagination.PageInfo{}, nil
}

type fakeEscrow struct {
	released int
	revoked  string
}

func (f *fakeEscrow) ReleaseEscrow(context.Context, string, string, string) (int, error) {
	return f.released, nil
}

func (f *fakeEscrow) RevokeAccess(_ context.Context, transactionID string) error {
	f.revoked = transactionID
	return nil
}

type harness struct {
	engine    *gin.Engine
	checkout  *fakeCheckout
	webhooks  *fakeWebhooks
	purchases *fakePurchases
	escrow    *fakeEscrow
	server    *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{
		engine:    NewEngine(observability.Config{Environment: "test"}),
		checkout:  &fakeCheckout{},
		webhooks:  &fakeWebhooks{},
		purchases: &fakePurchases{},
		escrow:    &fakeEscrow{released: 2},
	}
	h.server = NewServer(ServerParams{
		Gin:         h.engine,
		Cfg:         config.Config{Environment: "test"},
		Log:         zap.NewNop(),
		CheckoutSvc: h.checkout,
		WebhookSvc:  h.webhooks,
		Purchases:   h.purchases,
	})
	h.server.escrow = h.escrow
	return h
}

func (h *harness) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestCheckoutRequiresClientIdentity(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/checkout/one-to-one", gin.H{"contribution_id": "c-1"}, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckoutPassesCallerAndOption(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/checkout/one-to-one", gin.H{
		"contribution_id": "c-1",
		"payment_option":  "perSession",
		"slot_ids":        []string{"slot-1"},
	}, map[string]string{HeaderClientID: "client-1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "client-1", h.checkout.lastReq.ClientID)
	assert.Equal(t, catalogdomain.PerSession, h.checkout.lastReq.PaymentOption)
	assert.Equal(t, []string{"slot-1"}, h.checkout.lastReq.SlotIDs)

	var resp struct {
		Data checkoutResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pi_1_secret", resp.Data.ClientSecret)
	assert.True(t, decimal.RequireFromString("51.8").Equal(resp.Data.Amount))
}

func TestCheckoutRejectsUnknownOption(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/checkout/one-to-one", gin.H{
		"contribution_id": "c-1",
		"payment_option":  "barter",
	}, map[string]string{HeaderClientID: "client-1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)
}

func TestCheckoutErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"already purchased", checkoutdomain.NewValidation(checkoutdomain.CodeAlreadyPurchased, "already purchased"), http.StatusConflict, "already_purchased"},
		{"processing", checkoutdomain.NewValidation(checkoutdomain.CodePaymentProcessing, "try later"), http.StatusConflict, "payment_processing"},
		{"not entitled", checkoutdomain.NewValidation(checkoutdomain.CodeNotEntitled, "no"), http.StatusBadRequest, "not_entitled"},
		{"contribution missing", checkoutdomain.NewValidation(checkoutdomain.CodeContributionNotFound, "gone"), http.StatusNotFound, "contribution_not_found"},
		{"gateway", &gatewaydomain.Error{Code: "card_declined", Message: "Your card was declined."}, http.StatusBadGateway, "card_declined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.checkout.err = tt.err

			rec := h.do(http.MethodPost, "/api/checkout/one-to-one", gin.H{"contribution_id": "c-1"}, map[string]string{HeaderClientID: "client-1"})

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestGatewayMessageIsSurfacedVerbatim(t *testing.T) {
	h := newHarness(t)
	h.checkout.err = &gatewaydomain.Error{Code: "card_declined", Message: "Your card was declined."}

	rec := h.do(http.MethodPost, "/api/checkout/one-to-one", gin.H{"contribution_id": "c-1"}, map[string]string{HeaderClientID: "client-1"})

	assert.Equal(t, "Your card was declined.", decodeError(t, rec).Message)
}

func TestConnectWebhookFlagsConnectedAccount(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/payments/webhooks/stripe/connect?family=invoice-event", gin.H{"id": "evt_1"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.webhooks.connected)
	assert.Equal(t, webhookdomain.FamilyInvoice, h.webhooks.family)
	assert.Contains(t, string(h.webhooks.payload), "evt_1")
}

func TestWebhookStatusTellsGatewayWhetherToRetry(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"bad signature", gatewaydomain.ErrInvalidSignature, http.StatusBadRequest},
		{"family mismatch", webhookdomain.ErrFamilyMismatch, http.StatusBadRequest},
		{"unresolved contribution", reconciledomain.Wrap("payment", reconciledomain.ErrContributionUnresolved), http.StatusInternalServerError},
		{"stale aggregate", purchasedomain.ErrStaleAggregate, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.webhooks.err = tt.err

			rec := h.do(http.MethodPost, "/api/payments/webhooks/stripe", gin.H{"id": "evt_1"}, nil)

			assert.Equal(t, tt.status, rec.Code)
			assert.False(t, h.webhooks.connected)
		})
	}
}

func TestWebhookRejectsUnknownFamily(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/payments/webhooks/stripe?family=refunds", gin.H{"id": "evt_1"}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, h.webhooks.payload)
}

func TestListContributorPurchases(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/ops/contributors/coach-1/purchases?page_size=10", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "coach-1", h.purchases.contributorID)

	var resp struct {
		Data []purchaseView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Len(t, resp.Data[0].Payments, 1)
	assert.True(t, resp.Data[0].Payments[0].IsInEscrow)
}

func TestReleaseEscrowAndRevokeAccess(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/ops/escrow/release", gin.H{
		"contribution_id": "c-1",
		"class_id":        "class-1",
		"participant_id":  "client-1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"released":2`)

	rec = h.do(http.MethodPost, "/ops/payments/pi_1/revoke-access", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pi_1", h.escrow.revoked)
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/nope", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeLimiter struct {
	result *ratelimit.Result
	err    error
	seen   []string
}

func (f *fakeLimiter) AllowClient(_ context.Context, clientID string) (*ratelimit.Result, error) {
	f.seen = append(f.seen, clientID)
	return f.result, f.err
}

func TestCheckoutRateLimitDeniesWithRetryAfter(t *testing.T) {
	h := newHarness(t)
	limiter := &fakeLimiter{result: &ratelimit.Result{Allowed: false, Limit: 5, RetryAfter: 1500 * time.Millisecond}}
	h.server.limiter = limiter

	rec := h.do(http.MethodPost, "/api/checkout/one-to-one", gin.H{"contribution_id": "c-1"}, map[string]string{HeaderClientID: "client-1"})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, []string{"client-1"}, limiter.seen)
	assert.Empty(t, h.checkout.lastReq.ClientID)
}

func TestCheckoutRateLimitFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.server.limiter = &fakeLimiter{result: &ratelimit.Result{}, err: errors.New("redis down")}

	rec := h.do(http.MethodPost, "/api/checkout/one-to-one", gin.H{"contribution_id": "c-1"}, map[string]string{HeaderClientID: "client-1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "client-1", h.checkout.lastReq.ClientID)
}
