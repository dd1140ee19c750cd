// Package webhook authenticates gateway deliveries, logs them, and routes each event
// family to reconciliation.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/config"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	"github.com/smallbiznis/cohere/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/cohere/internal/reconcile/domain"
	"github.com/smallbiznis/cohere/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	provider        = "stripe"
	signatureHeader = "Stripe-Signature"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Config    config.Config
	GenID     *snowflake.Node
	Repo      domain.Repository
	Verifier  gatewaydomain.WebhookVerifier
	Reconcile reconciledomain.Service
	Metrics   *metrics.Metrics `optional:"true"`
	Clock     clock.Clock      `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	genID         *snowflake.Node
	repo          domain.Repository
	verifier      gatewaydomain.WebhookVerifier
	reconcile     reconciledomain.Service
	metrics       *metrics.Metrics
	clock         clock.Clock
	secret        string
	connectSecret string
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		log:           p.Log.Named("webhook.service"),
		genID:         p.GenID,
		repo:          p.Repo,
		verifier:      p.Verifier,
		reconcile:     p.Reconcile,
		metrics:       p.Metrics,
		clock:         clk,
		secret:        strings.TrimSpace(p.Config.Gateway.WebhookSecret),
		connectSecret: strings.TrimSpace(p.Config.Gateway.ConnectWebhookSecret),
	}
}

// Ingest verifies the signature against the endpoint's secret, drops events already
// processed, and hands the rest to reconciliation. An empty family is derived from the
// event type.
func (s *Service) Ingest(ctx context.Context, family domain.Family, payload []byte, headers http.Header, fromConnectedAccount bool) (err error) {
	outcome := "processed"
	defer func() {
		if err != nil {
			outcome = "failed"
		}
		s.metrics.RecordWebhookEvent(ctx, provider, string(family), outcome)
	}()

	if !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}
	secret := s.secret
	if fromConnectedAccount {
		secret = s.connectSecret
	}
	if secret == "" {
		return domain.ErrSecretMissing
	}
	if err := s.verifier.Verify(payload, headers.Get(signatureHeader), secret, s.clock.Now()); err != nil {
		s.log.Warn("webhook signature rejected", zap.Bool("connected_account", fromConnectedAccount))
		return err
	}

	evt, err := s.verifier.Parse(payload)
	if errors.Is(err, gatewaydomain.ErrEventIgnored) {
		outcome = "ignored"
		return nil
	}
	if err != nil {
		return err
	}

	derived, ok := domain.FamilyOf(evt.Type)
	if !ok {
		outcome = "ignored"
		return nil
	}
	if family == "" {
		family = derived
	}
	if family != derived {
		return domain.ErrFamilyMismatch
	}

	log := s.log.With(
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("family", string(family)),
	)

	rec := &domain.EventRecord{
		ID:              s.genID.Generate().Int64(),
		Provider:        provider,
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		Family:          family,
		Account:         evt.Account,
		Payload:         payload,
		ReceivedAt:      s.clock.Now().UTC(),
	}
	inserted, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		stored, err := s.repo.Find(ctx, provider, evt.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return domain.ErrInvalidPayload
		}
		if stored.ProcessedAt != nil {
			outcome = "duplicate"
			log.Debug("webhook event already processed")
			return nil
		}
		rec = stored
	}

	if err := s.dispatch(ctx, family, evt, fromConnectedAccount); err != nil {
		if markErr := s.repo.MarkFailed(ctx, rec.ID, err); markErr != nil {
			log.Warn("record webhook failure", zap.Error(markErr))
		}
		return err
	}
	return s.repo.MarkProcessed(ctx, rec.ID, s.clock.Now().UTC())
}

func (s *Service) dispatch(ctx context.Context, family domain.Family, evt gatewaydomain.Event, fromConnectedAccount bool) error {
	switch family {
	case domain.FamilyPaymentObject:
		return s.reconcile.HandlePaymentObjectEvent(ctx, evt, fromConnectedAccount)
	case domain.FamilyInvoice:
		return s.reconcile.HandleInvoiceEvent(ctx, evt, fromConnectedAccount)
	case domain.FamilyCheckoutSession:
		return s.reconcile.HandleCheckoutSessionEvent(ctx, evt, fromConnectedAccount)
	case domain.FamilySubscriptionCanceled:
		return s.reconcile.HandleSubscriptionCanceledEvent(ctx, evt, fromConnectedAccount)
	}
	return domain.ErrInvalidFamily
}
