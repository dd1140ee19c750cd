package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes purchase-flow instruments.
type Metrics struct {
	checkouts     metric.Int64Counter
	webhookEvents metric.Int64Counter
	transfers     metric.Int64Counter
	freeGrants    metric.Int64Counter
	rateLimits    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "cohere"
	}
	meter := provider.Meter(name)

	checkouts, err := meter.Int64Counter("cohere_checkout_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("cohere_webhook_events_total")
	if err != nil {
		return nil, err
	}
	transfers, err := meter.Int64Counter("cohere_transfers_total")
	if err != nil {
		return nil, err
	}
	freeGrants, err := meter.Int64Counter("cohere_free_grants_total")
	if err != nil {
		return nil, err
	}

	rateLimits, err := meter.Int64Counter("cohere_rate_limit_decisions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		checkouts:     checkouts,
		webhookEvents: webhookEvents,
		transfers:     transfers,
		freeGrants:    freeGrants,
		rateLimits:    rateLimits,
	}, nil
}

// NewNoop returns instruments bound to a no-op provider, for tests and CLIs.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordCheckout counts checkout outcomes by payment option.
func (m *Metrics) RecordCheckout(ctx context.Context, paymentOption, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("payment_option", strings.TrimSpace(paymentOption)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.checkouts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent counts gateway events by family and outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, family, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("family", strings.TrimSpace(family)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransfer counts transfers by kind: single, grouped, reused, reversal or affiliate_resumed.
func (m *Metrics) RecordTransfer(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.transfers.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFreeGrant counts free grants by trigger.
func (m *Metrics) RecordFreeGrant(ctx context.Context, reason, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.freeGrants.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimit counts limiter decisions per route.
func (m *Metrics) RecordRateLimit(ctx context.Context, endpoint, decision string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("decision", strings.TrimSpace(decision)),
	)
	m.rateLimits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"payment_option": {},
	"outcome":        {},
	"provider":       {},
	"family":         {},
	"kind":           {},
	"reason":         {},
	"endpoint":       {},
	"decision":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
