package gateway

import (
	"github.com/smallbiznis/cohere/internal/config"
	"github.com/smallbiznis/cohere/internal/gateway/domain"
	"github.com/smallbiznis/cohere/internal/gateway/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(
		fx.Annotate(
			stripe.NewClient,
			fx.As(new(domain.Gateway)),
		),
		ProvideWebhook,
	),
)

func ProvideWebhook(cfg config.Config) domain.WebhookVerifier {
	return stripe.NewWebhook(cfg.Gateway.WebhookTolerance)
}
