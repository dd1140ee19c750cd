package checkout

import (
	"github.com/smallbiznis/cohere/internal/checkout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("checkout",
	fx.Provide(service.NewService),
	fx.Invoke(service.Register),
)
