package webhook

import (
	"github.com/smallbiznis/cohere/internal/webhook/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook",
	fx.Provide(repository.New),
	fx.Provide(NewService),
)
