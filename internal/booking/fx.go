package booking

import (
	"github.com/smallbiznis/cohere/internal/booking/repository"
	"github.com/smallbiznis/cohere/internal/booking/service"
	"go.uber.org/fx"
)

var Module = fx.Module("booking",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
	fx.Invoke(Register),
)
