package identity

import (
	"github.com/smallbiznis/cohere/internal/identity/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("identity",
	fx.Provide(repository.New),
)
