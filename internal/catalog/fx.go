package catalog

import (
	"github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/catalog/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog",
	fx.Provide(repository.New),
	fx.Provide(func(r repository.Repository) domain.Repository { return r }),
)
