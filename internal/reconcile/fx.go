package reconcile

import (
	"github.com/smallbiznis/bookline/internal/reconcile/repository"
	"github.com/smallbiznis/bookline/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
