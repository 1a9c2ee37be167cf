package billing

import (
	"github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/billing/repository"
	"github.com/smallbiznis/bookline/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(asSettlement),
)

// asSettlement exposes the engine's paid and failed transitions to payment reconciliation.
func asSettlement(svc domain.Service) domain.Settlement {
	return svc
}
