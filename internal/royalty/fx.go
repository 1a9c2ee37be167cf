package royalty

import (
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/royalty/domain"
	"github.com/smallbiznis/bookline/internal/royalty/repository"
	"github.com/smallbiznis/bookline/internal/royalty/service"
	"go.uber.org/fx"
)

var Module = fx.Module("royalty",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(asService),
	fx.Provide(asSaleRecorder),
)

func asService(svc *service.Service) domain.Service {
	return svc
}

// asSaleRecorder hands the paid transition of the billing engine to the calculator.
func asSaleRecorder(svc *service.Service) billingdomain.SaleRecorder {
	return svc
}
