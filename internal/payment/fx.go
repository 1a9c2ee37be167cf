package payment

import (
	"context"

	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/payment/adapters"
	"github.com/smallbiznis/bookline/internal/payment/adapters/generic"
	"github.com/smallbiznis/bookline/internal/payment/adapters/mtnmomo"
	"github.com/smallbiznis/bookline/internal/payment/adapters/orangemoney"
	"github.com/smallbiznis/bookline/internal/payment/adapters/wave"
	"github.com/smallbiznis/bookline/internal/payment/domain"
	"github.com/smallbiznis/bookline/internal/payment/gateway"
	"github.com/smallbiznis/bookline/internal/payment/repository"
	paymentservice "github.com/smallbiznis/bookline/internal/payment/service"
	"github.com/smallbiznis/bookline/internal/payment/webhook"
	awsx "github.com/smallbiznis/bookline/pkg/aws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			orangemoney.NewFactory(),
			mtnmomo.NewFactory(),
			wave.NewFactory(),
			generic.NewFactory(),
		)
	}),
	fx.Provide(newGateway),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
	fx.Invoke(func(registry *adapters.Registry, log *zap.Logger) {
		log.Named("payment").Info("payment.adapters.registered", zap.Strings("providers", registry.Providers()))
	}),
)

func newGateway(cfg config.Config, log *zap.Logger) (domain.Gateway, error) {
	var publisher awsx.SNSPublisher
	if cfg.AWS.Enabled && cfg.Payment.InitiatedTopicARN != "" {
		awsCfg, err := awsx.LoadAWSConfig(context.Background())
		if err != nil {
			return nil, err
		}
		publisher = awsx.NewSNSClient(awsCfg, log)
	}
	return gateway.NewContract(publisher, cfg.Payment.InitiatedTopicARN, log), nil
}
