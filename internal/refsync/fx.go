package refsync

import (
	"context"
	"net/http"

	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/observability/metrics"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"github.com/smallbiznis/bookline/internal/refsync/repository"
	"github.com/smallbiznis/bookline/internal/refsync/service"
	"github.com/smallbiznis/bookline/internal/refsync/transport"
	awsx "github.com/smallbiznis/bookline/pkg/aws"
	"github.com/smallbiznis/bookline/pkg/breaker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("refsync",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewNotifier),
	fx.Provide(newTransports),
	fx.Provide(service.NewService),
)

// WorkerModule runs the in-process delivery loop next to the HTTP server.
var WorkerModule = fx.Module("refsync.worker",
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

type transportParams struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	References referencedomain.Service
	Domain     *metrics.Domain `optional:"true"`
}

func newTransports(p transportParams) (*transport.Registry, error) {
	breakers := breaker.NewGroup(transport.PushBreakerOptions(p.Domain.SetBreakerState), p.Log)

	transports := []transport.Transport{
		transport.NewLocal(p.References),
		transport.NewPush(&http.Client{Timeout: p.Config.Sync.DeliveryTimeout}, breakers),
	}

	var publisher awsx.SNSPublisher
	if p.Config.AWS.Enabled {
		awsCfg, err := awsx.LoadAWSConfig(context.Background())
		if err != nil {
			return nil, err
		}
		publisher = awsx.NewSNSClient(awsCfg, p.Log)
	}
	transports = append(transports, transport.NewSNS(publisher))

	return transport.NewRegistry(transports...), nil
}
