package reference

import (
	"github.com/smallbiznis/bookline/internal/reference/repository"
	"github.com/smallbiznis/bookline/internal/reference/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reference",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

// ConsumerModule applies sync events arriving on the SQS queue of this subscriber.
var ConsumerModule = fx.Module("reference.consumer",
	fx.Invoke(runQueueConsumer),
)
