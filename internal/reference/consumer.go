package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/smallbiznis/bookline/internal/config"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"github.com/smallbiznis/bookline/internal/reference/service"
	awsx "github.com/smallbiznis/bookline/pkg/aws"
	"github.com/smallbiznis/bookline/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// QueueReceiver delivers queue message bodies to a handler until ctx ends.
type QueueReceiver interface {
	StartPolling(ctx context.Context, handler awsx.MessageHandler) error
}

// QueueConsumer applies sync events fanned out through SNS into the local store.
type QueueConsumer struct {
	receiver QueueReceiver
	refs     referencedomain.Service
	log      *zap.Logger
}

func NewQueueConsumer(receiver QueueReceiver, refs referencedomain.Service, log *zap.Logger) *QueueConsumer {
	return &QueueConsumer{
		receiver: receiver,
		refs:     refs,
		log:      log.Named("reference.consumer"),
	}
}

type snsEnvelope struct {
	Type              string                  `json:"Type"`
	Message           string                  `json:"Message"`
	MessageAttributes map[string]snsAttribute `json:"MessageAttributes"`
}

type snsAttribute struct {
	Type  string `json:"Type"`
	Value string `json:"Value"`
}

// Handle applies one queue message. Malformed records are logged and
// acknowledged so they do not cycle through the queue forever.
func (c *QueueConsumer) Handle(ctx context.Context, body string) error {
	raw := []byte(body)
	metadata := map[string]string{}

	var envelope snsEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Type == "Notification" && envelope.Message != "" {
		raw = []byte(envelope.Message)
		for key, attr := range envelope.MessageAttributes {
			metadata[key] = attr.Value
		}
	}

	var msg referencedomain.ChangeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("reference.consumer.invalid_record", zap.Error(err))
		return nil
	}
	if msg.CorrelationID != "" {
		metadata["correlation_id"] = msg.CorrelationID
	}
	ctx = correlation.ContextFromMetadata(ctx, metadata)

	outcome, err := c.refs.Apply(ctx, msg.Change())
	if err != nil {
		if service.IsValidationError(err) {
			c.log.Warn("reference.consumer.rejected",
				zap.String("event_id", msg.EventID.String()),
				zap.String("entity_uuid", msg.EntityUUID),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("apply event %s: %w", msg.EventID, err)
	}

	c.log.Debug("reference.consumer.applied",
		zap.String("event_id", msg.EventID.String()),
		zap.String("entity_uuid", msg.EntityUUID),
		zap.Int64("source_version", msg.SourceVersion),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

// Run polls until ctx is cancelled.
func (c *QueueConsumer) Run(ctx context.Context) error {
	err := c.receiver.StartPolling(ctx, c.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type consumerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Refs      referencedomain.Service
	Log       *zap.Logger
}

func runQueueConsumer(p consumerParams) error {
	if !p.Config.AWS.Enabled || p.Config.AWS.SyncQueueURL == "" {
		p.Log.Named("reference.consumer").Info("reference.consumer.disabled")
		return nil
	}

	var cancel context.CancelFunc
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			awsCfg, err := awsx.LoadAWSConfig(ctx)
			if err != nil {
				return err
			}
			consumer := NewQueueConsumer(awsx.NewSQSConsumer(awsCfg, p.Config.AWS.SyncQueueURL, p.Log), p.Refs, p.Log)

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := consumer.Run(runCtx); err != nil {
					consumer.log.Error("reference.consumer.stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}
