package transport

import (
	"context"
	"encoding/json"

	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	awsx "github.com/smallbiznis/bookline/pkg/aws"
	"github.com/smallbiznis/bookline/pkg/telemetry/correlation"
)

// SNS publishes events to the topic ARN stored as the subscriber endpoint.
// The subscriber consumes them from an SQS queue subscribed to that topic.
type SNS struct {
	publisher awsx.SNSPublisher
}

func NewSNS(publisher awsx.SNSPublisher) *SNS {
	return &SNS{publisher: publisher}
}

func (s *SNS) Mode() refsyncdomain.Mode { return refsyncdomain.ModeSNS }

func (s *SNS) Deliver(ctx context.Context, subscriber refsyncdomain.Subscriber, msg referencedomain.ChangeMessage) error {
	if s.publisher == nil {
		return failure(subscriber, false, refsyncdomain.ErrTransportDisabled)
	}
	topic := subscriber.EndpointValue()
	if topic == "" {
		return failure(subscriber, true, refsyncdomain.ErrInvalidEndpoint)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return failure(subscriber, true, err)
	}

	attributes := correlation.Metadata(correlation.ContextWithCorrelationID(ctx, msg.CorrelationID))
	attributes["entity_type"] = string(msg.EntityType)
	if err := s.publisher.Publish(ctx, topic, body, attributes); err != nil {
		return failure(subscriber, false, err)
	}
	return nil
}
