// Package gateway hands initiated transactions to the external payment contract.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	awsx "github.com/smallbiznis/bookline/pkg/aws"
	"github.com/smallbiznis/bookline/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const MessageTypeInitiated = "payment.initiated"

type initiatedMessage struct {
	Type string `json:"type"`
	paymentdomain.InitiateRequest
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Contract publishes payment.initiated messages to an SNS topic consumed by the
// provider integration. Without a publisher it only logs, which is the
// single-node mode where providers are driven by hand.
type Contract struct {
	publisher awsx.SNSPublisher
	topicARN  string
	log       *zap.Logger
}

func NewContract(publisher awsx.SNSPublisher, topicARN string, log *zap.Logger) *Contract {
	if log == nil {
		log = zap.NewNop()
	}
	return &Contract{publisher: publisher, topicARN: topicARN, log: log.Named("payment.gateway")}
}

func (c *Contract) Initiate(ctx context.Context, req paymentdomain.InitiateRequest) (string, error) {
	ctx, correlationID := correlation.EnsureCorrelationID(ctx)
	body, err := json.Marshal(initiatedMessage{
		Type:            MessageTypeInitiated,
		InitiateRequest: req,
		CorrelationID:   correlationID,
	})
	if err != nil {
		return "", err
	}

	if c.publisher == nil || c.topicARN == "" {
		c.log.Info("payment.gateway.initiated",
			zap.String("transaction_id", req.TransactionID.String()),
			zap.String("invoice_id", req.InvoiceID.String()),
			zap.String("provider", req.Provider),
			zap.Int64("amount", req.Amount),
			zap.String("currency", req.Currency),
		)
		return "", nil
	}

	attributes := map[string]string{
		"type":           MessageTypeInitiated,
		"provider":       req.Provider,
		"attempt":        strconv.Itoa(req.Attempt),
		"correlation_id": correlationID,
	}
	if err := c.publisher.Publish(ctx, c.topicARN, body, attributes); err != nil {
		return "", fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	c.log.Debug("payment.gateway.published",
		zap.String("transaction_id", req.TransactionID.String()),
		zap.String("topic_arn", c.topicARN),
	)
	return "", nil
}
