package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	"github.com/smallbiznis/bookline/pkg/breaker"
	"github.com/smallbiznis/bookline/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pushSubscriber(endpoint string) refsyncdomain.Subscriber {
	return refsyncdomain.Subscriber{Name: "storefront", Mode: refsyncdomain.ModePush, Endpoint: &endpoint}
}

func testMessage() referencedomain.ChangeMessage {
	return referencedomain.ChangeMessage{
		EventID:       42,
		EntityUUID:    "book-1",
		EntityType:    referencedomain.EntityTypeBook,
		Operation:     referencedomain.OperationUpdate,
		Payload:       json.RawMessage(`{"title":"Dune"}`),
		SourceVersion: 3,
		CorrelationID: "corr-1",
	}
}

func TestPushDeliversJSON(t *testing.T) {
	var got referencedomain.ChangeMessage
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(correlation.Header)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	push := NewPush(srv.Client(), nil)
	require.NoError(t, push.Deliver(context.Background(), pushSubscriber(srv.URL), testMessage()))
	assert.Equal(t, "corr-1", header)
	assert.Equal(t, "book-1", got.EntityUUID)
	assert.Equal(t, int64(3), got.SourceVersion)
}

func TestPushClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		err := NewPush(srv.Client(), nil).Deliver(context.Background(), pushSubscriber(srv.URL), testMessage())
		srv.Close()

		var failure *refsyncdomain.DeliveryFailure
		require.ErrorAs(t, err, &failure, "status %d", tc.status)
		assert.Equal(t, tc.permanent, failure.Permanent, "status %d", tc.status)
		assert.ErrorIs(t, err, refsyncdomain.ErrDeliveryFailed)
	}
}

func TestPushBreakerOpensOnRepeatedServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	opts := PushBreakerOptions(nil)
	opts.ConsecutiveFailures = 2
	push := NewPush(srv.Client(), breaker.NewGroup(opts, zap.NewNop()))

	for i := 0; i < 4; i++ {
		_ = push.Deliver(context.Background(), pushSubscriber(srv.URL), testMessage())
	}
	assert.Equal(t, int32(2), hits.Load())

	err := push.Deliver(context.Background(), pushSubscriber(srv.URL), testMessage())
	assert.ErrorIs(t, err, breaker.ErrOpen)
}

func TestPushRejectionsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	opts := PushBreakerOptions(nil)
	opts.ConsecutiveFailures = 2
	push := NewPush(srv.Client(), breaker.NewGroup(opts, zap.NewNop()))

	for i := 0; i < 4; i++ {
		_ = push.Deliver(context.Background(), pushSubscriber(srv.URL), testMessage())
	}
	assert.Equal(t, int32(4), hits.Load())
}

type recordingPublisher struct {
	topic      string
	body       []byte
	attributes map[string]string
	err        error
}

func (p *recordingPublisher) Publish(_ context.Context, topicArn string, message []byte, attributes map[string]string) error {
	p.topic = topicArn
	p.body = message
	p.attributes = attributes
	return p.err
}

func TestSNSPublishesToSubscriberTopic(t *testing.T) {
	publisher := &recordingPublisher{}
	topic := "arn:aws:sns:eu-west-1:000000000000:catalog"
	sub := refsyncdomain.Subscriber{Name: "search", Mode: refsyncdomain.ModeSNS, Endpoint: &topic}

	require.NoError(t, NewSNS(publisher).Deliver(context.Background(), sub, testMessage()))
	assert.Equal(t, topic, publisher.topic)
	assert.Equal(t, "book", publisher.attributes["entity_type"])
	assert.Equal(t, "corr-1", publisher.attributes["correlation_id"])

	var decoded referencedomain.ChangeMessage
	require.NoError(t, json.Unmarshal(publisher.body, &decoded))
	assert.Equal(t, "book-1", decoded.EntityUUID)
}

func TestSNSWithoutPublisherIsRetryable(t *testing.T) {
	topic := "arn:aws:sns:eu-west-1:000000000000:catalog"
	sub := refsyncdomain.Subscriber{Name: "search", Mode: refsyncdomain.ModeSNS, Endpoint: &topic}

	err := NewSNS(nil).Deliver(context.Background(), sub, testMessage())
	var failure *refsyncdomain.DeliveryFailure
	require.ErrorAs(t, err, &failure)
	assert.False(t, failure.Permanent)
	assert.True(t, errors.Is(err, refsyncdomain.ErrTransportDisabled))
}

func TestRegistryIgnoresNilTransports(t *testing.T) {
	registry := NewRegistry(nil, NewSNS(nil))
	_, ok := registry.Get(refsyncdomain.ModeSNS)
	assert.True(t, ok)
	_, ok = registry.Get(refsyncdomain.ModePush)
	assert.False(t, ok)
}
