package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/smallbiznis/bookline/internal/observability/tracing"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	"github.com/smallbiznis/bookline/pkg/breaker"
	"github.com/smallbiznis/bookline/pkg/telemetry/correlation"
)

// errRejected marks responses the subscriber will never accept; they must not
// trip the breaker of an otherwise healthy endpoint.
var errRejected = errors.New("rejected_by_subscriber")

// Push POSTs events to the subscriber endpoint.
type Push struct {
	client   *http.Client
	breakers *breaker.Group
}

func NewPush(client *http.Client, breakers *breaker.Group) *Push {
	if client == nil {
		client = &http.Client{}
	}
	return &Push{
		client:   tracing.WrapHTTPClient(client, "refsync.push"),
		breakers: breakers,
	}
}

// PushBreakerOptions keeps rejected deliveries out of the failure counts.
func PushBreakerOptions(onStateChange func(name string, state float64)) breaker.Options {
	opts := breaker.DefaultOptions()
	opts.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errRejected)
	}
	opts.OnStateChange = onStateChange
	return opts
}

func (p *Push) Mode() refsyncdomain.Mode { return refsyncdomain.ModePush }

func (p *Push) Deliver(ctx context.Context, subscriber refsyncdomain.Subscriber, msg referencedomain.ChangeMessage) error {
	endpoint := subscriber.EndpointValue()
	if endpoint == "" {
		return failure(subscriber, true, refsyncdomain.ErrInvalidEndpoint)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return failure(subscriber, true, err)
	}

	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if msg.CorrelationID != "" {
			req.Header.Set(correlation.Header, msg.CorrelationID)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("subscriber responded %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
		default:
			return fmt.Errorf("subscriber responded %d", resp.StatusCode)
		}
	}

	if p.breakers != nil {
		err = p.breakers.Execute("push:"+subscriber.Name, call)
	} else {
		err = call()
	}
	if err != nil {
		return failure(subscriber, errors.Is(err, errRejected), err)
	}
	return nil
}
