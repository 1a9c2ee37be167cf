package transport

import (
	"context"

	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
)

// Transport hands one event to one subscriber. A nil error is the
// subscriber's acknowledgement that the event is durably applied.
type Transport interface {
	Mode() refsyncdomain.Mode
	Deliver(ctx context.Context, subscriber refsyncdomain.Subscriber, msg referencedomain.ChangeMessage) error
}

type Registry struct {
	transports map[refsyncdomain.Mode]Transport
}

func NewRegistry(transports ...Transport) *Registry {
	registry := &Registry{transports: map[refsyncdomain.Mode]Transport{}}
	for _, t := range transports {
		if t == nil {
			continue
		}
		registry.transports[t.Mode()] = t
	}
	return registry
}

func (r *Registry) Get(mode refsyncdomain.Mode) (Transport, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.transports[mode]
	return t, ok
}

func failure(subscriber refsyncdomain.Subscriber, permanent bool, err error) error {
	return &refsyncdomain.DeliveryFailure{
		Subscriber: subscriber.Name,
		Mode:       subscriber.Mode,
		Permanent:  permanent,
		Err:        err,
	}
}
