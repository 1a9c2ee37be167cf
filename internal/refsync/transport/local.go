package transport

import (
	"context"

	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"github.com/smallbiznis/bookline/internal/reference/service"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
)

// Local applies events into the reference store of this deployment.
type Local struct {
	refs referencedomain.Service
}

func NewLocal(refs referencedomain.Service) *Local {
	return &Local{refs: refs}
}

func (l *Local) Mode() refsyncdomain.Mode { return refsyncdomain.ModeLocal }

func (l *Local) Deliver(ctx context.Context, subscriber refsyncdomain.Subscriber, msg referencedomain.ChangeMessage) error {
	// a stale outcome is an acknowledgement: the store already holds this version or newer
	if _, err := l.refs.Apply(ctx, msg.Change()); err != nil {
		return failure(subscriber, service.IsValidationError(err), err)
	}
	return nil
}
