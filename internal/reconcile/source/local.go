package source

import (
	"context"
	"encoding/json"

	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
)

// Local reads heads straight from the dispatcher of this deployment.
type Local struct {
	dispatcher refsyncdomain.Service
}

func NewLocal(dispatcher refsyncdomain.Service) *Local {
	return &Local{dispatcher: dispatcher}
}

func (l *Local) Lookup(ctx context.Context, entityType referencedomain.EntityType, entityUUIDs []string) ([]reconciledomain.Head, error) {
	heads, err := l.dispatcher.LookupHeads(ctx, string(entityType), entityUUIDs)
	if err != nil {
		return nil, err
	}
	return fromEntityHeads(heads), nil
}

func (l *Local) Page(ctx context.Context, entityType referencedomain.EntityType, afterUUID string, limit int) ([]reconciledomain.Head, error) {
	heads, err := l.dispatcher.ListHeads(ctx, string(entityType), afterUUID, limit)
	if err != nil {
		return nil, err
	}
	return fromEntityHeads(heads), nil
}

func fromEntityHeads(heads []refsyncdomain.EntityHead) []reconciledomain.Head {
	out := make([]reconciledomain.Head, 0, len(heads))
	for _, head := range heads {
		out = append(out, reconciledomain.Head{
			EntityUUID:    head.EntityUUID,
			EntityType:    head.EntityType,
			SourceVersion: head.SourceVersion,
			Operation:     head.Operation,
			Payload:       json.RawMessage(head.Payload),
			IsActive:      head.IsActive,
		})
	}
	return out
}
