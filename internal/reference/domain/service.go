package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/bookline/pkg/db/pagination"
)

type ListRequest struct {
	EntityType string
	ActiveOnly bool
	PageToken  string
	PageSize   int
}

type ListResponse struct {
	pagination.PageInfo
	References []EntityReference `json:"references"`
}

type Service interface {
	// Apply stores change unless the local copy is at the same or a newer version.
	Apply(ctx context.Context, change Change) (ApplyOutcome, error)
	// Repair overwrites a diverged copy at the same version but never regresses one.
	Repair(ctx context.Context, change Change) (ApplyOutcome, error)
	Get(ctx context.Context, entityUUID string) (EntityReference, error)
	Lookup(ctx context.Context, entityType EntityType, entityUUIDs []string) ([]EntityReference, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	// Sample returns up to limit references of entityType, least recently synced first.
	Sample(ctx context.Context, entityType EntityType, limit int) ([]EntityReference, error)
	// All pages through every reference of entityType in uuid order.
	All(ctx context.Context, entityType EntityType, fn func([]EntityReference) error) error
	MarkChecked(ctx context.Context, entityUUIDs []string, at time.Time) error
	// RequireActive returns the reference only when it exists, has the given type and is active.
	RequireActive(ctx context.Context, entityType EntityType, entityUUID string) (EntityReference, error)
}

var (
	ErrInvalidEntityType  = errors.New("invalid_entity_type")
	ErrInvalidOperation   = errors.New("invalid_operation")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEntityUUID  = errors.New("invalid_entity_uuid")
	ErrInvalidVersion     = errors.New("invalid_source_version")
	ErrReferenceNotFound  = errors.New("reference_not_found")
	ErrReferenceInactive  = errors.New("reference_inactive")
	ErrInvalidQueueRecord = errors.New("invalid_queue_record")
)
