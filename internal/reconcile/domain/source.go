package domain

import (
	"context"

	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
)

// AuthoritativeSource reports the current state the owner of an entity type holds.
type AuthoritativeSource interface {
	Lookup(ctx context.Context, entityType referencedomain.EntityType, entityUUIDs []string) ([]Head, error)
	// Page lists heads in entity uuid order after afterUUID.
	Page(ctx context.Context, entityType referencedomain.EntityType, afterUUID string, limit int) ([]Head, error)
}
