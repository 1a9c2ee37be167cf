package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type ListFilter struct {
	EntityType EntityType
	ActiveOnly bool
	AfterUUID  string
	Limit      int
}

type Repository interface {
	// Upsert writes ref when no copy exists or the stored version is lower.
	// With allowEqual the write also wins over a copy at the same version.
	// It reports whether a row was written.
	Upsert(ctx context.Context, db *gorm.DB, ref EntityReference, allowEqual bool) (bool, error)
	FindByUUID(ctx context.Context, db *gorm.DB, entityUUID string) (*EntityReference, error)
	FindByUUIDs(ctx context.Context, db *gorm.DB, entityType EntityType, entityUUIDs []string) ([]EntityReference, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]EntityReference, error)
	ListOldestSynced(ctx context.Context, db *gorm.DB, entityType EntityType, limit int) ([]EntityReference, error)
	Touch(ctx context.Context, db *gorm.DB, entityUUIDs []string, at time.Time) error
}
