package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	InsertRun(ctx context.Context, db *gorm.DB, run Run) error
	LastRun(ctx context.Context, db *gorm.DB, subscriber, entityType string) (*Run, error)
	ListRuns(ctx context.Context, db *gorm.DB, subscriber, entityType string, limit int) ([]Run, error)
}
