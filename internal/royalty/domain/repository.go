package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertSale reports false when the (line item, author) pair is already attributed.
	InsertSale(ctx context.Context, db *gorm.DB, sale Sale) (bool, error)
	ListSales(ctx context.Context, db *gorm.DB, start, end time.Time) ([]Sale, error)

	FindCurrent(ctx context.Context, db *gorm.DB, authorUUID string, start, end time.Time, currency string) (*AuthorRoyalty, error)
	FindRoyalty(ctx context.Context, db *gorm.DB, id snowflake.ID) (*AuthorRoyalty, error)
	InsertRoyalty(ctx context.Context, db *gorm.DB, royalty AuthorRoyalty) error
	// TransitionRoyalty moves a row from one status to another and reports whether it did.
	TransitionRoyalty(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to RoyaltyStatus, at time.Time) (bool, error)
	ListRoyalties(ctx context.Context, db *gorm.DB, filter RoyaltyFilter) ([]AuthorRoyalty, error)

	InsertAdjustment(ctx context.Context, db *gorm.DB, adj Adjustment) (bool, error)
	SumAdjustments(ctx context.Context, db *gorm.DB, royaltyID snowflake.ID) (int64, error)
	ListAdjustments(ctx context.Context, db *gorm.DB, royaltyID snowflake.ID) ([]Adjustment, error)

	InsertPeriod(ctx context.Context, db *gorm.DB, period Period) (bool, error)
	FindPeriod(ctx context.Context, db *gorm.DB, start, end time.Time) (*Period, error)
	ListPeriods(ctx context.Context, db *gorm.DB, limit int) ([]Period, error)
}
