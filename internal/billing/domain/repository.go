package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type InvoiceFilter struct {
	UserUUID        string
	Status          InvoiceStatus
	SubscriptionID  *snowflake.ID
	BeforeCreatedAt *time.Time
	BeforeID        snowflake.ID
	Limit           int
}

type Repository interface {
	UpsertPlan(ctx context.Context, db *gorm.DB, plan Plan) error
	FindPlan(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	ListPlans(ctx context.Context, db *gorm.DB, activeOnly bool) ([]Plan, error)

	// InsertInvoice reports false when an invoice for the same subscription period exists.
	InsertInvoice(ctx context.Context, db *gorm.DB, invoice Invoice) (bool, error)
	InsertLineItems(ctx context.Context, db *gorm.DB, lines []LineItem) error
	FindInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindInvoiceForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindLineItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]LineItem, error)
	ListInvoices(ctx context.Context, db *gorm.DB, filter InvoiceFilter) ([]Invoice, error)
	// TransitionInvoice moves the invoice to status when it is still at version,
	// stamping the timestamp column that belongs to status.
	TransitionInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, status InvoiceStatus, at time.Time) (bool, error)

	InsertRecurring(ctx context.Context, db *gorm.DB, recurring RecurringBilling) error
	FindRecurring(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RecurringBilling, error)
	FindRecurringForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RecurringBilling, error)
	ListRecurringByUser(ctx context.Context, db *gorm.DB, userUUID string) ([]RecurringBilling, error)
	ClaimDueCharges(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]RecurringBilling, error)
	ClaimDueRetries(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]RecurringBilling, error)
	ListStaleRecurringDrafts(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Invoice, error)
	// UpdateRecurring writes the mutable schedule fields when the row is still at
	// recurring.Version and bumps the version.
	UpdateRecurring(ctx context.Context, db *gorm.DB, recurring RecurringBilling) (bool, error)
}
