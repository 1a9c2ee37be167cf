package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertTransaction(ctx context.Context, db *gorm.DB, txn Transaction) error
	FindTransactionForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	FindByReferenceForUpdate(ctx context.Context, db *gorm.DB, provider, reference string) (*Transaction, error)
	LatestInitiatedForUpdate(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, provider string) (*Transaction, error)
	LatestAttempt(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Transaction, error)
	SetProviderReference(ctx context.Context, db *gorm.DB, id snowflake.ID, reference string, at time.Time) (bool, error)
	// UpdateTransactionStatus applies only when the row is still at version.
	UpdateTransactionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, status TransactionStatus, at time.Time) (bool, error)
	SupersedeInitiated(ctx context.Context, db *gorm.DB, invoiceID, exceptID snowflake.ID, at time.Time) (int64, error)

	InsertCallback(ctx context.Context, db *gorm.DB, record CallbackRecord) (bool, error)
	FindCallbackByDedupKey(ctx context.Context, db *gorm.DB, key string) (*CallbackRecord, error)
	MarkCallbackProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Outcome, transactionID *snowflake.ID, at time.Time) error
	MarkCallbackUnmatched(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	ListUnmatchedCallbacks(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]CallbackRecord, error)
	CountUnmatchedCallbacks(ctx context.Context, db *gorm.DB) (int64, error)

	InsertAnomaly(ctx context.Context, db *gorm.DB, anomaly Anomaly) (bool, error)
	FindAnomaly(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Anomaly, error)
	ListAnomalies(ctx context.Context, db *gorm.DB, status AnomalyStatus, limit int) ([]Anomaly, error)
	ResolveAnomaly(ctx context.Context, db *gorm.DB, id snowflake.ID, resolution string, at time.Time) (bool, error)
	ResolveCallbackAnomalies(ctx context.Context, db *gorm.DB, callbackID snowflake.ID, kind AnomalyKind, resolution string, at time.Time) (int64, error)
}
