package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookline/internal/payment/domain"
	pkgdb "github.com/smallbiznis/bookline/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const transactionColumns = `transaction_id, invoice_id, provider, provider_reference, amount, currency, status,
		attempt_count, version, created_at, updated_at, confirmed_at, failed_at, superseded_at`

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.TransactionID,
		txn.InvoiceID,
		txn.Provider,
		txn.ProviderReference,
		txn.Amount,
		txn.Currency,
		txn.Status,
		txn.AttemptCount,
		txn.Version,
		txn.CreatedAt,
		txn.UpdatedAt,
		txn.ConfirmedAt,
		txn.FailedAt,
		txn.SupersededAt,
	).Error
}

func (r *repo) FindTransactionForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transaction, error) {
	return r.findTransaction(ctx, db,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE transaction_id = ?
		LIMIT 1`+pkgdb.ForUpdate(db),
		id,
	)
}

func (r *repo) FindByReferenceForUpdate(ctx context.Context, db *gorm.DB, provider, reference string) (*domain.Transaction, error) {
	return r.findTransaction(ctx, db,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE provider = ? AND provider_reference = ?
		LIMIT 1`+pkgdb.ForUpdate(db),
		provider, reference,
	)
}

func (r *repo) LatestInitiatedForUpdate(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, provider string) (*domain.Transaction, error) {
	return r.findTransaction(ctx, db,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE invoice_id = ? AND provider = ? AND status = ?
		ORDER BY created_at DESC, transaction_id DESC
		LIMIT 1`+pkgdb.ForUpdate(db),
		invoiceID, provider, domain.TransactionStatusInitiated,
	)
}

func (r *repo) LatestAttempt(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*domain.Transaction, error) {
	return r.findTransaction(ctx, db,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE invoice_id = ?
		ORDER BY attempt_count DESC, transaction_id DESC
		LIMIT 1`,
		invoiceID,
	)
}

func (r *repo) findTransaction(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Transaction, error) {
	var item domain.Transaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.TransactionID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE invoice_id = ?
		ORDER BY attempt_count ASC, transaction_id ASC`,
		invoiceID,
	).Scan(&items).Error
	return items, err
}

func (r *repo) SetProviderReference(ctx context.Context, db *gorm.DB, id snowflake.ID, reference string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		SET provider_reference = ?, updated_at = ?, version = version + 1
		WHERE transaction_id = ? AND provider_reference IS NULL`,
		reference, at, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateTransactionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, status domain.TransactionStatus, at time.Time) (bool, error) {
	stamp := ""
	switch status {
	case domain.TransactionStatusConfirmed:
		stamp = ", confirmed_at = ?"
	case domain.TransactionStatusFailed:
		stamp = ", failed_at = ?"
	case domain.TransactionStatusSuperseded:
		stamp = ", superseded_at = ?"
	}
	args := []any{status, at}
	if stamp != "" {
		args = append(args, at)
	}
	args = append(args, id, version)

	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		SET status = ?, updated_at = ?, version = version + 1`+stamp+`
		WHERE transaction_id = ? AND version = ?`,
		args...,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			// another attempt of the same invoice won the confirmed slot
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SupersedeInitiated(ctx context.Context, db *gorm.DB, invoiceID, exceptID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		SET status = ?, superseded_at = ?, updated_at = ?, version = version + 1
		WHERE invoice_id = ? AND transaction_id <> ? AND status = ?`,
		domain.TransactionStatusSuperseded, at, at,
		invoiceID, exceptID, domain.TransactionStatusInitiated,
	)
	return res.RowsAffected, res.Error
}

const callbackColumns = `id, provider, dedup_key, provider_reference, invoice_id, status, amount, currency,
		payload, received_at, processed_at, outcome, transaction_id, match_attempts`

func (r *repo) InsertCallback(ctx context.Context, db *gorm.DB, record domain.CallbackRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_callbacks (`+callbackColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedup_key) DO NOTHING`,
		record.ID,
		record.Provider,
		record.DedupKey,
		record.ProviderReference,
		record.InvoiceID,
		record.Status,
		record.Amount,
		record.Currency,
		record.Payload,
		record.ReceivedAt,
		record.ProcessedAt,
		record.Outcome,
		record.TransactionID,
		record.MatchAttempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindCallbackByDedupKey(ctx context.Context, db *gorm.DB, key string) (*domain.CallbackRecord, error) {
	var item domain.CallbackRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+callbackColumns+` FROM payment_callbacks
		WHERE dedup_key = ?
		LIMIT 1`,
		key,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkCallbackProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome domain.Outcome, transactionID *snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_callbacks
		SET processed_at = ?, outcome = ?, transaction_id = ?, match_attempts = match_attempts + 1
		WHERE id = ?`,
		at, outcome, transactionID, id,
	).Error
}

func (r *repo) MarkCallbackUnmatched(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_callbacks
		SET outcome = ?, match_attempts = match_attempts + 1
		WHERE id = ? AND processed_at IS NULL`,
		domain.OutcomeUnmatched, id,
	).Error
}

func (r *repo) ListUnmatchedCallbacks(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]domain.CallbackRecord, error) {
	var items []domain.CallbackRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+callbackColumns+` FROM payment_callbacks
		WHERE outcome = ? AND processed_at IS NULL AND received_at >= ?
		ORDER BY received_at ASC, id ASC
		LIMIT ?`,
		domain.OutcomeUnmatched, since, limit,
	).Scan(&items).Error
	return items, err
}

func (r *repo) CountUnmatchedCallbacks(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM payment_callbacks WHERE outcome = ? AND processed_at IS NULL`,
		domain.OutcomeUnmatched,
	).Scan(&count).Error
	return count, err
}

const anomalyColumns = `id, kind, provider, provider_reference, invoice_id, transaction_id, callback_id, detail,
		status, resolution, created_at, resolved_at`

func (r *repo) InsertAnomaly(ctx context.Context, db *gorm.DB, anomaly domain.Anomaly) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_anomalies (`+anomalyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (callback_id, kind) DO NOTHING`,
		anomaly.ID,
		anomaly.Kind,
		anomaly.Provider,
		anomaly.ProviderReference,
		anomaly.InvoiceID,
		anomaly.TransactionID,
		anomaly.CallbackID,
		anomaly.Detail,
		anomaly.Status,
		anomaly.Resolution,
		anomaly.CreatedAt,
		anomaly.ResolvedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindAnomaly(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Anomaly, error) {
	var item domain.Anomaly
	err := db.WithContext(ctx).Raw(
		`SELECT `+anomalyColumns+` FROM payment_anomalies WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListAnomalies(ctx context.Context, db *gorm.DB, status domain.AnomalyStatus, limit int) ([]domain.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM payment_anomalies`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var items []domain.Anomaly
	err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error
	return items, err
}

func (r *repo) ResolveAnomaly(ctx context.Context, db *gorm.DB, id snowflake.ID, resolution string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_anomalies
		SET status = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		domain.AnomalyStatusResolved, resolution, at, id, domain.AnomalyStatusOpen,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ResolveCallbackAnomalies(ctx context.Context, db *gorm.DB, callbackID snowflake.ID, kind domain.AnomalyKind, resolution string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_anomalies
		SET status = ?, resolution = ?, resolved_at = ?
		WHERE callback_id = ? AND kind = ? AND status = ?`,
		domain.AnomalyStatusResolved, resolution, at, callbackID, kind, domain.AnomalyStatusOpen,
	)
	return res.RowsAffected, res.Error
}
