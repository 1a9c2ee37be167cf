package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	pkgdb "github.com/smallbiznis/bookline/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func (r *repo) UpsertPlan(ctx context.Context, db *gorm.DB, plan billingdomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_plans (code, name, cycle, price_amount, currency, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			name = excluded.name,
			cycle = excluded.cycle,
			price_amount = excluded.price_amount,
			currency = excluded.currency,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		plan.Code,
		plan.Name,
		plan.Cycle,
		plan.PriceAmount,
		plan.Currency,
		plan.IsActive,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) FindPlan(ctx context.Context, db *gorm.DB, code string) (*billingdomain.Plan, error) {
	var rows []billingdomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT code, name, cycle, price_amount, currency, is_active, created_at, updated_at
		FROM subscription_plans WHERE code = ?`,
		code,
	).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB, activeOnly bool) ([]billingdomain.Plan, error) {
	query := `SELECT code, name, cycle, price_amount, currency, is_active, created_at, updated_at
		FROM subscription_plans`
	args := []any{}
	if activeOnly {
		query += ` WHERE is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY code ASC`

	var rows []billingdomain.Plan
	err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error
	return rows, err
}

const invoiceColumns = `invoice_id, user_uuid, currency, subtotal_amount, discount_amount, total_amount,
		discount_code, status, version, subscription_id, period_start, period_end, due_at, submitted_at,
		paid_at, failed_at, voided_at, created_at, updated_at`

func (r *repo) InsertInvoice(ctx context.Context, db *gorm.DB, invoice billingdomain.Invoice) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, period_start) DO NOTHING`,
		invoice.InvoiceID,
		invoice.UserUUID,
		invoice.Currency,
		invoice.SubtotalAmount,
		invoice.DiscountAmount,
		invoice.TotalAmount,
		invoice.DiscountCode,
		invoice.Status,
		invoice.Version,
		invoice.SubscriptionID,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.DueAt,
		invoice.SubmittedAt,
		invoice.PaidAt,
		invoice.FailedAt,
		invoice.VoidedAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertLineItems(ctx context.Context, db *gorm.DB, lines []billingdomain.LineItem) error {
	for _, line := range lines {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO invoice_line_items (id, invoice_id, line_no, kind, book_uuid, plan_code, description,
				quantity, unit_amount, amount, discount_amount, net_amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			line.ID,
			line.InvoiceID,
			line.LineNo,
			line.Kind,
			line.BookUUID,
			line.PlanCode,
			line.Description,
			line.Quantity,
			line.UnitAmount,
			line.Amount,
			line.DiscountAmount,
			line.NetAmount,
			line.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.Invoice, error) {
	return r.findInvoice(ctx, db, id, "")
}

func (r *repo) FindInvoiceForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.Invoice, error) {
	return r.findInvoice(ctx, db, id, pkgdb.ForUpdate(db))
}

func (r *repo) findInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID, lock string) (*billingdomain.Invoice, error) {
	var rows []billingdomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE invoice_id = ?`+lock,
		id,
	).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) FindLineItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]billingdomain.LineItem, error) {
	var rows []billingdomain.LineItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, line_no, kind, book_uuid, plan_code, description, quantity, unit_amount,
			amount, discount_amount, net_amount, created_at
		FROM invoice_line_items
		WHERE invoice_id = ?
		ORDER BY line_no ASC`,
		invoiceID,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) ListInvoices(ctx context.Context, db *gorm.DB, filter billingdomain.InvoiceFilter) ([]billingdomain.Invoice, error) {
	clauses := []string{}
	args := []any{}
	if filter.UserUUID != "" {
		clauses = append(clauses, "user_uuid = ?")
		args = append(args, filter.UserUUID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SubscriptionID != nil {
		clauses = append(clauses, "subscription_id = ?")
		args = append(args, *filter.SubscriptionID)
	}
	if filter.BeforeCreatedAt != nil {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND invoice_id < ?))")
		args = append(args, *filter.BeforeCreatedAt, *filter.BeforeCreatedAt, filter.BeforeID)
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, invoice_id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var rows []billingdomain.Invoice
	err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error
	return rows, err
}

func (r *repo) TransitionInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, status billingdomain.InvoiceStatus, at time.Time) (bool, error) {
	stamp := ""
	switch status {
	case billingdomain.InvoiceStatusPending:
		stamp = ", submitted_at = ?"
	case billingdomain.InvoiceStatusPaid:
		stamp = ", paid_at = ?"
	case billingdomain.InvoiceStatusFailed:
		stamp = ", failed_at = ?"
	case billingdomain.InvoiceStatusVoid:
		stamp = ", voided_at = ?"
	}

	args := []any{status, at}
	if stamp != "" {
		args = append(args, at)
	}
	args = append(args, id, version)

	res := db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, updated_at = ?, version = version + 1`+stamp+`
		WHERE invoice_id = ? AND version = ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

const recurringColumns = `subscription_id, user_uuid, plan_code, cycle, provider, status, next_charge_at,
		retry_count, next_retry_at, last_invoice_id, version, created_at, updated_at, cancelled_at`

func (r *repo) InsertRecurring(ctx context.Context, db *gorm.DB, recurring billingdomain.RecurringBilling) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO recurring_billings (`+recurringColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recurring.SubscriptionID,
		recurring.UserUUID,
		recurring.PlanCode,
		recurring.Cycle,
		recurring.Provider,
		recurring.Status,
		recurring.NextChargeAt,
		recurring.RetryCount,
		recurring.NextRetryAt,
		recurring.LastInvoiceID,
		recurring.Version,
		recurring.CreatedAt,
		recurring.UpdatedAt,
		recurring.CancelledAt,
	).Error
}

func (r *repo) FindRecurring(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.RecurringBilling, error) {
	return r.findRecurring(ctx, db, id, "")
}

func (r *repo) FindRecurringForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.RecurringBilling, error) {
	return r.findRecurring(ctx, db, id, pkgdb.ForUpdate(db))
}

func (r *repo) findRecurring(ctx context.Context, db *gorm.DB, id snowflake.ID, lock string) (*billingdomain.RecurringBilling, error) {
	var rows []billingdomain.RecurringBilling
	err := db.WithContext(ctx).Raw(
		`SELECT `+recurringColumns+` FROM recurring_billings WHERE subscription_id = ?`+lock,
		id,
	).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) ListRecurringByUser(ctx context.Context, db *gorm.DB, userUUID string) ([]billingdomain.RecurringBilling, error) {
	var rows []billingdomain.RecurringBilling
	err := db.WithContext(ctx).Raw(
		`SELECT `+recurringColumns+` FROM recurring_billings
		WHERE user_uuid = ?
		ORDER BY created_at DESC, subscription_id DESC`,
		userUUID,
	).Scan(&rows).Error
	return rows, err
}

// ClaimDueCharges lists candidates only. The charge re-reads each row under
// FindRecurringForUpdate, which is what serialises concurrent runners.
func (r *repo) ClaimDueCharges(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]billingdomain.RecurringBilling, error) {
	var rows []billingdomain.RecurringBilling
	err := db.WithContext(ctx).Raw(
		`SELECT `+recurringColumns+` FROM recurring_billings
		WHERE status = ? AND next_charge_at <= ?
		ORDER BY next_charge_at ASC, subscription_id ASC
		LIMIT ?`,
		billingdomain.RecurringStatusActive, now, limit,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) ClaimDueRetries(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]billingdomain.RecurringBilling, error) {
	var rows []billingdomain.RecurringBilling
	err := db.WithContext(ctx).Raw(
		`SELECT `+recurringColumns+` FROM recurring_billings
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, subscription_id ASC
		LIMIT ?`,
		billingdomain.RecurringStatusPastDue, now, limit,
	).Scan(&rows).Error
	return rows, err
}

// ListStaleRecurringDrafts returns subscription invoices created before
// cutoff that were never submitted.
func (r *repo) ListStaleRecurringDrafts(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]billingdomain.Invoice, error) {
	var rows []billingdomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices
		WHERE status = ? AND subscription_id IS NOT NULL AND created_at <= ?
		ORDER BY created_at ASC, invoice_id ASC
		LIMIT ?`,
		billingdomain.InvoiceStatusDraft, cutoff, limit,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) UpdateRecurring(ctx context.Context, db *gorm.DB, recurring billingdomain.RecurringBilling) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE recurring_billings SET
			status = ?,
			next_charge_at = ?,
			retry_count = ?,
			next_retry_at = ?,
			last_invoice_id = ?,
			cancelled_at = ?,
			updated_at = ?,
			version = version + 1
		WHERE subscription_id = ? AND version = ?`,
		recurring.Status,
		recurring.NextChargeAt,
		recurring.RetryCount,
		recurring.NextRetryAt,
		recurring.LastInvoiceID,
		recurring.CancelledAt,
		recurring.UpdatedAt,
		recurring.SubscriptionID,
		recurring.Version,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
