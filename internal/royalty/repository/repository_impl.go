package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	royaltydomain "github.com/smallbiznis/bookline/internal/royalty/domain"
	"gorm.io/gorm"
)

const royaltyColumns = `royalty_id, author_uuid, period_start, period_end, currency, gross_amount, rate_applied,
	payable_amount, sales_count, status, revision, supersedes_id, created_at, updated_at, approved_at, paid_at`

type repo struct{}

func Provide() royaltydomain.Repository {
	return &repo{}
}

func (r *repo) InsertSale(ctx context.Context, db *gorm.DB, sale royaltydomain.Sale) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO royalty_sales (id, line_item_id, invoice_id, author_uuid, book_uuid, royalty_tier, book_rate,
			currency, share_bps, net_amount, attributed_amount, sold_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (line_item_id, author_uuid) DO NOTHING`,
		sale.ID,
		sale.LineItemID,
		sale.InvoiceID,
		sale.AuthorUUID,
		sale.BookUUID,
		sale.RoyaltyTier,
		sale.BookRate,
		sale.Currency,
		sale.ShareBps,
		sale.NetAmount,
		sale.AttributedAmount,
		sale.SoldAt,
		sale.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListSales(ctx context.Context, db *gorm.DB, start, end time.Time) ([]royaltydomain.Sale, error) {
	var rows []royaltydomain.Sale
	err := db.WithContext(ctx).Raw(
		`SELECT id, line_item_id, invoice_id, author_uuid, book_uuid, royalty_tier, book_rate, currency,
			share_bps, net_amount, attributed_amount, sold_at, created_at
		FROM royalty_sales
		WHERE sold_at >= ? AND sold_at < ?
		ORDER BY author_uuid ASC, currency ASC, id ASC`,
		start,
		end,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) FindCurrent(ctx context.Context, db *gorm.DB, authorUUID string, start, end time.Time, currency string) (*royaltydomain.AuthorRoyalty, error) {
	var rows []royaltydomain.AuthorRoyalty
	err := db.WithContext(ctx).Raw(
		`SELECT `+royaltyColumns+` FROM author_royalties
		WHERE author_uuid = ? AND period_start = ? AND period_end = ? AND currency = ? AND status <> ?`,
		authorUUID,
		start,
		end,
		currency,
		royaltydomain.RoyaltyStatusSuperseded,
	).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) FindRoyalty(ctx context.Context, db *gorm.DB, id snowflake.ID) (*royaltydomain.AuthorRoyalty, error) {
	var rows []royaltydomain.AuthorRoyalty
	err := db.WithContext(ctx).Raw(
		`SELECT `+royaltyColumns+` FROM author_royalties WHERE royalty_id = ?`,
		id,
	).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) InsertRoyalty(ctx context.Context, db *gorm.DB, royalty royaltydomain.AuthorRoyalty) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO author_royalties (`+royaltyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		royalty.RoyaltyID,
		royalty.AuthorUUID,
		royalty.PeriodStart,
		royalty.PeriodEnd,
		royalty.Currency,
		royalty.GrossAmount,
		royalty.RateApplied,
		royalty.PayableAmount,
		royalty.SalesCount,
		royalty.Status,
		royalty.Revision,
		royalty.SupersedesID,
		royalty.CreatedAt,
		royalty.UpdatedAt,
		royalty.ApprovedAt,
		royalty.PaidAt,
	).Error
}

func (r *repo) TransitionRoyalty(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to royaltydomain.RoyaltyStatus, at time.Time) (bool, error) {
	stamp := ""
	switch to {
	case royaltydomain.RoyaltyStatusApproved:
		stamp = ", approved_at = ?"
	case royaltydomain.RoyaltyStatusPaid:
		stamp = ", paid_at = ?"
	}

	args := []any{to, at}
	if stamp != "" {
		args = append(args, at)
	}
	args = append(args, id, from)

	res := db.WithContext(ctx).Exec(
		`UPDATE author_royalties SET status = ?, updated_at = ?`+stamp+`
		WHERE royalty_id = ? AND status = ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListRoyalties(ctx context.Context, db *gorm.DB, filter royaltydomain.RoyaltyFilter) ([]royaltydomain.AuthorRoyalty, error) {
	clauses := []string{}
	args := []any{}
	if filter.AuthorUUID != "" {
		clauses = append(clauses, "author_uuid = ?")
		args = append(args, filter.AuthorUUID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.PeriodStart != nil {
		clauses = append(clauses, "period_start >= ?")
		args = append(args, *filter.PeriodStart)
	}
	if filter.PeriodEnd != nil {
		clauses = append(clauses, "period_end <= ?")
		args = append(args, *filter.PeriodEnd)
	}
	if filter.BeforeCreatedAt != nil {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND royalty_id < ?))")
		args = append(args, *filter.BeforeCreatedAt, *filter.BeforeCreatedAt, filter.BeforeID)
	}

	query := `SELECT ` + royaltyColumns + ` FROM author_royalties`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, royalty_id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var rows []royaltydomain.AuthorRoyalty
	err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error
	return rows, err
}

func (r *repo) InsertAdjustment(ctx context.Context, db *gorm.DB, adj royaltydomain.Adjustment) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO royalty_adjustments (id, royalty_id, author_uuid, currency, delta_amount, reason, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`,
		adj.ID,
		adj.RoyaltyID,
		adj.AuthorUUID,
		adj.Currency,
		adj.DeltaAmount,
		adj.Reason,
		adj.Fingerprint,
		adj.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SumAdjustments(ctx context.Context, db *gorm.DB, royaltyID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(delta_amount), 0) FROM royalty_adjustments WHERE royalty_id = ?`,
		royaltyID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) ListAdjustments(ctx context.Context, db *gorm.DB, royaltyID snowflake.ID) ([]royaltydomain.Adjustment, error) {
	var rows []royaltydomain.Adjustment
	err := db.WithContext(ctx).Raw(
		`SELECT id, royalty_id, author_uuid, currency, delta_amount, reason, fingerprint, created_at
		FROM royalty_adjustments WHERE royalty_id = ?
		ORDER BY created_at ASC, id ASC`,
		royaltyID,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) InsertPeriod(ctx context.Context, db *gorm.DB, period royaltydomain.Period) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO royalty_periods (id, period_start, period_end, statements, closed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (period_start, period_end) DO NOTHING`,
		period.ID,
		period.PeriodStart,
		period.PeriodEnd,
		period.Statements,
		period.ClosedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPeriod(ctx context.Context, db *gorm.DB, start, end time.Time) (*royaltydomain.Period, error) {
	var item royaltydomain.Period
	err := db.WithContext(ctx).Raw(
		`SELECT id, period_start, period_end, statements, closed_at
		FROM royalty_periods WHERE period_start = ? AND period_end = ?`,
		start,
		end,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListPeriods(ctx context.Context, db *gorm.DB, limit int) ([]royaltydomain.Period, error) {
	var rows []royaltydomain.Period
	err := db.WithContext(ctx).Raw(
		`SELECT id, period_start, period_end, statements, closed_at
		FROM royalty_periods ORDER BY period_start DESC LIMIT ?`,
		limit,
	).Scan(&rows).Error
	return rows, err
}
