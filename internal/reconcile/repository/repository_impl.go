package repository

import (
	"context"

	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() reconciledomain.Repository {
	return &repo{}
}

const runColumns = `id, subscriber, entity_type, mode, checked, drifted, missing, repaired, resolved, error, started_at, finished_at`

func (r *repo) InsertRun(ctx context.Context, db *gorm.DB, run reconciledomain.Run) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO reconciliation_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Subscriber,
		run.EntityType,
		run.Mode,
		run.Checked,
		run.Drifted,
		run.Missing,
		run.Repaired,
		run.Resolved,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	).Error
}

func (r *repo) LastRun(ctx context.Context, db *gorm.DB, subscriber, entityType string) (*reconciledomain.Run, error) {
	runs, err := r.ListRuns(ctx, db, subscriber, entityType, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (r *repo) ListRuns(ctx context.Context, db *gorm.DB, subscriber, entityType string, limit int) ([]reconciledomain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM reconciliation_runs WHERE 1 = 1`
	args := []any{}
	if subscriber != "" {
		query += ` AND subscriber = ?`
		args = append(args, subscriber)
	}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []reconciledomain.Run
	err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error
	return rows, err
}
