package repository

import (
	"context"
	"time"

	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() referencedomain.Repository {
	return &repo{}
}

const upsertReferenceSQL = `INSERT INTO entity_references (
		entity_uuid, entity_type, display_fields, payload, source_version,
		last_synced_at, is_active, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (entity_uuid) DO UPDATE SET
		entity_type = excluded.entity_type,
		display_fields = excluded.display_fields,
		payload = excluded.payload,
		source_version = excluded.source_version,
		last_synced_at = excluded.last_synced_at,
		is_active = excluded.is_active,
		updated_at = excluded.updated_at
	WHERE entity_references.source_version `

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, ref referencedomain.EntityReference, allowEqual bool) (bool, error) {
	guard := "< excluded.source_version"
	if allowEqual {
		guard = "<= excluded.source_version"
	}
	res := db.WithContext(ctx).Exec(upsertReferenceSQL+guard,
		ref.EntityUUID,
		ref.EntityType,
		ref.DisplayFields,
		ref.Payload,
		ref.SourceVersion,
		ref.LastSyncedAt,
		ref.IsActive,
		ref.CreatedAt,
		ref.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

const selectReferenceColumns = `SELECT entity_uuid, entity_type, display_fields, payload, source_version,
		last_synced_at, is_active, created_at, updated_at
	FROM entity_references`

func (r *repo) FindByUUID(ctx context.Context, db *gorm.DB, entityUUID string) (*referencedomain.EntityReference, error) {
	var rows []referencedomain.EntityReference
	err := db.WithContext(ctx).
		Raw(selectReferenceColumns+` WHERE entity_uuid = ?`, entityUUID).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindByUUIDs(ctx context.Context, db *gorm.DB, entityType referencedomain.EntityType, entityUUIDs []string) ([]referencedomain.EntityReference, error) {
	if len(entityUUIDs) == 0 {
		return nil, nil
	}
	var rows []referencedomain.EntityReference
	err := db.WithContext(ctx).
		Raw(selectReferenceColumns+` WHERE entity_type = ? AND entity_uuid IN ? ORDER BY entity_uuid`, entityType, entityUUIDs).
		Scan(&rows).Error
	return rows, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter referencedomain.ListFilter) ([]referencedomain.EntityReference, error) {
	query := selectReferenceColumns + ` WHERE 1=1`
	args := []any{}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.ActiveOnly {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	if filter.AfterUUID != "" {
		query += ` AND entity_uuid > ?`
		args = append(args, filter.AfterUUID)
	}
	query += ` ORDER BY entity_uuid ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []referencedomain.EntityReference
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListOldestSynced(ctx context.Context, db *gorm.DB, entityType referencedomain.EntityType, limit int) ([]referencedomain.EntityReference, error) {
	var rows []referencedomain.EntityReference
	err := db.WithContext(ctx).
		Raw(selectReferenceColumns+` WHERE entity_type = ? ORDER BY last_synced_at ASC, entity_uuid ASC LIMIT ?`, entityType, limit).
		Scan(&rows).Error
	return rows, err
}

func (r *repo) Touch(ctx context.Context, db *gorm.DB, entityUUIDs []string, at time.Time) error {
	if len(entityUUIDs) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE entity_references SET last_synced_at = ? WHERE entity_uuid IN ? AND last_synced_at < ?`,
		at, entityUUIDs, at,
	).Error
}
