package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	pkgdb "github.com/smallbiznis/bookline/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() refsyncdomain.Repository {
	return &repo{}
}

const eventColumns = `event_id, entity_uuid, entity_type, operation, payload, source_version,
		emitted_at, correlation_id, metadata`

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event refsyncdomain.SyncEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO sync_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_uuid, source_version) DO NOTHING`,
		event.EventID,
		event.EntityUUID,
		event.EntityType,
		event.Operation,
		event.Payload,
		event.SourceVersion,
		event.EmittedAt,
		event.CorrelationID,
		event.Metadata,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEventByVersion(ctx context.Context, db *gorm.DB, entityUUID string, version int64) (*refsyncdomain.SyncEvent, error) {
	var rows []refsyncdomain.SyncEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM sync_events WHERE entity_uuid = ? AND source_version = ?`,
		entityUUID, version,
	).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, eventID snowflake.ID) (*refsyncdomain.SyncEvent, error) {
	rows, err := r.FindEvents(ctx, db, []snowflake.ID{eventID})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) FindEvents(ctx context.Context, db *gorm.DB, eventIDs []snowflake.ID) ([]refsyncdomain.SyncEvent, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	var rows []refsyncdomain.SyncEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM sync_events WHERE event_id IN ? ORDER BY event_id`,
		eventIDs,
	).Scan(&rows).Error
	return rows, err
}

const headColumns = `entity_uuid, entity_type, source_version, operation, payload, is_active, last_event_id, updated_at`

func (r *repo) FindHeadForUpdate(ctx context.Context, db *gorm.DB, entityUUID string) (*refsyncdomain.EntityHead, error) {
	var rows []refsyncdomain.EntityHead
	err := db.WithContext(ctx).Raw(
		`SELECT `+headColumns+` FROM entity_heads WHERE entity_uuid = ?`+pkgdb.ForUpdate(db),
		entityUUID,
	).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) UpsertHead(ctx context.Context, db *gorm.DB, head refsyncdomain.EntityHead) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO entity_heads (`+headColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_uuid) DO UPDATE SET
			entity_type = excluded.entity_type,
			source_version = excluded.source_version,
			operation = excluded.operation,
			payload = excluded.payload,
			is_active = excluded.is_active,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at
		WHERE entity_heads.source_version < excluded.source_version`,
		head.EntityUUID,
		head.EntityType,
		head.SourceVersion,
		head.Operation,
		head.Payload,
		head.IsActive,
		head.LastEventID,
		head.UpdatedAt,
	).Error
}

func (r *repo) ListHeads(ctx context.Context, db *gorm.DB, entityType referencedomain.EntityType, afterUUID string, limit int) ([]refsyncdomain.EntityHead, error) {
	var rows []refsyncdomain.EntityHead
	err := db.WithContext(ctx).Raw(
		`SELECT `+headColumns+` FROM entity_heads
		WHERE entity_type = ? AND entity_uuid > ?
		ORDER BY entity_uuid ASC
		LIMIT ?`,
		entityType, afterUUID, limit,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) FindHeads(ctx context.Context, db *gorm.DB, entityType referencedomain.EntityType, entityUUIDs []string) ([]refsyncdomain.EntityHead, error) {
	if len(entityUUIDs) == 0 {
		return nil, nil
	}
	var rows []refsyncdomain.EntityHead
	err := db.WithContext(ctx).Raw(
		`SELECT `+headColumns+` FROM entity_heads WHERE entity_type = ? AND entity_uuid IN ? ORDER BY entity_uuid`,
		entityType, entityUUIDs,
	).Scan(&rows).Error
	return rows, err
}

const subscriberColumns = `id, name, mode, endpoint, status, created_at, updated_at`

func (r *repo) UpsertSubscriber(ctx context.Context, db *gorm.DB, subscriber refsyncdomain.Subscriber) (*refsyncdomain.Subscriber, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO sync_subscribers (`+subscriberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			mode = excluded.mode,
			endpoint = excluded.endpoint,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		subscriber.ID,
		subscriber.Name,
		subscriber.Mode,
		subscriber.Endpoint,
		subscriber.Status,
		subscriber.CreatedAt,
		subscriber.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindSubscriberByName(ctx, db, subscriber.Name)
}

func (r *repo) FindSubscriberByName(ctx context.Context, db *gorm.DB, name string) (*refsyncdomain.Subscriber, error) {
	var rows []refsyncdomain.Subscriber
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriberColumns+` FROM sync_subscribers WHERE name = ?`, name,
	).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *repo) FindSubscribers(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]refsyncdomain.Subscriber, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []refsyncdomain.Subscriber
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriberColumns+` FROM sync_subscribers WHERE id IN ?`, ids,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) ListSubscribers(ctx context.Context, db *gorm.DB) ([]refsyncdomain.Subscriber, error) {
	var rows []refsyncdomain.Subscriber
	err := db.WithContext(ctx).Raw(
		`SELECT ` + subscriberColumns + ` FROM sync_subscribers ORDER BY name`,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) ListActiveSubscribersFor(ctx context.Context, db *gorm.DB, entityType referencedomain.EntityType) ([]refsyncdomain.Subscriber, error) {
	var rows []refsyncdomain.Subscriber
	err := db.WithContext(ctx).Raw(
		`SELECT s.id, s.name, s.mode, s.endpoint, s.status, s.created_at, s.updated_at
		FROM sync_subscribers s
		JOIN sync_subscriptions ss ON ss.subscriber_id = s.id
		WHERE ss.entity_type = ? AND s.status = ?
		ORDER BY s.id`,
		entityType, refsyncdomain.SubscriberStatusActive,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) SetSubscriberStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status refsyncdomain.SubscriberStatus, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE sync_subscribers SET status = ?, updated_at = ? WHERE id = ?`,
		status, at, id,
	).Error
}

func (r *repo) AddSubscriptions(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityTypes []referencedomain.EntityType, at time.Time) error {
	for _, entityType := range entityTypes {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO sync_subscriptions (subscriber_id, entity_type, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (subscriber_id, entity_type) DO NOTHING`,
			subscriberID, entityType, at,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) RemoveSubscriptions(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityTypes []referencedomain.EntityType) error {
	query := `DELETE FROM sync_subscriptions WHERE subscriber_id = ?`
	args := []any{subscriberID}
	if len(entityTypes) > 0 {
		query += ` AND entity_type IN ?`
		args = append(args, entityTypes)
	}
	return db.WithContext(ctx).Exec(query, args...).Error
}

func (r *repo) ListSubscriptions(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID) ([]referencedomain.EntityType, error) {
	var types []referencedomain.EntityType
	err := db.WithContext(ctx).Raw(
		`SELECT entity_type FROM sync_subscriptions WHERE subscriber_id = ? ORDER BY entity_type`,
		subscriberID,
	).Scan(&types).Error
	return types, err
}

const deliveryColumns = `id, event_id, subscriber_id, entity_uuid, entity_type, source_version, status,
		attempt_count, next_attempt_at, last_error, delivered_at, created_at, updated_at`

func (r *repo) InsertDeliveries(ctx context.Context, db *gorm.DB, deliveries []refsyncdomain.Delivery) error {
	for _, d := range deliveries {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO sync_deliveries (`+deliveryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (event_id, subscriber_id) DO NOTHING`,
			d.ID,
			d.EventID,
			d.SubscriberID,
			d.EntityUUID,
			d.EntityType,
			d.SourceVersion,
			d.Status,
			d.AttemptCount,
			d.NextAttemptAt,
			d.LastError,
			d.DeliveredAt,
			d.CreatedAt,
			d.UpdatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

// ClaimDue leases due deliveries. Run it inside a transaction so the row
// locks taken on postgres hold until the lease is written.
func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, filter refsyncdomain.ClaimFilter) ([]refsyncdomain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM sync_deliveries
		WHERE status IN (?, ?) AND next_attempt_at <= ?`
	args := []any{refsyncdomain.DeliveryStatusPending, refsyncdomain.DeliveryStatusLeased, filter.Now}
	if filter.SubscriberID != 0 {
		query += ` AND subscriber_id = ?`
		args = append(args, filter.SubscriberID)
	} else {
		query += ` AND subscriber_id IN (SELECT id FROM sync_subscribers WHERE status = ? AND mode <> ?)`
		args = append(args, refsyncdomain.SubscriberStatusActive, refsyncdomain.ModePoll)
	}
	query += ` ORDER BY next_attempt_at ASC, source_version ASC LIMIT ?` + pkgdb.SkipLocked(db)
	args = append(args, filter.Limit)

	var rows []refsyncdomain.Delivery
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]snowflake.ID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if err := db.WithContext(ctx).Exec(
		`UPDATE sync_deliveries SET status = ?, next_attempt_at = ?, updated_at = ?
		WHERE id IN ? AND status IN (?, ?)`,
		refsyncdomain.DeliveryStatusLeased, filter.LeaseUntil, filter.Now,
		ids, refsyncdomain.DeliveryStatusPending, refsyncdomain.DeliveryStatusLeased,
	).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Status = refsyncdomain.DeliveryStatusLeased
		rows[i].NextAttemptAt = filter.LeaseUntil
		rows[i].UpdatedAt = filter.Now
	}
	return rows, nil
}

func (r *repo) FindDeliveries(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, ids []snowflake.ID) ([]refsyncdomain.Delivery, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []refsyncdomain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+` FROM sync_deliveries WHERE subscriber_id = ? AND id IN ? ORDER BY id`,
		subscriberID, ids,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) MarkDelivered(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sync_deliveries
		SET status = ?, delivered_at = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		refsyncdomain.DeliveryStatusDelivered, at, at,
		id, refsyncdomain.DeliveryStatusPending, refsyncdomain.DeliveryStatusLeased,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, status refsyncdomain.DeliveryStatus, attempts int, nextAttemptAt time.Time, reason string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sync_deliveries
		SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, attempts, nextAttemptAt, reason, at,
		id, refsyncdomain.DeliveryStatusLeased,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SupersedeOlder(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityUUID string, version int64, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sync_deliveries SET status = ?, updated_at = ?
		WHERE subscriber_id = ? AND entity_uuid = ? AND source_version < ? AND status IN (?, ?)`,
		refsyncdomain.DeliveryStatusSuperseded, at,
		subscriberID, entityUUID, version,
		refsyncdomain.DeliveryStatusPending, refsyncdomain.DeliveryStatusParked,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) CancelPending(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityTypes []referencedomain.EntityType, at time.Time) (int64, error) {
	query := `UPDATE sync_deliveries SET status = ?, updated_at = ?
		WHERE subscriber_id = ? AND status = ?`
	args := []any{refsyncdomain.DeliveryStatusCancelled, at, subscriberID, refsyncdomain.DeliveryStatusPending}
	if len(entityTypes) > 0 {
		query += ` AND entity_type IN ?`
		args = append(args, entityTypes)
	}
	res := db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

func (r *repo) ResolveParked(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityUUID string, uptoVersion int64, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sync_deliveries SET status = ?, updated_at = ?
		WHERE subscriber_id = ? AND entity_uuid = ? AND source_version <= ? AND status = ?`,
		refsyncdomain.DeliveryStatusResolved, at,
		subscriberID, entityUUID, uptoVersion, refsyncdomain.DeliveryStatusParked,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListParked(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityType referencedomain.EntityType, limit int) ([]refsyncdomain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM sync_deliveries WHERE subscriber_id = ? AND status = ?`
	args := []any{subscriberID, refsyncdomain.DeliveryStatusParked}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY entity_uuid, source_version LIMIT ?`
	args = append(args, limit)

	var rows []refsyncdomain.Delivery
	err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error
	return rows, err
}

func (r *repo) CountBacklog(ctx context.Context, db *gorm.DB) (refsyncdomain.Backlog, error) {
	type row struct {
		Status refsyncdomain.DeliveryStatus `gorm:"column:status"`
		Total  int64                        `gorm:"column:total"`
	}
	var rows []row
	err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS total FROM sync_deliveries
		WHERE status IN (?, ?, ?)
		GROUP BY status`,
		refsyncdomain.DeliveryStatusPending, refsyncdomain.DeliveryStatusLeased, refsyncdomain.DeliveryStatusParked,
	).Scan(&rows).Error
	if err != nil {
		return refsyncdomain.Backlog{}, err
	}

	var backlog refsyncdomain.Backlog
	for _, item := range rows {
		switch item.Status {
		case refsyncdomain.DeliveryStatusPending:
			backlog.Pending = item.Total
		case refsyncdomain.DeliveryStatusLeased:
			backlog.Leased = item.Total
		case refsyncdomain.DeliveryStatusParked:
			backlog.Parked = item.Total
		}
	}
	return backlog, nil
}

func (r *repo) AdvanceCursor(ctx context.Context, db *gorm.DB, cursor refsyncdomain.Cursor) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sync_cursors (subscriber_id, source, last_acknowledged_event_id, last_applied_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (subscriber_id, source) DO UPDATE SET
			last_acknowledged_event_id = excluded.last_acknowledged_event_id,
			last_applied_at = excluded.last_applied_at,
			updated_at = excluded.updated_at
		WHERE sync_cursors.last_acknowledged_event_id < excluded.last_acknowledged_event_id`,
		cursor.SubscriberID,
		cursor.Source,
		cursor.LastAcknowledgedEventID,
		cursor.LastAppliedAt,
		cursor.UpdatedAt,
	).Error
}

func (r *repo) ListCursors(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID) ([]refsyncdomain.Cursor, error) {
	var rows []refsyncdomain.Cursor
	err := db.WithContext(ctx).Raw(
		`SELECT subscriber_id, source, last_acknowledged_event_id, last_applied_at, updated_at
		FROM sync_cursors WHERE subscriber_id = ? ORDER BY source`,
		subscriberID,
	).Scan(&rows).Error
	return rows, err
}
