package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"gorm.io/gorm"
)

// ClaimFilter selects due deliveries. A zero SubscriberID claims across all
// non-poll subscribers.
type ClaimFilter struct {
	SubscriberID snowflake.ID
	Now          time.Time
	LeaseUntil   time.Time
	Limit        int
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event SyncEvent) (bool, error)
	FindEventByVersion(ctx context.Context, db *gorm.DB, entityUUID string, version int64) (*SyncEvent, error)
	FindEvent(ctx context.Context, db *gorm.DB, eventID snowflake.ID) (*SyncEvent, error)
	FindEvents(ctx context.Context, db *gorm.DB, eventIDs []snowflake.ID) ([]SyncEvent, error)

	FindHeadForUpdate(ctx context.Context, db *gorm.DB, entityUUID string) (*EntityHead, error)
	UpsertHead(ctx context.Context, db *gorm.DB, head EntityHead) error
	ListHeads(ctx context.Context, db *gorm.DB, entityType referencedomain.EntityType, afterUUID string, limit int) ([]EntityHead, error)
	FindHeads(ctx context.Context, db *gorm.DB, entityType referencedomain.EntityType, entityUUIDs []string) ([]EntityHead, error)

	UpsertSubscriber(ctx context.Context, db *gorm.DB, subscriber Subscriber) (*Subscriber, error)
	FindSubscriberByName(ctx context.Context, db *gorm.DB, name string) (*Subscriber, error)
	FindSubscribers(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Subscriber, error)
	ListSubscribers(ctx context.Context, db *gorm.DB) ([]Subscriber, error)
	ListActiveSubscribersFor(ctx context.Context, db *gorm.DB, entityType referencedomain.EntityType) ([]Subscriber, error)
	SetSubscriberStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status SubscriberStatus, at time.Time) error
	AddSubscriptions(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityTypes []referencedomain.EntityType, at time.Time) error
	RemoveSubscriptions(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityTypes []referencedomain.EntityType) error
	ListSubscriptions(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID) ([]referencedomain.EntityType, error)

	InsertDeliveries(ctx context.Context, db *gorm.DB, deliveries []Delivery) error
	ClaimDue(ctx context.Context, db *gorm.DB, filter ClaimFilter) ([]Delivery, error)
	FindDeliveries(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, ids []snowflake.ID) ([]Delivery, error)
	MarkDelivered(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, status DeliveryStatus, attempts int, nextAttemptAt time.Time, reason string, at time.Time) (bool, error)
	SupersedeOlder(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityUUID string, version int64, at time.Time) (int64, error)
	CancelPending(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityTypes []referencedomain.EntityType, at time.Time) (int64, error)
	ResolveParked(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityUUID string, uptoVersion int64, at time.Time) (int64, error)
	ListParked(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID, entityType referencedomain.EntityType, limit int) ([]Delivery, error)
	CountBacklog(ctx context.Context, db *gorm.DB) (Backlog, error)

	AdvanceCursor(ctx context.Context, db *gorm.DB, cursor Cursor) error
	ListCursors(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID) ([]Cursor, error)
}
