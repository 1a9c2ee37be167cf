package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"gorm.io/datatypes"
)

type Mode string

const (
	// ModeLocal applies events into this deployment's reference store.
	ModeLocal Mode = "local"
	// ModePush posts events to the subscriber endpoint.
	ModePush Mode = "push"
	// ModeSNS publishes events to the SNS topic named by the subscriber endpoint.
	ModeSNS Mode = "sns"
	// ModePoll leaves events for the subscriber to pull and acknowledge.
	ModePoll Mode = "poll"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeLocal, ModePush, ModeSNS, ModePoll:
		return Mode(raw), nil
	default:
		return "", ErrInvalidMode
	}
}

type SubscriberStatus string

const (
	SubscriberStatusActive       SubscriberStatus = "active"
	SubscriberStatusUnsubscribed SubscriberStatus = "unsubscribed"
)

type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusLeased     DeliveryStatus = "leased"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusParked     DeliveryStatus = "parked"
	DeliveryStatusSuperseded DeliveryStatus = "superseded"
	DeliveryStatusCancelled  DeliveryStatus = "cancelled"
	DeliveryStatusResolved   DeliveryStatus = "resolved"
)

type SyncEvent struct {
	EventID       snowflake.ID               `json:"event_id" gorm:"primaryKey;column:event_id"`
	EntityUUID    string                     `json:"entity_uuid" gorm:"column:entity_uuid"`
	EntityType    referencedomain.EntityType `json:"entity_type" gorm:"column:entity_type"`
	Operation     referencedomain.Operation  `json:"operation" gorm:"column:operation"`
	Payload       datatypes.JSON             `json:"payload" gorm:"column:payload"`
	SourceVersion int64                      `json:"source_version" gorm:"column:source_version"`
	EmittedAt     time.Time                  `json:"emitted_at" gorm:"column:emitted_at"`
	CorrelationID string                     `json:"correlation_id" gorm:"column:correlation_id"`
	Metadata      datatypes.JSON             `json:"metadata,omitempty" gorm:"column:metadata"`
}

func (SyncEvent) TableName() string { return "sync_events" }

// Message returns the wire form delivered to subscribers.
func (e SyncEvent) Message() referencedomain.ChangeMessage {
	return referencedomain.ChangeMessage{
		EventID:       e.EventID,
		EntityUUID:    e.EntityUUID,
		EntityType:    e.EntityType,
		Operation:     e.Operation,
		Payload:       []byte(e.Payload),
		SourceVersion: e.SourceVersion,
		EmittedAt:     e.EmittedAt,
		CorrelationID: e.CorrelationID,
	}
}

// EntityHead is the authoritative current state of one entity.
type EntityHead struct {
	EntityUUID    string                     `json:"entity_uuid" gorm:"primaryKey;column:entity_uuid"`
	EntityType    referencedomain.EntityType `json:"entity_type" gorm:"column:entity_type"`
	SourceVersion int64                      `json:"source_version" gorm:"column:source_version"`
	Operation     referencedomain.Operation  `json:"operation" gorm:"column:operation"`
	Payload       datatypes.JSON             `json:"payload" gorm:"column:payload"`
	IsActive      bool                       `json:"is_active" gorm:"column:is_active"`
	LastEventID   snowflake.ID               `json:"last_event_id" gorm:"column:last_event_id"`
	UpdatedAt     time.Time                  `json:"updated_at" gorm:"column:updated_at"`
}

func (EntityHead) TableName() string { return "entity_heads" }

type Subscriber struct {
	ID          snowflake.ID                 `json:"id" gorm:"primaryKey;column:id"`
	Name        string                       `json:"name" gorm:"column:name"`
	Mode        Mode                         `json:"mode" gorm:"column:mode"`
	Endpoint    *string                      `json:"endpoint,omitempty" gorm:"column:endpoint"`
	Status      SubscriberStatus             `json:"status" gorm:"column:status"`
	EntityTypes []referencedomain.EntityType `json:"entity_types" gorm:"-"`
	CreatedAt   time.Time                    `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time                    `json:"updated_at" gorm:"column:updated_at"`
}

func (Subscriber) TableName() string { return "sync_subscribers" }

func (s Subscriber) EndpointValue() string {
	if s.Endpoint == nil {
		return ""
	}
	return *s.Endpoint
}

type Delivery struct {
	ID            snowflake.ID               `json:"id" gorm:"primaryKey;column:id"`
	EventID       snowflake.ID               `json:"event_id" gorm:"column:event_id"`
	SubscriberID  snowflake.ID               `json:"subscriber_id" gorm:"column:subscriber_id"`
	EntityUUID    string                     `json:"entity_uuid" gorm:"column:entity_uuid"`
	EntityType    referencedomain.EntityType `json:"entity_type" gorm:"column:entity_type"`
	SourceVersion int64                      `json:"source_version" gorm:"column:source_version"`
	Status        DeliveryStatus             `json:"status" gorm:"column:status"`
	AttemptCount  int                        `json:"attempt_count" gorm:"column:attempt_count"`
	NextAttemptAt time.Time                  `json:"next_attempt_at" gorm:"column:next_attempt_at"`
	LastError     *string                    `json:"last_error,omitempty" gorm:"column:last_error"`
	DeliveredAt   *time.Time                 `json:"delivered_at,omitempty" gorm:"column:delivered_at"`
	CreatedAt     time.Time                  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time                  `json:"updated_at" gorm:"column:updated_at"`
}

func (Delivery) TableName() string { return "sync_deliveries" }

// Cursor is the high watermark of events a subscriber durably applied from one source.
type Cursor struct {
	SubscriberID            snowflake.ID `json:"subscriber_id" gorm:"column:subscriber_id"`
	Source                  string       `json:"source" gorm:"column:source"`
	LastAcknowledgedEventID snowflake.ID `json:"last_acknowledged_event_id" gorm:"column:last_acknowledged_event_id"`
	LastAppliedAt           time.Time    `json:"last_applied_at" gorm:"column:last_applied_at"`
	UpdatedAt               time.Time    `json:"updated_at" gorm:"column:updated_at"`
}

func (Cursor) TableName() string { return "sync_cursors" }

// PolledDelivery is one leased delivery handed to a poll subscriber.
type PolledDelivery struct {
	DeliveryID snowflake.ID                  `json:"delivery_id"`
	Attempt    int                           `json:"attempt"`
	Event      referencedomain.ChangeMessage `json:"event"`
}

// Backlog counts deliveries that still need work, by status.
type Backlog struct {
	Pending int64 `json:"pending"`
	Leased  int64 `json:"leased"`
	Parked  int64 `json:"parked"`
}
