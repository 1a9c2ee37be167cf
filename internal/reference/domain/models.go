package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EntityType string

const (
	EntityTypeBook   EntityType = "book"
	EntityTypeAuthor EntityType = "author"
	EntityTypeUser   EntityType = "user"
)

// EntityTypes lists every type with a registered payload schema.
var EntityTypes = []EntityType{EntityTypeBook, EntityTypeAuthor, EntityTypeUser}

func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(raw) {
	case EntityTypeBook, EntityTypeAuthor, EntityTypeUser:
		return EntityType(raw), nil
	default:
		return "", ErrInvalidEntityType
	}
}

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

func ParseOperation(raw string) (Operation, error) {
	switch Operation(raw) {
	case OperationCreate, OperationUpdate, OperationDelete:
		return Operation(raw), nil
	default:
		return "", ErrInvalidOperation
	}
}

// EntityReference is a read-only local copy of an entity owned by another service.
type EntityReference struct {
	EntityUUID    string         `json:"entity_uuid" gorm:"primaryKey;column:entity_uuid"`
	EntityType    EntityType     `json:"entity_type" gorm:"column:entity_type"`
	DisplayFields datatypes.JSON `json:"display_fields" gorm:"column:display_fields"`
	Payload       datatypes.JSON `json:"payload" gorm:"column:payload"`
	SourceVersion int64          `json:"source_version" gorm:"column:source_version"`
	LastSyncedAt  time.Time      `json:"last_synced_at" gorm:"column:last_synced_at"`
	IsActive      bool           `json:"is_active" gorm:"column:is_active"`
	CreatedAt     time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"column:updated_at"`
}

func (EntityReference) TableName() string { return "entity_references" }

// Change is one versioned mutation of an entity, either a delivered sync event
// or a corrective update produced by reconciliation.
type Change struct {
	EventID       snowflake.ID
	EntityUUID    string
	EntityType    EntityType
	Operation     Operation
	Payload       json.RawMessage
	SourceVersion int64
}

// ChangeMessage is the wire form of a sync event used by push, poll and queue transports.
type ChangeMessage struct {
	EventID       snowflake.ID    `json:"event_id"`
	EntityUUID    string          `json:"entity_uuid"`
	EntityType    EntityType      `json:"entity_type"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	SourceVersion int64           `json:"source_version"`
	EmittedAt     time.Time       `json:"emitted_at,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (m ChangeMessage) Change() Change {
	return Change{
		EventID:       m.EventID,
		EntityUUID:    m.EntityUUID,
		EntityType:    m.EntityType,
		Operation:     m.Operation,
		Payload:       m.Payload,
		SourceVersion: m.SourceVersion,
	}
}

type ApplyOutcome string

const (
	// ApplyOutcomeApplied means the stored copy now reflects the change.
	ApplyOutcomeApplied ApplyOutcome = "applied"
	// ApplyOutcomeStale means a copy at the same or a newer version already exists.
	ApplyOutcomeStale ApplyOutcome = "stale"
)
