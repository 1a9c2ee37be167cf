package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
)

type Mode string

const (
	// ModeSample checks the least recently synced references.
	ModeSample Mode = "sample"
	// ModeFull walks every head the source holds.
	ModeFull Mode = "full"
)

type DriftKind string

const (
	DriftMissing  DriftKind = "missing"
	DriftBehind   DriftKind = "behind"
	DriftDiverged DriftKind = "diverged"
)

// Head is the authoritative current state of one entity as reported by a source.
type Head struct {
	EntityUUID    string                     `json:"entity_uuid"`
	EntityType    referencedomain.EntityType `json:"entity_type"`
	SourceVersion int64                      `json:"source_version"`
	Operation     referencedomain.Operation  `json:"operation"`
	Payload       json.RawMessage            `json:"payload"`
	IsActive      bool                       `json:"is_active"`
}

func (h Head) Change() referencedomain.Change {
	return referencedomain.Change{
		EntityUUID:    h.EntityUUID,
		EntityType:    h.EntityType,
		Operation:     h.Operation,
		Payload:       h.Payload,
		SourceVersion: h.SourceVersion,
	}
}

type Finding struct {
	EntityUUID    string    `json:"entity_uuid"`
	Kind          DriftKind `json:"kind"`
	LocalVersion  int64     `json:"local_version"`
	SourceVersion int64     `json:"source_version"`
	Repaired      bool      `json:"repaired"`
}

// Run is one persisted reconciliation pass over a (subscriber, entity type) pair.
type Run struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey;column:id"`
	Subscriber string       `json:"subscriber" gorm:"column:subscriber"`
	EntityType string       `json:"entity_type" gorm:"column:entity_type"`
	Mode       Mode         `json:"mode" gorm:"column:mode"`
	Checked    int          `json:"checked" gorm:"column:checked"`
	Drifted    int          `json:"drifted" gorm:"column:drifted"`
	Missing    int          `json:"missing" gorm:"column:missing"`
	Repaired   int          `json:"repaired" gorm:"column:repaired"`
	Resolved   int          `json:"resolved" gorm:"column:resolved"`
	Error      *string      `json:"error,omitempty" gorm:"column:error"`
	StartedAt  time.Time    `json:"started_at" gorm:"column:started_at"`
	FinishedAt time.Time    `json:"finished_at" gorm:"column:finished_at"`

	Findings []Finding `json:"findings,omitempty" gorm:"-"`
}

func (Run) TableName() string { return "reconciliation_runs" }

// HasDrift reports whether the run found anything to correct.
func (r Run) HasDrift() bool {
	return r.Drifted+r.Missing > 0
}
