package domain

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
)

type EmitRequest struct {
	EntityUUID    string          `json:"entity_uuid"`
	EntityType    string          `json:"entity_type"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	SourceVersion int64           `json:"source_version"`
}

type EmitResult struct {
	Event SyncEvent `json:"event"`
	// Created is false when an identical emit was replayed.
	Created    bool `json:"created"`
	Deliveries int  `json:"deliveries"`
}

type SubscribeRequest struct {
	Name        string   `json:"name"`
	Mode        string   `json:"mode"`
	Endpoint    string   `json:"endpoint,omitempty"`
	EntityTypes []string `json:"entity_types"`
	// Backfill queues the current head of every subscribed entity.
	Backfill bool `json:"backfill,omitempty"`
}

type DeliveryStats struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Parked    int `json:"parked"`
	Cancelled int `json:"cancelled"`
}

type Service interface {
	Emit(ctx context.Context, req EmitRequest) (EmitResult, error)

	Subscribe(ctx context.Context, req SubscribeRequest) (Subscriber, error)
	Unsubscribe(ctx context.Context, name string, entityTypes []string) (Subscriber, error)
	GetSubscriber(ctx context.Context, name string) (Subscriber, error)
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
	ListCursors(ctx context.Context, name string) ([]Cursor, error)

	// DeliverDue pushes one batch of due deliveries through their transports.
	DeliverDue(ctx context.Context) (DeliveryStats, error)
	Poll(ctx context.Context, name string, limit int) ([]PolledDelivery, error)
	Ack(ctx context.Context, name string, deliveryIDs []snowflake.ID) (int, error)
	Nack(ctx context.Context, name string, deliveryIDs []snowflake.ID, reason string) (int, error)

	ListHeads(ctx context.Context, entityType string, afterUUID string, limit int) ([]EntityHead, error)
	LookupHeads(ctx context.Context, entityType string, entityUUIDs []string) ([]EntityHead, error)

	ListParked(ctx context.Context, name string, entityType string, limit int) ([]Delivery, error)
	// ResolveParked closes parked deliveries of an entity made obsolete by a repair.
	ResolveParked(ctx context.Context, name string, entityUUID string, uptoVersion int64) (int64, error)
	Backlog(ctx context.Context) (Backlog, error)
}
