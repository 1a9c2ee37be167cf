package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	obslogger "github.com/smallbiznis/bookline/internal/observability/logger"
	"github.com/smallbiznis/bookline/internal/observability/metrics"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	"github.com/smallbiznis/bookline/internal/refsync/transport"
	"github.com/smallbiznis/bookline/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	headPageLimit = 500
	unknownSource = "unknown"
)

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.SyncConfig
	rules      *config.RulesHolder
	repo       refsyncdomain.Repository
	transports *transport.Registry
	retry      RetryPolicy
	notifier   *Notifier
	metrics    *metrics.Metrics
	domain     *metrics.Domain
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Rules      *config.RulesHolder
	Repo       refsyncdomain.Repository
	Transports *transport.Registry
	Notifier   *Notifier
	Metrics    *metrics.Metrics `optional:"true"`
	Domain     *metrics.Domain  `optional:"true"`
}

func NewService(p ServiceParam) refsyncdomain.Service {
	return newService(p)
}

func newService(p ServiceParam) *Service {
	cfg := p.Config.Sync
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("refsync.dispatcher"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        cfg,
		rules:      p.Rules,
		repo:       p.Repo,
		transports: p.Transports,
		retry:      RetryPolicyFromConfig(cfg),
		notifier:   p.Notifier,
		metrics:    p.Metrics,
		domain:     p.Domain,
	}
}

func (s *Service) Emit(ctx context.Context, req refsyncdomain.EmitRequest) (refsyncdomain.EmitResult, error) {
	entityType, err := referencedomain.ParseEntityType(strings.TrimSpace(req.EntityType))
	if err != nil {
		return refsyncdomain.EmitResult{}, err
	}
	op, err := referencedomain.ParseOperation(strings.TrimSpace(req.Operation))
	if err != nil {
		return refsyncdomain.EmitResult{}, err
	}
	entityUUID := strings.TrimSpace(req.EntityUUID)
	if entityUUID == "" {
		return refsyncdomain.EmitResult{}, referencedomain.ErrInvalidEntityUUID
	}
	if req.SourceVersion <= 0 {
		return refsyncdomain.EmitResult{}, referencedomain.ErrInvalidVersion
	}
	validated, err := referencedomain.ValidatePayload(entityType, op, req.Payload)
	if err != nil {
		return refsyncdomain.EmitResult{}, err
	}
	payload := datatypes.JSON(validated.Payload)
	if validated.Payload == nil {
		payload = datatypes.JSON("{}")
	}

	ctx, correlationID := correlation.EnsureCorrelationID(ctx)
	metadata, err := json.Marshal(correlation.Metadata(ctx))
	if err != nil {
		return refsyncdomain.EmitResult{}, err
	}
	log := obslogger.WithEntity(obslogger.WithContext(ctx, s.log), string(entityType), entityUUID)

	var result refsyncdomain.EmitResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head, err := s.repo.FindHeadForUpdate(ctx, tx, entityUUID)
		if err != nil {
			return err
		}
		if head != nil && head.EntityType != entityType {
			return fmt.Errorf("%w: %s is a %s", referencedomain.ErrInvalidEntityType, entityUUID, head.EntityType)
		}
		if head != nil && head.SourceVersion >= req.SourceVersion {
			replay, err := s.replayed(ctx, tx, entityUUID, req.SourceVersion, op, payload)
			if err != nil {
				return err
			}
			if replay == nil {
				return &refsyncdomain.StaleVersionError{
					EntityUUID:     entityUUID,
					Submitted:      req.SourceVersion,
					CurrentVersion: head.SourceVersion,
				}
			}
			result = refsyncdomain.EmitResult{Event: *replay}
			return nil
		}

		now := s.clock.Now()
		event := refsyncdomain.SyncEvent{
			EventID:       s.genID.Generate(),
			EntityUUID:    entityUUID,
			EntityType:    entityType,
			Operation:     op,
			Payload:       payload,
			SourceVersion: req.SourceVersion,
			EmittedAt:     now,
			CorrelationID: correlationID,
			Metadata:      datatypes.JSON(metadata),
		}
		inserted, err := s.repo.InsertEvent(ctx, tx, event)
		if err != nil {
			return err
		}
		if !inserted {
			// a concurrent emitter took this version first
			replay, err := s.replayed(ctx, tx, entityUUID, req.SourceVersion, op, payload)
			if err != nil {
				return err
			}
			if replay == nil {
				return &refsyncdomain.StaleVersionError{EntityUUID: entityUUID, Submitted: req.SourceVersion, CurrentVersion: req.SourceVersion}
			}
			result = refsyncdomain.EmitResult{Event: *replay}
			return nil
		}

		headPayload := payload
		if validated.Payload == nil && head != nil {
			headPayload = head.Payload
		}
		if err := s.repo.UpsertHead(ctx, tx, refsyncdomain.EntityHead{
			EntityUUID:    entityUUID,
			EntityType:    entityType,
			SourceVersion: req.SourceVersion,
			Operation:     op,
			Payload:       headPayload,
			IsActive:      validated.Active,
			LastEventID:   event.EventID,
			UpdatedAt:     now,
		}); err != nil {
			return err
		}

		subscribers, err := s.repo.ListActiveSubscribersFor(ctx, tx, entityType)
		if err != nil {
			return err
		}
		deliveries := make([]refsyncdomain.Delivery, 0, len(subscribers))
		for _, sub := range subscribers {
			deliveries = append(deliveries, s.newDelivery(event, sub.ID, now))
		}
		if err := s.repo.InsertDeliveries(ctx, tx, deliveries); err != nil {
			return err
		}

		result = refsyncdomain.EmitResult{Event: event, Created: true, Deliveries: len(deliveries)}
		return nil
	})
	if err != nil {
		var stale *refsyncdomain.StaleVersionError
		if errors.As(err, &stale) {
			log.Info("sync.emit.stale",
				zap.Int64("source_version", stale.Submitted),
				zap.Int64("current_version", stale.CurrentVersion),
			)
		} else {
			log.Error("sync.emit.failed", zap.Error(err))
		}
		return refsyncdomain.EmitResult{}, err
	}

	if !result.Created {
		log.Info("sync.emit.replayed", zap.String("event_id", result.Event.EventID.String()))
		return result, nil
	}

	s.metrics.RecordSyncEvent(ctx, string(entityType), string(op))
	log.Info("sync.emit.accepted",
		zap.String("event_id", result.Event.EventID.String()),
		zap.Int64("source_version", req.SourceVersion),
		zap.String("operation", string(op)),
		zap.Int("deliveries", result.Deliveries),
	)
	if result.Deliveries > 0 {
		s.notifier.Notify()
	}
	return result, nil
}

// replayed returns the stored event at version when it carries the same
// operation and payload, which makes the emit an idempotent client retry.
func (s *Service) replayed(ctx context.Context, tx *gorm.DB, entityUUID string, version int64, op referencedomain.Operation, payload datatypes.JSON) (*refsyncdomain.SyncEvent, error) {
	existing, err := s.repo.FindEventByVersion(ctx, tx, entityUUID, version)
	if err != nil || existing == nil {
		return nil, err
	}
	if existing.Operation != op || !referencedomain.JSONEqual(existing.Payload, payload) {
		return nil, nil
	}
	return existing, nil
}

func (s *Service) newDelivery(event refsyncdomain.SyncEvent, subscriberID snowflake.ID, now time.Time) refsyncdomain.Delivery {
	return refsyncdomain.Delivery{
		ID:            s.genID.Generate(),
		EventID:       event.EventID,
		SubscriberID:  subscriberID,
		EntityUUID:    event.EntityUUID,
		EntityType:    event.EntityType,
		SourceVersion: event.SourceVersion,
		Status:        refsyncdomain.DeliveryStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *Service) ListHeads(ctx context.Context, entityType string, afterUUID string, limit int) ([]refsyncdomain.EntityHead, error) {
	parsed, err := referencedomain.ParseEntityType(entityType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > headPageLimit {
		limit = headPageLimit
	}
	return s.repo.ListHeads(ctx, s.db, parsed, afterUUID, limit)
}

func (s *Service) LookupHeads(ctx context.Context, entityType string, entityUUIDs []string) ([]refsyncdomain.EntityHead, error) {
	parsed, err := referencedomain.ParseEntityType(entityType)
	if err != nil {
		return nil, err
	}
	if len(entityUUIDs) > headPageLimit {
		entityUUIDs = entityUUIDs[:headPageLimit]
	}
	return s.repo.FindHeads(ctx, s.db, parsed, entityUUIDs)
}

func (s *Service) Backlog(ctx context.Context) (refsyncdomain.Backlog, error) {
	backlog, err := s.repo.CountBacklog(ctx, s.db)
	if err != nil {
		return refsyncdomain.Backlog{}, err
	}
	s.domain.SetBacklog(string(refsyncdomain.DeliveryStatusPending), float64(backlog.Pending))
	s.domain.SetBacklog(string(refsyncdomain.DeliveryStatusLeased), float64(backlog.Leased))
	s.domain.SetBacklog(string(refsyncdomain.DeliveryStatusParked), float64(backlog.Parked))
	return backlog, nil
}

// source names the authoritative owner whose cursor an entity type advances.
func (s *Service) source(entityType referencedomain.EntityType) string {
	if owner := s.rules.Get().Owner(string(entityType)); owner != "" {
		return owner
	}
	return unknownSource
}
