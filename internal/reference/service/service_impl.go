package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/bookline/internal/clock"
	obslogger "github.com/smallbiznis/bookline/internal/observability/logger"
	"github.com/smallbiznis/bookline/internal/observability/metrics"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"github.com/smallbiznis/bookline/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const scanBatchSize = 500

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    referencedomain.Repository
	metrics *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    referencedomain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) referencedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("reference.service"),
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *Service) Apply(ctx context.Context, change referencedomain.Change) (referencedomain.ApplyOutcome, error) {
	return s.write(ctx, change, false)
}

func (s *Service) Repair(ctx context.Context, change referencedomain.Change) (referencedomain.ApplyOutcome, error) {
	return s.write(ctx, change, true)
}

func (s *Service) write(ctx context.Context, change referencedomain.Change, repair bool) (referencedomain.ApplyOutcome, error) {
	change.EntityUUID = strings.TrimSpace(change.EntityUUID)
	if change.EntityUUID == "" {
		return "", referencedomain.ErrInvalidEntityUUID
	}
	if change.SourceVersion <= 0 {
		return "", referencedomain.ErrInvalidVersion
	}
	validated, err := referencedomain.ValidatePayload(change.EntityType, change.Operation, change.Payload)
	if err != nil {
		return "", err
	}

	log := obslogger.WithEntity(obslogger.WithContext(ctx, s.log), string(change.EntityType), change.EntityUUID)

	var outcome referencedomain.ApplyOutcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByUUID(ctx, tx, change.EntityUUID)
		if err != nil {
			return err
		}
		if current != nil && (current.SourceVersion > change.SourceVersion ||
			(current.SourceVersion == change.SourceVersion && !repair)) {
			outcome = referencedomain.ApplyOutcomeStale
			return nil
		}

		now := s.clock.Now()
		ref := referencedomain.EntityReference{
			EntityUUID:    change.EntityUUID,
			EntityType:    change.EntityType,
			DisplayFields: datatypes.JSON(validated.DisplayFields),
			Payload:       datatypes.JSON(validated.Payload),
			SourceVersion: change.SourceVersion,
			LastSyncedAt:  now,
			IsActive:      validated.Active,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if validated.Payload == nil {
			// a bare delete keeps the last known content for history and display
			if current != nil {
				ref.Payload = current.Payload
				ref.DisplayFields = current.DisplayFields
			} else {
				ref.Payload = datatypes.JSON("{}")
				ref.DisplayFields = datatypes.JSON("{}")
			}
		}
		if current != nil && repair && current.SourceVersion == change.SourceVersion && sameContent(*current, ref) {
			outcome = referencedomain.ApplyOutcomeStale
			return nil
		}

		written, err := s.repo.Upsert(ctx, tx, ref, repair)
		if err != nil {
			return err
		}
		if written {
			outcome = referencedomain.ApplyOutcomeApplied
		} else {
			outcome = referencedomain.ApplyOutcomeStale
		}
		return nil
	})
	if err != nil {
		log.Error("reference.apply.failed", zap.Int64("source_version", change.SourceVersion), zap.Error(err))
		return "", err
	}

	s.metrics.RecordReferenceApplied(ctx, string(change.EntityType), string(outcome))
	if outcome == referencedomain.ApplyOutcomeStale {
		log.Debug("reference.apply.stale", zap.Int64("source_version", change.SourceVersion))
	} else {
		log.Debug("reference.apply.applied",
			zap.Int64("source_version", change.SourceVersion),
			zap.String("operation", string(change.Operation)),
			zap.Bool("repair", repair),
		)
	}
	return outcome, nil
}

func sameContent(a, b referencedomain.EntityReference) bool {
	return a.IsActive == b.IsActive &&
		a.EntityType == b.EntityType &&
		referencedomain.JSONEqual(a.Payload, b.Payload) &&
		referencedomain.JSONEqual(a.DisplayFields, b.DisplayFields)
}

func (s *Service) Get(ctx context.Context, entityUUID string) (referencedomain.EntityReference, error) {
	entityUUID = strings.TrimSpace(entityUUID)
	if entityUUID == "" {
		return referencedomain.EntityReference{}, referencedomain.ErrInvalidEntityUUID
	}
	ref, err := s.repo.FindByUUID(ctx, s.db, entityUUID)
	if err != nil {
		return referencedomain.EntityReference{}, err
	}
	if ref == nil {
		return referencedomain.EntityReference{}, referencedomain.ErrReferenceNotFound
	}
	return *ref, nil
}

func (s *Service) Lookup(ctx context.Context, entityType referencedomain.EntityType, entityUUIDs []string) ([]referencedomain.EntityReference, error) {
	if _, err := referencedomain.ParseEntityType(string(entityType)); err != nil {
		return nil, err
	}
	return s.repo.FindByUUIDs(ctx, s.db, entityType, entityUUIDs)
}

func (s *Service) List(ctx context.Context, req referencedomain.ListRequest) (referencedomain.ListResponse, error) {
	filter := referencedomain.ListFilter{ActiveOnly: req.ActiveOnly}
	if req.EntityType != "" {
		entityType, err := referencedomain.ParseEntityType(req.EntityType)
		if err != nil {
			return referencedomain.ListResponse{}, err
		}
		filter.EntityType = entityType
	}

	after, err := decodeUUIDToken(req.PageToken)
	if err != nil {
		return referencedomain.ListResponse{}, err
	}
	filter.AfterUUID = after

	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()
	filter.Limit = limit + 1

	rows, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return referencedomain.ListResponse{}, err
	}

	page, info, err := pagination.Page(rows, limit, func(ref referencedomain.EntityReference) pagination.Cursor {
		return pagination.Cursor{Key: ref.EntityUUID}
	})
	if err != nil {
		return referencedomain.ListResponse{}, err
	}
	return referencedomain.ListResponse{PageInfo: info, References: page}, nil
}

func decodeUUIDToken(token string) (string, error) {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return "", err
	}
	if cursor == nil {
		return "", nil
	}
	return cursor.Key, nil
}

func (s *Service) Sample(ctx context.Context, entityType referencedomain.EntityType, limit int) ([]referencedomain.EntityReference, error) {
	if _, err := referencedomain.ParseEntityType(string(entityType)); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	return s.repo.ListOldestSynced(ctx, s.db, entityType, limit)
}

func (s *Service) All(ctx context.Context, entityType referencedomain.EntityType, fn func([]referencedomain.EntityReference) error) error {
	if _, err := referencedomain.ParseEntityType(string(entityType)); err != nil {
		return err
	}
	after := ""
	for {
		rows, err := s.repo.List(ctx, s.db, referencedomain.ListFilter{
			EntityType: entityType,
			AfterUUID:  after,
			Limit:      scanBatchSize,
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		if len(rows) < scanBatchSize {
			return nil
		}
		after = rows[len(rows)-1].EntityUUID
	}
}

func (s *Service) MarkChecked(ctx context.Context, entityUUIDs []string, at time.Time) error {
	return s.repo.Touch(ctx, s.db, entityUUIDs, at)
}

func (s *Service) RequireActive(ctx context.Context, entityType referencedomain.EntityType, entityUUID string) (referencedomain.EntityReference, error) {
	ref, err := s.Get(ctx, entityUUID)
	if err != nil {
		return referencedomain.EntityReference{}, err
	}
	if ref.EntityType != entityType {
		return referencedomain.EntityReference{}, referencedomain.ErrReferenceNotFound
	}
	if !ref.IsActive {
		return referencedomain.EntityReference{}, referencedomain.ErrReferenceInactive
	}
	return ref, nil
}

// IsValidationError reports errors caused by a malformed change rather than storage.
func IsValidationError(err error) bool {
	return errors.Is(err, referencedomain.ErrInvalidEntityType) ||
		errors.Is(err, referencedomain.ErrInvalidOperation) ||
		errors.Is(err, referencedomain.ErrInvalidPayload) ||
		errors.Is(err, referencedomain.ErrInvalidEntityUUID) ||
		errors.Is(err, referencedomain.ErrInvalidVersion)
}
