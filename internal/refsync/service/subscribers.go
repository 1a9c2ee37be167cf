package service

import (
	"context"
	"net/url"
	"strings"

	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) Subscribe(ctx context.Context, req refsyncdomain.SubscribeRequest) (refsyncdomain.Subscriber, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return refsyncdomain.Subscriber{}, refsyncdomain.ErrInvalidSubscriber
	}
	mode, err := refsyncdomain.ParseMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if err != nil {
		return refsyncdomain.Subscriber{}, err
	}
	endpoint, err := validateEndpoint(mode, strings.TrimSpace(req.Endpoint))
	if err != nil {
		return refsyncdomain.Subscriber{}, err
	}
	entityTypes, err := parseEntityTypes(req.EntityTypes)
	if err != nil {
		return refsyncdomain.Subscriber{}, err
	}
	if len(entityTypes) == 0 {
		return refsyncdomain.Subscriber{}, referencedomain.ErrInvalidEntityType
	}

	now := s.clock.Now()
	var subscriber *refsyncdomain.Subscriber
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindSubscriberByName(ctx, tx, name)
		if err != nil {
			return err
		}
		candidate := refsyncdomain.Subscriber{
			ID:        s.genID.Generate(),
			Name:      name,
			Mode:      mode,
			Endpoint:  endpoint,
			Status:    refsyncdomain.SubscriberStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing != nil {
			candidate.ID = existing.ID
			candidate.CreatedAt = existing.CreatedAt
		}
		subscriber, err = s.repo.UpsertSubscriber(ctx, tx, candidate)
		if err != nil {
			return err
		}
		if err := s.repo.AddSubscriptions(ctx, tx, subscriber.ID, entityTypes, now); err != nil {
			return err
		}
		subscriber.EntityTypes, err = s.repo.ListSubscriptions(ctx, tx, subscriber.ID)
		return err
	})
	if err != nil {
		return refsyncdomain.Subscriber{}, err
	}

	queued := 0
	if req.Backfill {
		queued, err = s.backfill(ctx, *subscriber, entityTypes)
		if err != nil {
			return refsyncdomain.Subscriber{}, err
		}
	}

	s.log.Info("sync.subscriber.subscribed",
		zap.String("subscriber", subscriber.Name),
		zap.String("mode", string(subscriber.Mode)),
		zap.Int("entity_types", len(subscriber.EntityTypes)),
		zap.Int("backfilled", queued),
	)
	return *subscriber, nil
}

// backfill queues the latest event of every current head so a new subscriber
// starts from the authoritative state instead of waiting for reconciliation.
func (s *Service) backfill(ctx context.Context, subscriber refsyncdomain.Subscriber, entityTypes []referencedomain.EntityType) (int, error) {
	queued := 0
	for _, entityType := range entityTypes {
		after := ""
		for {
			heads, err := s.repo.ListHeads(ctx, s.db, entityType, after, headPageLimit)
			if err != nil {
				return queued, err
			}
			if len(heads) == 0 {
				break
			}
			now := s.clock.Now()
			deliveries := make([]refsyncdomain.Delivery, 0, len(heads))
			for _, head := range heads {
				deliveries = append(deliveries, s.newDelivery(refsyncdomain.SyncEvent{
					EventID:       head.LastEventID,
					EntityUUID:    head.EntityUUID,
					EntityType:    head.EntityType,
					SourceVersion: head.SourceVersion,
				}, subscriber.ID, now))
			}
			if err := s.repo.InsertDeliveries(ctx, s.db, deliveries); err != nil {
				return queued, err
			}
			queued += len(deliveries)
			if len(heads) < headPageLimit {
				break
			}
			after = heads[len(heads)-1].EntityUUID
		}
	}
	if queued > 0 {
		s.notifier.Notify()
	}
	return queued, nil
}

// Unsubscribe drops the given entity types, or all of them when none are
// given. Pending deliveries are cancelled; leased ones finish their attempt.
func (s *Service) Unsubscribe(ctx context.Context, name string, entityTypes []string) (refsyncdomain.Subscriber, error) {
	types, err := parseEntityTypes(entityTypes)
	if err != nil {
		return refsyncdomain.Subscriber{}, err
	}

	var (
		subscriber *refsyncdomain.Subscriber
		cancelled  int64
	)
	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.FindSubscriberByName(ctx, tx, strings.TrimSpace(name))
		if err != nil {
			return err
		}
		if found == nil {
			return refsyncdomain.ErrSubscriberNotFound
		}
		subscriber = found

		if err := s.repo.RemoveSubscriptions(ctx, tx, subscriber.ID, types); err != nil {
			return err
		}
		cancelled, err = s.repo.CancelPending(ctx, tx, subscriber.ID, types, now)
		if err != nil {
			return err
		}
		subscriber.EntityTypes, err = s.repo.ListSubscriptions(ctx, tx, subscriber.ID)
		if err != nil {
			return err
		}
		if len(subscriber.EntityTypes) == 0 {
			subscriber.Status = refsyncdomain.SubscriberStatusUnsubscribed
			subscriber.UpdatedAt = now
			return s.repo.SetSubscriberStatus(ctx, tx, subscriber.ID, subscriber.Status, now)
		}
		return nil
	})
	if err != nil {
		return refsyncdomain.Subscriber{}, err
	}

	s.log.Info("sync.subscriber.unsubscribed",
		zap.String("subscriber", subscriber.Name),
		zap.Int64("cancelled_deliveries", cancelled),
		zap.String("status", string(subscriber.Status)),
	)
	return *subscriber, nil
}

func (s *Service) GetSubscriber(ctx context.Context, name string) (refsyncdomain.Subscriber, error) {
	subscriber, err := s.findSubscriber(ctx, s.db, name)
	if err != nil {
		return refsyncdomain.Subscriber{}, err
	}
	subscriber.EntityTypes, err = s.repo.ListSubscriptions(ctx, s.db, subscriber.ID)
	if err != nil {
		return refsyncdomain.Subscriber{}, err
	}
	return *subscriber, nil
}

func (s *Service) ListSubscribers(ctx context.Context) ([]refsyncdomain.Subscriber, error) {
	subscribers, err := s.repo.ListSubscribers(ctx, s.db)
	if err != nil {
		return nil, err
	}
	for i := range subscribers {
		subscribers[i].EntityTypes, err = s.repo.ListSubscriptions(ctx, s.db, subscribers[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return subscribers, nil
}

func (s *Service) ListCursors(ctx context.Context, name string) ([]refsyncdomain.Cursor, error) {
	subscriber, err := s.findSubscriber(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	return s.repo.ListCursors(ctx, s.db, subscriber.ID)
}

func (s *Service) findSubscriber(ctx context.Context, db *gorm.DB, name string) (*refsyncdomain.Subscriber, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, refsyncdomain.ErrInvalidSubscriber
	}
	subscriber, err := s.repo.FindSubscriberByName(ctx, db, name)
	if err != nil {
		return nil, err
	}
	if subscriber == nil {
		return nil, refsyncdomain.ErrSubscriberNotFound
	}
	return subscriber, nil
}

func validateEndpoint(mode refsyncdomain.Mode, endpoint string) (*string, error) {
	switch mode {
	case refsyncdomain.ModePush:
		parsed, err := url.ParseRequestURI(endpoint)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, refsyncdomain.ErrInvalidEndpoint
		}
	case refsyncdomain.ModeSNS:
		if !strings.HasPrefix(endpoint, "arn:") {
			return nil, refsyncdomain.ErrInvalidEndpoint
		}
	default:
		if endpoint == "" {
			return nil, nil
		}
	}
	return &endpoint, nil
}

func parseEntityTypes(raw []string) ([]referencedomain.EntityType, error) {
	seen := map[referencedomain.EntityType]struct{}{}
	out := make([]referencedomain.EntityType, 0, len(raw))
	for _, item := range raw {
		entityType, err := referencedomain.ParseEntityType(strings.ToLower(strings.TrimSpace(item)))
		if err != nil {
			return nil, err
		}
		if _, ok := seen[entityType]; ok {
			continue
		}
		seen[entityType] = struct{}{}
		out = append(out, entityType)
	}
	return out, nil
}
