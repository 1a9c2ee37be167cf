package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	obslogger "github.com/smallbiznis/bookline/internal/observability/logger"
	"github.com/smallbiznis/bookline/internal/observability/metrics"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorLength = 500

func (s *Service) DeliverDue(ctx context.Context) (refsyncdomain.DeliveryStats, error) {
	var stats refsyncdomain.DeliveryStats

	now := s.clock.Now()
	lockStart := time.Now()
	var claimed []refsyncdomain.Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.ClaimDue(ctx, tx, refsyncdomain.ClaimFilter{
			Now:        now,
			LeaseUntil: now.Add(s.cfg.Lease),
			Limit:      s.cfg.BatchSize,
		})
		claimed = rows
		return err
	})
	metrics.Scheduler().ObserveDBLockWait(metrics.LockResourceSyncDeliveries, time.Since(lockStart))
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(claimed)
	if len(claimed) == 0 {
		return stats, nil
	}

	events, subscribers, err := s.loadContext(ctx, claimed)
	if err != nil {
		return stats, err
	}

	var errs []error
	for _, delivery := range claimed {
		event, ok := events[delivery.EventID]
		if !ok {
			errs = append(errs, s.fail(ctx, delivery, refsyncdomain.Subscriber{ID: delivery.SubscriberID}, &refsyncdomain.DeliveryFailure{Permanent: true, Err: refsyncdomain.ErrEventNotFound}, &stats))
			continue
		}
		subscriber := subscribers[delivery.SubscriberID]
		if err := s.deliver(ctx, delivery, event, subscriber, &stats); err != nil {
			errs = append(errs, err)
		}
	}
	return stats, errors.Join(errs...)
}

func (s *Service) loadContext(ctx context.Context, deliveries []refsyncdomain.Delivery) (map[snowflake.ID]refsyncdomain.SyncEvent, map[snowflake.ID]refsyncdomain.Subscriber, error) {
	eventIDs := make([]snowflake.ID, 0, len(deliveries))
	subscriberIDs := make([]snowflake.ID, 0, len(deliveries))
	for _, d := range deliveries {
		eventIDs = append(eventIDs, d.EventID)
		if !slices.Contains(subscriberIDs, d.SubscriberID) {
			subscriberIDs = append(subscriberIDs, d.SubscriberID)
		}
	}

	eventRows, err := s.repo.FindEvents(ctx, s.db, eventIDs)
	if err != nil {
		return nil, nil, err
	}
	events := make(map[snowflake.ID]refsyncdomain.SyncEvent, len(eventRows))
	for _, event := range eventRows {
		events[event.EventID] = event
	}

	subscriberRows, err := s.repo.FindSubscribers(ctx, s.db, subscriberIDs)
	if err != nil {
		return nil, nil, err
	}
	subscribers := make(map[snowflake.ID]refsyncdomain.Subscriber, len(subscriberRows))
	for _, sub := range subscriberRows {
		subscribers[sub.ID] = sub
	}
	return events, subscribers, nil
}

func (s *Service) deliver(ctx context.Context, delivery refsyncdomain.Delivery, event refsyncdomain.SyncEvent, subscriber refsyncdomain.Subscriber, stats *refsyncdomain.DeliveryStats) error {
	t, ok := s.transports.Get(subscriber.Mode)
	if !ok {
		return s.fail(ctx, delivery, subscriber, &refsyncdomain.DeliveryFailure{
			Subscriber: subscriber.Name,
			Mode:       subscriber.Mode,
			Permanent:  true,
			Err:        refsyncdomain.ErrTransportDisabled,
		}, stats)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	start := time.Now()
	err := t.Deliver(callCtx, subscriber, event.Message())
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		s.domain.RecordDelivery(subscriber.Name, string(subscriber.Mode), "failed", elapsed)
		return s.fail(ctx, delivery, subscriber, err, stats)
	}
	s.domain.RecordDelivery(subscriber.Name, string(subscriber.Mode), "delivered", elapsed)
	if err := s.complete(ctx, delivery, event, subscriber); err != nil {
		return err
	}
	stats.Delivered++
	return nil
}

// complete records a durable application: the delivery is closed, older
// undelivered versions of the entity are superseded and the cursor advances.
func (s *Service) complete(ctx context.Context, delivery refsyncdomain.Delivery, event refsyncdomain.SyncEvent, subscriber refsyncdomain.Subscriber) error {
	now := s.clock.Now()
	var superseded int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.MarkDelivered(ctx, tx, delivery.ID, now); err != nil {
			return err
		}
		var err error
		superseded, err = s.repo.SupersedeOlder(ctx, tx, subscriber.ID, delivery.EntityUUID, delivery.SourceVersion, now)
		if err != nil {
			return err
		}
		return s.repo.AdvanceCursor(ctx, tx, refsyncdomain.Cursor{
			SubscriberID:            subscriber.ID,
			Source:                  s.source(delivery.EntityType),
			LastAcknowledgedEventID: event.EventID,
			LastAppliedAt:           now,
			UpdatedAt:               now,
		})
	})
	if err != nil {
		return err
	}

	obslogger.WithDelivery(s.log, subscriber.Name, string(delivery.EntityType), delivery.EntityUUID).Debug("sync.delivery.delivered",
		zap.String("event_id", event.EventID.String()),
		zap.Int64("source_version", delivery.SourceVersion),
		zap.Int64("superseded", superseded),
	)
	return nil
}

// fail schedules the next attempt, parks the delivery once attempts run out
// or the failure is permanent, and cancels it when the subscriber left.
func (s *Service) fail(ctx context.Context, delivery refsyncdomain.Delivery, subscriber refsyncdomain.Subscriber, cause error, stats *refsyncdomain.DeliveryStats) error {
	now := s.clock.Now()
	attempts := delivery.AttemptCount + 1

	permanent := false
	var failure *refsyncdomain.DeliveryFailure
	if errors.As(cause, &failure) {
		permanent = failure.Permanent
	}

	var status refsyncdomain.DeliveryStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscribed, err := s.stillSubscribed(ctx, tx, subscriber.ID, delivery)
		if err != nil {
			return err
		}

		next := now
		switch {
		case !subscribed:
			status = refsyncdomain.DeliveryStatusCancelled
		case permanent || s.retry.Exhausted(attempts):
			status = refsyncdomain.DeliveryStatusParked
		default:
			status = refsyncdomain.DeliveryStatusPending
			next = now.Add(s.retry.Delay(attempts))
		}
		_, err = s.repo.MarkFailed(ctx, tx, delivery.ID, status, attempts, next, truncate(cause.Error(), maxErrorLength), now)
		return err
	})
	if err != nil {
		return err
	}

	log := obslogger.WithDelivery(s.log, subscriber.Name, string(delivery.EntityType), delivery.EntityUUID).With(
		zap.String("delivery_id", delivery.ID.String()),
		zap.Int("attempt", attempts),
		zap.Error(cause),
	)
	switch status {
	case refsyncdomain.DeliveryStatusCancelled:
		stats.Cancelled++
		log.Info("sync.delivery.cancelled")
	case refsyncdomain.DeliveryStatusParked:
		stats.Parked++
		log.Warn("sync.delivery.parked", zap.Bool("permanent", permanent))
	default:
		stats.Retried++
		log.Info("sync.delivery.retry_scheduled")
	}
	return nil
}

func (s *Service) stillSubscribed(ctx context.Context, tx *gorm.DB, subscriberID snowflake.ID, delivery refsyncdomain.Delivery) (bool, error) {
	subscribers, err := s.repo.FindSubscribers(ctx, tx, []snowflake.ID{subscriberID})
	if err != nil {
		return false, err
	}
	if len(subscribers) == 0 || subscribers[0].Status != refsyncdomain.SubscriberStatusActive {
		return false, nil
	}
	types, err := s.repo.ListSubscriptions(ctx, tx, subscriberID)
	if err != nil {
		return false, err
	}
	return slices.Contains(types, delivery.EntityType), nil
}

func (s *Service) Poll(ctx context.Context, name string, limit int) ([]refsyncdomain.PolledDelivery, error) {
	subscriber, err := s.pollSubscriber(ctx, name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.BatchSize {
		limit = s.cfg.BatchSize
	}

	now := s.clock.Now()
	var claimed []refsyncdomain.Delivery
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.ClaimDue(ctx, tx, refsyncdomain.ClaimFilter{
			SubscriberID: subscriber.ID,
			Now:          now,
			LeaseUntil:   now.Add(s.cfg.Lease),
			Limit:        limit,
		})
		claimed = rows
		return err
	})
	if err != nil || len(claimed) == 0 {
		return nil, err
	}

	events, _, err := s.loadContext(ctx, claimed)
	if err != nil {
		return nil, err
	}
	out := make([]refsyncdomain.PolledDelivery, 0, len(claimed))
	for _, delivery := range claimed {
		event, ok := events[delivery.EventID]
		if !ok {
			continue
		}
		out = append(out, refsyncdomain.PolledDelivery{
			DeliveryID: delivery.ID,
			Attempt:    delivery.AttemptCount + 1,
			Event:      event.Message(),
		})
	}
	return out, nil
}

func (s *Service) Ack(ctx context.Context, name string, deliveryIDs []snowflake.ID) (int, error) {
	subscriber, err := s.pollSubscriber(ctx, name)
	if err != nil {
		return 0, err
	}
	deliveries, err := s.repo.FindDeliveries(ctx, s.db, subscriber.ID, deliveryIDs)
	if err != nil {
		return 0, err
	}
	events, _, err := s.loadContext(ctx, deliveries)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, delivery := range deliveries {
		if delivery.Status != refsyncdomain.DeliveryStatusLeased && delivery.Status != refsyncdomain.DeliveryStatusPending {
			continue
		}
		event, ok := events[delivery.EventID]
		if !ok {
			continue
		}
		if err := s.complete(ctx, delivery, event, *subscriber); err != nil {
			return acked, err
		}
		s.domain.RecordDelivery(subscriber.Name, string(subscriber.Mode), "delivered", 0)
		acked++
	}
	return acked, nil
}

func (s *Service) Nack(ctx context.Context, name string, deliveryIDs []snowflake.ID, reason string) (int, error) {
	subscriber, err := s.pollSubscriber(ctx, name)
	if err != nil {
		return 0, err
	}
	deliveries, err := s.repo.FindDeliveries(ctx, s.db, subscriber.ID, deliveryIDs)
	if err != nil {
		return 0, err
	}
	if reason == "" {
		reason = "nacked by subscriber"
	}

	var stats refsyncdomain.DeliveryStats
	nacked := 0
	for _, delivery := range deliveries {
		if delivery.Status != refsyncdomain.DeliveryStatusLeased {
			continue
		}
		cause := &refsyncdomain.DeliveryFailure{Subscriber: subscriber.Name, Mode: subscriber.Mode, Err: errors.New(reason)}
		if err := s.fail(ctx, delivery, *subscriber, cause, &stats); err != nil {
			return nacked, err
		}
		s.domain.RecordDelivery(subscriber.Name, string(subscriber.Mode), "failed", 0)
		nacked++
	}
	return nacked, nil
}

func (s *Service) pollSubscriber(ctx context.Context, name string) (*refsyncdomain.Subscriber, error) {
	subscriber, err := s.findSubscriber(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if subscriber.Mode != refsyncdomain.ModePoll {
		return nil, refsyncdomain.ErrSubscriberNotPolling
	}
	if subscriber.Status != refsyncdomain.SubscriberStatusActive {
		return nil, refsyncdomain.ErrSubscriberInactive
	}
	return subscriber, nil
}

func (s *Service) ListParked(ctx context.Context, name string, entityType string, limit int) ([]refsyncdomain.Delivery, error) {
	subscriber, err := s.repo.FindSubscriberByName(ctx, s.db, strings.TrimSpace(name))
	if err != nil || subscriber == nil {
		return nil, err
	}
	var parsed referencedomain.EntityType
	if entityType = strings.TrimSpace(entityType); entityType != "" {
		parsed, err = referencedomain.ParseEntityType(entityType)
		if err != nil {
			return nil, err
		}
	}
	if limit <= 0 || limit > headPageLimit {
		limit = headPageLimit
	}
	return s.repo.ListParked(ctx, s.db, subscriber.ID, parsed, limit)
}

func (s *Service) ResolveParked(ctx context.Context, name string, entityUUID string, uptoVersion int64) (int64, error) {
	subscriber, err := s.repo.FindSubscriberByName(ctx, s.db, strings.TrimSpace(name))
	if err != nil || subscriber == nil {
		return 0, err
	}
	resolved, err := s.repo.ResolveParked(ctx, s.db, subscriber.ID, entityUUID, uptoVersion, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if resolved > 0 {
		s.log.Info("sync.delivery.resolved",
			zap.String("subscriber", subscriber.Name),
			zap.String("entity_uuid", entityUUID),
			zap.Int64("upto_version", uptoVersion),
			zap.Int64("resolved", resolved),
		)
	}
	return resolved, nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
