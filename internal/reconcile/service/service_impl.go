package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	obslogger "github.com/smallbiznis/bookline/internal/observability/logger"
	"github.com/smallbiznis/bookline/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	"github.com/smallbiznis/bookline/internal/reconcile/source"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	"github.com/smallbiznis/bookline/pkg/breaker"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	pageSize        = 200
	parkedScanLimit = 100
	maxRunsListed   = 100
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Rules      *config.RulesHolder
	Repo       reconciledomain.Repository
	References referencedomain.Service
	Dispatcher refsyncdomain.Service
	Domain     *metrics.Domain `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	rules      *config.RulesHolder
	repo       reconciledomain.Repository
	refs       referencedomain.Service
	dispatcher refsyncdomain.Service
	domain     *metrics.Domain

	local    reconciledomain.AuthoritativeSource
	breakers *breaker.Group

	mu      sync.Mutex
	remotes map[string]reconciledomain.AuthoritativeSource
}

func NewService(p ServiceParam) reconciledomain.Service {
	return newService(p)
}

func newService(p ServiceParam) *Service {
	log := p.Log.Named("reconcile.worker")
	opts := breaker.DefaultOptions()
	opts.OnStateChange = p.Domain.SetBreakerState
	return &Service{
		db:         p.DB,
		log:        log,
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config,
		rules:      p.Rules,
		repo:       p.Repo,
		refs:       p.References,
		dispatcher: p.Dispatcher,
		domain:     p.Domain,
		local:      source.NewLocal(p.Dispatcher),
		breakers:   breaker.NewGroup(opts, log),
		remotes:    map[string]reconciledomain.AuthoritativeSource{},
	}
}

func (s *Service) RunDue(ctx context.Context) ([]reconciledomain.Run, error) {
	now := s.clock.Now()
	var (
		runs []reconciledomain.Run
		errs []error
	)
	for _, pair := range s.rules.Get().Reconcile {
		if ctx.Err() != nil {
			break
		}
		if !s.isLocalSubscriber(pair.Subscriber) {
			continue
		}
		last, err := s.repo.LastRun(ctx, s.db, pair.Subscriber, pair.EntityType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if last != nil && now.Sub(last.StartedAt) < pair.Interval {
			continue
		}
		run, err := s.Run(ctx, reconciledomain.RunRequest{
			Subscriber: pair.Subscriber,
			EntityType: pair.EntityType,
			SampleSize: pair.SampleSize,
			SourceURL:  pair.SourceURL,
		})
		if err != nil {
			errs = append(errs, err)
		}
		if run.ID != 0 {
			runs = append(runs, run)
		}
	}
	return runs, errors.Join(errs...)
}

// isLocalSubscriber reports whether subscriber applies into this deployment's store.
func (s *Service) isLocalSubscriber(subscriber string) bool {
	name := strings.TrimSpace(s.cfg.SubscriberName)
	return name == "" || strings.EqualFold(name, strings.TrimSpace(subscriber))
}

func (s *Service) Run(ctx context.Context, req reconciledomain.RunRequest) (reconciledomain.Run, error) {
	subscriber := strings.TrimSpace(req.Subscriber)
	if subscriber == "" || !s.isLocalSubscriber(subscriber) {
		return reconciledomain.Run{}, reconciledomain.ErrInvalidPair
	}
	entityType, err := referencedomain.ParseEntityType(strings.ToLower(strings.TrimSpace(req.EntityType)))
	if err != nil {
		return reconciledomain.Run{}, err
	}

	run := reconciledomain.Run{
		ID:         s.genID.Generate(),
		Subscriber: subscriber,
		EntityType: string(entityType),
		Mode:       reconciledomain.ModeSample,
		StartedAt:  s.clock.Now(),
	}
	if req.SampleSize <= 0 {
		run.Mode = reconciledomain.ModeFull
	}

	previous, err := s.repo.LastRun(ctx, s.db, subscriber, string(entityType))
	if err != nil {
		return reconciledomain.Run{}, err
	}

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("subscriber", subscriber),
		zap.String("entity_type", string(entityType)),
		zap.String("mode", string(run.Mode)),
	)

	p := &pass{
		Service:    s,
		run:        &run,
		entityType: entityType,
		source:     s.sourceFor(req.SourceURL),
		parked:     map[string]struct{}{},
		log:        log,
	}
	if run.Mode == reconciledomain.ModeFull {
		err = p.full(ctx)
	} else {
		err = p.sample(ctx, req.SampleSize)
	}

	run.FinishedAt = s.clock.Now()
	if err != nil {
		msg := err.Error()
		run.Error = &msg
		log.Error("reconcile.run.failed", zap.Error(err))
	}
	if insertErr := s.repo.InsertRun(ctx, s.db, run); insertErr != nil {
		return run, errors.Join(err, insertErr)
	}

	if run.HasDrift() {
		drift := &reconciledomain.DriftDetected{
			Subscriber: subscriber,
			EntityType: string(entityType),
			Drifted:    run.Drifted,
			Missing:    run.Missing,
			Repeated:   previous != nil && previous.HasDrift(),
		}
		fields := []zap.Field{
			zap.Error(drift),
			zap.Int("checked", run.Checked),
			zap.Int("repaired", run.Repaired),
			zap.Int("resolved", run.Resolved),
		}
		if drift.Repeated {
			log.Warn("reconcile.drift_repeated", fields...)
		} else {
			log.Info("reconcile.drift_detected", fields...)
		}
	} else {
		log.Debug("reconcile.run.clean", zap.Int("checked", run.Checked), zap.Int("resolved", run.Resolved))
	}
	return run, err
}

func (s *Service) ListRuns(ctx context.Context, subscriber, entityType string, limit int) ([]reconciledomain.Run, error) {
	if limit <= 0 || limit > maxRunsListed {
		limit = maxRunsListed
	}
	return s.repo.ListRuns(ctx, s.db, strings.TrimSpace(subscriber), strings.TrimSpace(entityType), limit)
}

func (s *Service) sourceFor(baseURL string) reconciledomain.AuthoritativeSource {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return s.local
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.remotes[baseURL]; ok {
		return src
	}
	timeout := s.cfg.Sync.DeliveryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	src := source.NewHTTP(baseURL, s.cfg.AdminToken, &http.Client{Timeout: timeout}, s.breakers)
	s.remotes[baseURL] = src
	return src
}
