package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/observability"
	obsmiddleware "github.com/smallbiznis/bookline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bookline/internal/observability/metrics"
	obstracing "github.com/smallbiznis/bookline/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	"github.com/smallbiznis/bookline/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	royaltydomain "github.com/smallbiznis/bookline/internal/royalty/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultHTTPAddr = ":8080"

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http.server.start", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	sync            refsyncdomain.Service
	references      referencedomain.Service
	reconcile       reconciledomain.Service
	billing         billingdomain.Service
	payments        paymentdomain.Service
	royalties       royaltydomain.Service
	callbackLimiter *ratelimit.CallbackLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Sync            refsyncdomain.Service
	References      referencedomain.Service
	Reconcile       reconciledomain.Service
	Billing         billingdomain.Service
	Payments        paymentdomain.Service
	Royalties       royaltydomain.Service
	CallbackLimiter *ratelimit.CallbackLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		sync:            p.Sync,
		references:      p.References,
		reconcile:       p.Reconcile,
		billing:         p.Billing,
		payments:        p.Payments,
		royalties:       p.Royalties,
		callbackLimiter: p.CallbackLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerSyncRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerSyncRoutes() {
	sync := s.engine.Group("/api/sync")

	// pushed by the dispatcher of the owning deployment; apply is version guarded
	sync.POST("/receive", s.ReceiveSyncEvent)

	owner := sync.Group("", s.AdminTokenRequired())
	{
		owner.POST("/events", s.EmitSyncEvent)
		owner.GET("/heads", s.ListHeads)
		owner.POST("/heads/lookup", s.LookupHeads)
		owner.GET("/backlog", s.GetSyncBacklog)

		owner.GET("/subscribers", s.ListSubscribers)
		owner.POST("/subscribers", s.Subscribe)
		owner.GET("/subscribers/:name", s.GetSubscriber)
		owner.POST("/subscribers/:name/unsubscribe", s.Unsubscribe)
		owner.GET("/subscribers/:name/cursors", s.ListCursors)
		owner.GET("/subscribers/:name/poll", s.PollDeliveries)
		owner.POST("/subscribers/:name/ack", s.AckDeliveries)
		owner.POST("/subscribers/:name/nack", s.NackDeliveries)
		owner.GET("/subscribers/:name/parked", s.ListParked)
	}
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payment Callbacks --------
	api.POST("/payments/callbacks/:provider", s.CallbackRateLimit(), s.HandlePaymentCallback)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminTokenRequired())

	// -------- References --------
	admin.GET("/references", s.ListReferences)
	admin.GET("/references/:uuid", s.GetReference)

	// -------- Reconciliation --------
	admin.GET("/reconcile/runs", s.ListReconcileRuns)
	admin.POST("/reconcile/runs", s.TriggerReconcile)

	// -------- Plans --------
	admin.GET("/plans", s.ListPlans)
	admin.PUT("/plans/:code", s.UpsertPlan)
	admin.GET("/plans/:code", s.GetPlan)

	// -------- Invoices --------
	admin.GET("/invoices", s.ListInvoices)
	admin.POST("/invoices", s.CreateInvoice)
	admin.GET("/invoices/:id", s.GetInvoice)
	admin.POST("/invoices/:id/submit", s.SubmitInvoice)
	admin.POST("/invoices/:id/resubmit", s.ResubmitInvoice)
	admin.POST("/invoices/:id/void", s.VoidInvoice)
	admin.GET("/invoices/:id/transactions", s.ListInvoiceTransactions)

	// -------- Subscriptions --------
	admin.GET("/subscriptions", s.ListSubscriptions)
	admin.POST("/subscriptions", s.CreateSubscription)
	admin.GET("/subscriptions/:id", s.GetSubscription)
	admin.POST("/subscriptions/:id/cancel", s.CancelSubscription)

	// -------- Payment Anomalies --------
	admin.GET("/payments/anomalies", s.ListAnomalies)
	admin.POST("/payments/anomalies/:id/resolve", s.ResolveAnomaly)
	admin.POST("/payments/rematch", s.RematchCallbacks)

	// -------- Royalties --------
	admin.POST("/royalties/compute", s.ComputeRoyalties)
	admin.GET("/royalties", s.ListRoyalties)
	admin.GET("/royalties/:id", s.GetRoyalty)
	admin.POST("/royalties/:id/approve", s.ApproveRoyalty)
	admin.POST("/royalties/:id/pay", s.MarkRoyaltyPaid)
	admin.GET("/royalties/:id/adjustments", s.ListRoyaltyAdjustments)
	admin.GET("/royalty-periods", s.ListRoyaltyPeriods)
	admin.POST("/royalty-periods/close", s.CloseRoyaltyPeriod)
}
