package observability

import (
	"github.com/smallbiznis/bookline/internal/observability/logger"
	"github.com/smallbiznis/bookline/internal/observability/metrics"
	"github.com/smallbiznis/bookline/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the bookline logger, tracer and meters. Every binary includes
// it before the sync, billing, payment and royalty modules that log through it.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		loggerConfig,
		logger.New,
		tracingConfig,
		tracing.NewProvider,
		metricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.NewDomain,
	),
	fx.Invoke(registerSchedulerMetrics),
	fx.Invoke(announce),
)

func loggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Deployment:          cfg.Deployment,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func tracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		Deployment:       cfg.Deployment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func metricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

// registerSchedulerMetrics registers the job collectors before the first
// recurring billing, dunning or reconcile run reports into them.
func registerSchedulerMetrics(cfg metrics.Config) {
	metrics.SchedulerWithConfig(cfg)
}

// announce forces the tracer provider and logs the deployment this process
// syncs references as.
func announce(cfg Config, _ *sdktrace.TracerProvider, log *zap.Logger) {
	deployment := cfg.Deployment
	if deployment == "" {
		deployment = "owner"
	}
	log.Named("observability").Info("observability.started",
		zap.String("deployment", deployment),
		zap.Bool("otel_enabled", cfg.OtelEnabled),
		zap.Float64("otel_sampling_ratio", cfg.OtelSamplingRatio),
		zap.String("log_level", cfg.LogLevel),
	)
}
