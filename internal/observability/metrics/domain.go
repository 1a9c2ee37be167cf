package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Domain exposes Prometheus series for sync, reconciliation and payments.
type Domain struct {
	deliveries        *prometheus.CounterVec
	deliveryDuration  *prometheus.HistogramVec
	backlog           *prometheus.GaugeVec
	drift             *prometheus.CounterVec
	repaired          *prometheus.CounterVec
	anomalies         *prometheus.CounterVec
	unmatched         prometheus.Gauge
	breakerState      *prometheus.GaugeVec
	invoicesGenerated *prometheus.CounterVec
}

var (
	domainMetricsOnce sync.Once
	domainMetrics     *Domain
)

// NewDomain returns the process-wide domain metrics registered on the default registerer.
func NewDomain(cfg Config) *Domain {
	domainMetricsOnce.Do(func() {
		domainMetrics = NewDomainWithRegisterer(prometheus.DefaultRegisterer, cfg)
	})
	return domainMetrics
}

func NewDomainWithRegisterer(registerer prometheus.Registerer, cfg Config) *Domain {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookline_sync_deliveries_total",
		Help:        "Sync delivery attempts by subscriber and outcome.",
		ConstLabels: labels,
	}, []string{"subscriber", "outcome"})
	deliveryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "bookline_sync_delivery_duration_seconds",
		Help:        "Sync delivery call latency by transport.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: labels,
	}, []string{"transport"})
	backlog := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "bookline_sync_backlog",
		Help:        "Sync deliveries waiting by status.",
		ConstLabels: labels,
	}, []string{"status"})
	drift := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookline_reconcile_drift_total",
		Help:        "Local references found out of sync with the authoritative source.",
		ConstLabels: labels,
	}, []string{"subscriber", "entity_type", "kind"})
	repaired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookline_reconcile_repaired_total",
		Help:        "Local references repaired by reconciliation.",
		ConstLabels: labels,
	}, []string{"subscriber", "entity_type"})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookline_payment_anomalies_total",
		Help:        "Payment anomalies recorded by kind.",
		ConstLabels: labels,
	}, []string{"kind"})
	unmatched := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "bookline_payment_unmatched_callbacks",
		Help:        "Provider callbacks not yet matched to a transaction.",
		ConstLabels: labels,
	})
	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "bookline_circuit_breaker_state",
		Help:        "Circuit breaker state per peer (0 closed, 1 half-open, 2 open).",
		ConstLabels: labels,
	}, []string{"name"})
	invoicesGenerated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "bookline_invoices_generated_total",
		Help:        "Invoices generated by origin.",
		ConstLabels: labels,
	}, []string{"origin"})

	registerer.MustRegister(
		deliveries,
		deliveryDuration,
		backlog,
		drift,
		repaired,
		anomalies,
		unmatched,
		breakerState,
		invoicesGenerated,
	)

	return &Domain{
		deliveries:        deliveries,
		deliveryDuration:  deliveryDuration,
		backlog:           backlog,
		drift:             drift,
		repaired:          repaired,
		anomalies:         anomalies,
		unmatched:         unmatched,
		breakerState:      breakerState,
		invoicesGenerated: invoicesGenerated,
	}
}

func (m *Domain) RecordDelivery(subscriber, transport, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(sanitizeLabel(subscriber), sanitizeLabel(outcome)).Inc()
	m.deliveryDuration.WithLabelValues(sanitizeLabel(transport)).Observe(duration.Seconds())
}

// SetBacklog updates the waiting-delivery gauge for one status.
func (m *Domain) SetBacklog(status string, value float64) {
	if m == nil {
		return
	}
	m.backlog.WithLabelValues(sanitizeLabel(status)).Set(value)
}

func (m *Domain) RecordDrift(subscriber, entityType, kind string) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(sanitizeLabel(subscriber), sanitizeLabel(entityType), sanitizeLabel(kind)).Inc()
}

func (m *Domain) RecordRepaired(subscriber, entityType string) {
	if m == nil {
		return
	}
	m.repaired.WithLabelValues(sanitizeLabel(subscriber), sanitizeLabel(entityType)).Inc()
}

func (m *Domain) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(sanitizeLabel(kind)).Inc()
}

func (m *Domain) SetUnmatchedCallbacks(value float64) {
	if m == nil {
		return
	}
	m.unmatched.Set(value)
}

func (m *Domain) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(sanitizeLabel(name)).Set(state)
}

func (m *Domain) RecordInvoiceGenerated(origin string) {
	if m == nil {
		return
	}
	m.invoicesGenerated.WithLabelValues(sanitizeLabel(origin)).Inc()
}

func sanitizeLabel(val string) string {
	if val == "" {
		return "unknown"
	}
	return val
}
