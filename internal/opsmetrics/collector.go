package opsmetrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	royaltydomain "github.com/smallbiznis/bookline/internal/royalty/domain"
	"gorm.io/gorm"
)

// Collector holds the operational backlog gauges pushed to the remote
// collector. It owns a private registry so the push payload never carries
// the process-level metrics served on /metrics.
type Collector struct {
	registry *prometheus.Registry

	deliveries         *prometheus.GaugeVec
	invoices           *prometheus.GaugeVec
	royalties          *prometheus.GaugeVec
	unmatchedCallbacks prometheus.Gauge
	openAnomalies      prometheus.Gauge
}

type statusCount struct {
	Status string
	Total  int64
}

var (
	trackedDeliveryStatuses = []string{
		string(refsyncdomain.DeliveryStatusPending),
		string(refsyncdomain.DeliveryStatusLeased),
		string(refsyncdomain.DeliveryStatusParked),
	}
	trackedInvoiceStatuses = []string{
		string(billingdomain.InvoiceStatusPending),
		string(billingdomain.InvoiceStatusFailed),
	}
	trackedRoyaltyStatuses = []string{
		string(royaltydomain.RoyaltyStatusComputed),
		string(royaltydomain.RoyaltyStatusApproved),
	}
)

func NewCollector(service, environment string) *Collector {
	constLabels := prometheus.Labels{"service": service, "env": environment}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		deliveries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "bookline_ops_sync_deliveries",
			Help:        "Outstanding reference sync deliveries by status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		invoices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "bookline_ops_invoices",
			Help:        "Invoices awaiting payment or retry by status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		royalties: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "bookline_ops_royalty_statements",
			Help:        "Current royalty statements not yet paid by status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		unmatchedCallbacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "bookline_ops_payment_callbacks_unmatched",
			Help:        "Payment callbacks still waiting for a transaction match.",
			ConstLabels: constLabels,
		}),
		openAnomalies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "bookline_ops_payment_anomalies_open",
			Help:        "Payment anomalies awaiting operator resolution.",
			ConstLabels: constLabels,
		}),
	}
	c.registry.MustRegister(c.deliveries, c.invoices, c.royalties, c.unmatchedCallbacks, c.openAnomalies)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Refresh recounts every tracked backlog. Statuses with no rows are reset to zero.
func (c *Collector) Refresh(ctx context.Context, db *gorm.DB) error {
	if c == nil || db == nil {
		return nil
	}
	var errs error
	errs = errors.Join(errs, c.refreshStatuses(ctx, db, "sync_deliveries", trackedDeliveryStatuses, c.deliveries))
	errs = errors.Join(errs, c.refreshStatuses(ctx, db, "invoices", trackedInvoiceStatuses, c.invoices))
	errs = errors.Join(errs, c.refreshStatuses(ctx, db, "author_royalties", trackedRoyaltyStatuses, c.royalties))

	var unmatched int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM payment_callbacks WHERE outcome = ?`,
		string(paymentdomain.OutcomeUnmatched),
	).Scan(&unmatched).Error; err != nil {
		errs = errors.Join(errs, err)
	} else {
		c.unmatchedCallbacks.Set(float64(unmatched))
	}

	var anomalies int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM payment_anomalies WHERE status = ?`,
		string(paymentdomain.AnomalyStatusOpen),
	).Scan(&anomalies).Error; err != nil {
		errs = errors.Join(errs, err)
	} else {
		c.openAnomalies.Set(float64(anomalies))
	}
	return errs
}

func (c *Collector) refreshStatuses(
	ctx context.Context,
	db *gorm.DB,
	table string,
	statuses []string,
	gauge *prometheus.GaugeVec,
) error {
	var rows []statusCount
	query := `SELECT status, COUNT(*) AS total FROM ` + table + ` WHERE status IN ? GROUP BY status`
	if err := db.WithContext(ctx).Raw(query, statuses).Scan(&rows).Error; err != nil {
		return err
	}
	for _, status := range statuses {
		gauge.WithLabelValues(status).Set(0)
	}
	for _, row := range rows {
		gauge.WithLabelValues(row.Status).Set(float64(row.Total))
	}
	return nil
}
