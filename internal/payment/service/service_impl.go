package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	obsmetrics "github.com/smallbiznis/bookline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	pkgdb "github.com/smallbiznis/bookline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultRematchBatch = 100
	defaultAnomalyLimit = 50
	maxAnomalyLimit     = 500
	resolutionRematched = "rematched"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Repo       paymentdomain.Repository
	Settlement billingdomain.Settlement
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Domain     *obsmetrics.Domain  `optional:"true"`
}

// Service matches normalized callbacks to payment transactions and settles
// the invoices they belong to.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          paymentdomain.Repository
	settlement    billingdomain.Settlement
	obsMetrics    *obsmetrics.Metrics
	domain        *obsmetrics.Domain
	tries         uint
	rematchWindow time.Duration
	rematchBatch  int
}

func NewService(p Params) *Service {
	window := p.Config.Payment.RematchWindow
	if window <= 0 {
		window = 72 * time.Hour
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.reconciliation"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		settlement:    p.Settlement,
		obsMetrics:    p.ObsMetrics,
		domain:        p.Domain,
		tries:         p.Config.Payment.ConflictTries,
		rematchWindow: window,
		rematchBatch:  defaultRematchBatch,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) ProcessCallback(ctx context.Context, callback paymentdomain.Callback) (paymentdomain.CallbackResult, error) {
	if err := validateCallback(&callback); err != nil {
		return paymentdomain.CallbackResult{}, err
	}

	now := s.now()
	if callback.ReceivedAt.IsZero() {
		callback.ReceivedAt = now
	}
	payload := callback.RawPayload
	if !json.Valid(payload) {
		payload = []byte("{}")
	}
	record := paymentdomain.CallbackRecord{
		ID:                s.genID.Generate(),
		Provider:          callback.Provider,
		DedupKey:          callback.DedupKey(),
		ProviderReference: callback.ProviderReference,
		InvoiceID:         callback.InvoiceID,
		Status:            callback.Status,
		Amount:            callback.Amount,
		Currency:          callback.Currency,
		Payload:           datatypes.JSON(payload),
		ReceivedAt:        callback.ReceivedAt.UTC(),
	}

	inserted, err := s.repo.InsertCallback(ctx, s.db, record)
	if err != nil {
		return paymentdomain.CallbackResult{}, err
	}
	stored := &record
	if !inserted {
		stored, err = s.repo.FindCallbackByDedupKey(ctx, s.db, record.DedupKey)
		if err != nil {
			return paymentdomain.CallbackResult{}, err
		}
		if stored == nil {
			return paymentdomain.CallbackResult{}, paymentdomain.ErrInvalidCallback
		}
		if stored.ProcessedAt != nil {
			s.log.Info("payment.callback.duplicate",
				zap.String("provider", stored.Provider),
				zap.String("provider_reference", stored.ProviderReference),
				zap.String("callback_id", stored.ID.String()),
			)
			s.obsMetrics.RecordPaymentCallback(ctx, stored.Provider, string(paymentdomain.OutcomeDuplicate))
			return paymentdomain.CallbackResult{
				CallbackID:    stored.ID,
				Outcome:       paymentdomain.OutcomeDuplicate,
				TransactionID: stored.TransactionID,
				InvoiceID:     stored.InvoiceID,
			}, nil
		}
	}

	result, err := s.apply(ctx, stored)
	if err != nil {
		return paymentdomain.CallbackResult{}, err
	}
	s.obsMetrics.RecordPaymentCallback(ctx, stored.Provider, string(result.Outcome))
	if result.Outcome == paymentdomain.OutcomeUnmatched {
		s.refreshUnmatched(ctx)
	}
	return result, nil
}

func validateCallback(callback *paymentdomain.Callback) error {
	provider, err := paymentdomain.NormalizeProvider(callback.Provider)
	if err != nil {
		return err
	}
	callback.Provider = provider
	callback.ProviderReference = strings.TrimSpace(callback.ProviderReference)
	if callback.ProviderReference == "" {
		return paymentdomain.ErrInvalidCallback
	}
	switch callback.Status {
	case paymentdomain.CallbackStatusConfirmed, paymentdomain.CallbackStatusFailed:
	default:
		return paymentdomain.ErrInvalidCallback
	}
	if callback.Amount <= 0 {
		return paymentdomain.ErrInvalidCallback
	}
	callback.Currency = strings.ToUpper(strings.TrimSpace(callback.Currency))
	if len(callback.Currency) != 3 {
		return paymentdomain.ErrInvalidCallback
	}
	if callback.InvoiceID != nil && *callback.InvoiceID == 0 {
		callback.InvoiceID = nil
	}
	return nil
}

// apply matches and settles one logged callback. The whole transaction is
// retried when an optimistic write loses.
func (s *Service) apply(ctx context.Context, stored *paymentdomain.CallbackRecord) (paymentdomain.CallbackResult, error) {
	var result paymentdomain.CallbackResult
	err := pkgdb.RetryOnConflict(ctx, s.tries, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = s.applyTx(ctx, tx, stored, s.now())
			return err
		})
	})
	if err != nil {
		return paymentdomain.CallbackResult{}, err
	}

	fields := []zap.Field{
		zap.String("callback_id", stored.ID.String()),
		zap.String("provider", stored.Provider),
		zap.String("provider_reference", stored.ProviderReference),
		zap.String("outcome", string(result.Outcome)),
	}
	if result.InvoiceID != nil {
		fields = append(fields, zap.String("invoice_id", result.InvoiceID.String()))
	}
	switch result.Outcome {
	case paymentdomain.OutcomeAnomaly, paymentdomain.OutcomeUnmatched:
		s.log.Warn("payment.callback.held", append(fields, zap.String("anomaly", string(result.AnomalyKind)))...)
	default:
		s.log.Info("payment.callback.applied", fields...)
	}
	return result, nil
}

func (s *Service) applyTx(ctx context.Context, tx *gorm.DB, stored *paymentdomain.CallbackRecord, now time.Time) (paymentdomain.CallbackResult, error) {
	callback := stored.Callback()
	result := paymentdomain.CallbackResult{CallbackID: stored.ID, InvoiceID: callback.InvoiceID}

	txn, err := s.match(ctx, tx, callback, now)
	if err != nil {
		return result, err
	}
	if txn == nil {
		if err := s.repo.MarkCallbackUnmatched(ctx, tx, stored.ID); err != nil {
			return result, err
		}
		detail := "no transaction matches the provider reference"
		if callback.InvoiceID != nil {
			detail = fmt.Sprintf("no initiated %s transaction for invoice %s awaits reference %s", callback.Provider, callback.InvoiceID.String(), callback.ProviderReference)
		}
		if err := s.raise(ctx, tx, stored, nil, paymentdomain.AnomalyUnmatchedCallback, detail, now); err != nil {
			return result, err
		}
		result.Outcome = paymentdomain.OutcomeUnmatched
		result.AnomalyKind = paymentdomain.AnomalyUnmatchedCallback
		return result, nil
	}

	result.TransactionID = &txn.TransactionID
	result.InvoiceID = &txn.InvoiceID
	if stored.Outcome != nil && *stored.Outcome == paymentdomain.OutcomeUnmatched {
		if _, err := s.repo.ResolveCallbackAnomalies(ctx, tx, stored.ID, paymentdomain.AnomalyUnmatchedCallback, resolutionRematched, now); err != nil {
			return result, err
		}
	}

	invoice, err := s.settlement.LockInvoice(ctx, tx, txn.InvoiceID)
	if err != nil {
		return result, err
	}

	var kind paymentdomain.AnomalyKind
	var detail string
	switch callback.Status {
	case paymentdomain.CallbackStatusConfirmed:
		result.Outcome, kind, detail, err = s.confirm(ctx, tx, callback, txn, invoice, now)
	default:
		result.Outcome, kind, detail, err = s.fail(ctx, tx, txn, invoice, now)
	}
	if err != nil {
		return result, err
	}
	if kind != "" {
		if err := s.raise(ctx, tx, stored, txn, kind, detail, now); err != nil {
			return result, err
		}
		result.Outcome = paymentdomain.OutcomeAnomaly
		result.AnomalyKind = kind
	}

	if err := s.repo.MarkCallbackProcessed(ctx, tx, stored.ID, result.Outcome, &txn.TransactionID, now); err != nil {
		return result, err
	}
	return result, nil
}

// match finds the transaction a callback refers to: by provider reference
// first, then the latest initiated attempt for the echoed invoice as long as
// that attempt has no other reference yet.
func (s *Service) match(ctx context.Context, tx *gorm.DB, callback paymentdomain.Callback, now time.Time) (*paymentdomain.Transaction, error) {
	txn, err := s.repo.FindByReferenceForUpdate(ctx, tx, callback.Provider, callback.ProviderReference)
	if err != nil || txn != nil {
		return txn, err
	}
	if callback.InvoiceID == nil {
		return nil, nil
	}

	txn, err = s.repo.LatestInitiatedForUpdate(ctx, tx, *callback.InvoiceID, callback.Provider)
	if err != nil || txn == nil {
		return txn, err
	}
	// An attempt the gateway already referenced belongs to another payment.
	if txn.ProviderReference != nil && *txn.ProviderReference != callback.ProviderReference {
		return nil, nil
	}
	if txn.ProviderReference == nil {
		ok, err := s.repo.SetProviderReference(ctx, tx, txn.TransactionID, callback.ProviderReference, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, pkgdb.ErrVersionConflict
		}
		reference := callback.ProviderReference
		txn.ProviderReference = &reference
		txn.Version++
	}
	return txn, nil
}

func (s *Service) confirm(ctx context.Context, tx *gorm.DB, callback paymentdomain.Callback, txn *paymentdomain.Transaction, invoice *billingdomain.Invoice, now time.Time) (paymentdomain.Outcome, paymentdomain.AnomalyKind, string, error) {
	if txn.Status == paymentdomain.TransactionStatusConfirmed {
		return paymentdomain.OutcomeNoop, "", "", nil
	}
	if callback.Amount != txn.Amount {
		return "", paymentdomain.AnomalyAmountMismatch, fmt.Sprintf("callback amount %d, transaction amount %d", callback.Amount, txn.Amount), nil
	}
	if callback.Currency != txn.Currency {
		return "", paymentdomain.AnomalyCurrencyMismatch, fmt.Sprintf("callback currency %s, transaction currency %s", callback.Currency, txn.Currency), nil
	}
	switch invoice.Status {
	case billingdomain.InvoiceStatusPaid:
		return "", paymentdomain.AnomalyAlreadyPaid, "invoice already settled by another transaction", nil
	case billingdomain.InvoiceStatusVoid:
		return "", paymentdomain.AnomalyInvoiceVoid, "confirmation received for a void invoice", nil
	}

	ok, err := s.repo.UpdateTransactionStatus(ctx, tx, txn.TransactionID, txn.Version, paymentdomain.TransactionStatusConfirmed, now)
	if err != nil {
		return "", "", "", err
	}
	if !ok {
		return "", "", "", pkgdb.ErrVersionConflict
	}
	if _, err := s.repo.SupersedeInitiated(ctx, tx, invoice.InvoiceID, txn.TransactionID, now); err != nil {
		return "", "", "", err
	}
	if err := s.settlement.MarkPaid(ctx, tx, invoice, now); err != nil {
		return "", "", "", err
	}
	return paymentdomain.OutcomeConfirmed, "", "", nil
}

func (s *Service) fail(ctx context.Context, tx *gorm.DB, txn *paymentdomain.Transaction, invoice *billingdomain.Invoice, now time.Time) (paymentdomain.Outcome, paymentdomain.AnomalyKind, string, error) {
	switch txn.Status {
	case paymentdomain.TransactionStatusConfirmed:
		return "", paymentdomain.AnomalyFailureAfterConfirm, "failure reported for a confirmed transaction", nil
	case paymentdomain.TransactionStatusFailed, paymentdomain.TransactionStatusSuperseded:
		return paymentdomain.OutcomeNoop, "", "", nil
	}

	ok, err := s.repo.UpdateTransactionStatus(ctx, tx, txn.TransactionID, txn.Version, paymentdomain.TransactionStatusFailed, now)
	if err != nil {
		return "", "", "", err
	}
	if !ok {
		return "", "", "", pkgdb.ErrVersionConflict
	}

	if invoice.Status == billingdomain.InvoiceStatusPending {
		latest, err := s.repo.LatestAttempt(ctx, tx, invoice.InvoiceID)
		if err != nil {
			return "", "", "", err
		}
		if latest != nil && latest.TransactionID == txn.TransactionID {
			if err := s.settlement.MarkFailed(ctx, tx, invoice, now); err != nil {
				return "", "", "", err
			}
		}
	}
	return paymentdomain.OutcomeFailed, "", "", nil
}

func (s *Service) raise(ctx context.Context, tx *gorm.DB, stored *paymentdomain.CallbackRecord, txn *paymentdomain.Transaction, kind paymentdomain.AnomalyKind, detail string, now time.Time) error {
	reference := stored.ProviderReference
	callbackID := stored.ID
	anomaly := paymentdomain.Anomaly{
		ID:                s.genID.Generate(),
		Kind:              kind,
		Provider:          stored.Provider,
		ProviderReference: &reference,
		InvoiceID:         stored.InvoiceID,
		CallbackID:        &callbackID,
		Detail:            detail,
		Status:            paymentdomain.AnomalyStatusOpen,
		CreatedAt:         now,
	}
	if txn != nil {
		anomaly.TransactionID = &txn.TransactionID
		anomaly.InvoiceID = &txn.InvoiceID
	}
	inserted, err := s.repo.InsertAnomaly(ctx, tx, anomaly)
	if err != nil {
		return err
	}
	if inserted {
		s.domain.RecordAnomaly(string(kind))
	}
	return nil
}

// Rematch retries callbacks that arrived before their transaction existed.
func (s *Service) Rematch(ctx context.Context) (paymentdomain.RematchResult, error) {
	since := s.now().Add(-s.rematchWindow)
	rows, err := s.repo.ListUnmatchedCallbacks(ctx, s.db, since, s.rematchBatch)
	if err != nil {
		return paymentdomain.RematchResult{}, err
	}

	result := paymentdomain.RematchResult{Scanned: len(rows)}
	var errs []error
	for i := range rows {
		row := rows[i]
		res, err := s.apply(ctx, &row)
		if err != nil {
			errs = append(errs, err)
			s.log.Warn("payment.rematch.failed",
				zap.String("callback_id", row.ID.String()),
				zap.Error(err),
			)
			continue
		}
		s.obsMetrics.RecordPaymentCallback(ctx, row.Provider, string(res.Outcome))
		if res.Outcome == paymentdomain.OutcomeUnmatched {
			result.Unmatched++
			continue
		}
		result.Matched++
	}

	s.refreshUnmatched(ctx)
	if result.Scanned > 0 {
		s.log.Info("payment.rematch.batch",
			zap.Int("scanned", result.Scanned),
			zap.Int("matched", result.Matched),
			zap.Int("unmatched", result.Unmatched),
		)
	}
	return result, errors.Join(errs...)
}

func (s *Service) refreshUnmatched(ctx context.Context) {
	if s.domain == nil {
		return
	}
	count, err := s.repo.CountUnmatchedCallbacks(ctx, s.db)
	if err != nil {
		s.log.Warn("payment.unmatched.count_failed", zap.Error(err))
		return
	}
	s.domain.SetUnmatchedCallbacks(float64(count))
}

func (s *Service) ListTransactions(ctx context.Context, invoiceID snowflake.ID) ([]paymentdomain.Transaction, error) {
	return s.repo.ListTransactions(ctx, s.db, invoiceID)
}

func (s *Service) ListAnomalies(ctx context.Context, status paymentdomain.AnomalyStatus, limit int) ([]paymentdomain.Anomaly, error) {
	switch status {
	case "", paymentdomain.AnomalyStatusOpen, paymentdomain.AnomalyStatusResolved:
	default:
		return nil, paymentdomain.ErrInvalidAnomalyStatus
	}
	if limit <= 0 {
		limit = defaultAnomalyLimit
	}
	if limit > maxAnomalyLimit {
		limit = maxAnomalyLimit
	}
	return s.repo.ListAnomalies(ctx, s.db, status, limit)
}

// ResolveAnomaly closes an anomaly after operator review. It never changes
// invoice or transaction state.
func (s *Service) ResolveAnomaly(ctx context.Context, id snowflake.ID, resolution string) (paymentdomain.Anomaly, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return paymentdomain.Anomaly{}, paymentdomain.ErrInvalidResolution
	}
	anomaly, err := s.repo.FindAnomaly(ctx, s.db, id)
	if err != nil {
		return paymentdomain.Anomaly{}, err
	}
	if anomaly == nil {
		return paymentdomain.Anomaly{}, paymentdomain.ErrAnomalyNotFound
	}
	if anomaly.Status == paymentdomain.AnomalyStatusResolved {
		return paymentdomain.Anomaly{}, paymentdomain.ErrAnomalyAlreadyResolved
	}

	ok, err := s.repo.ResolveAnomaly(ctx, s.db, id, resolution, s.now())
	if err != nil {
		return paymentdomain.Anomaly{}, err
	}
	if !ok {
		return paymentdomain.Anomaly{}, paymentdomain.ErrAnomalyAlreadyResolved
	}
	s.log.Info("payment.anomaly.resolved",
		zap.String("anomaly_id", id.String()),
		zap.String("kind", string(anomaly.Kind)),
	)

	resolved, err := s.repo.FindAnomaly(ctx, s.db, id)
	if err != nil {
		return paymentdomain.Anomaly{}, err
	}
	return *resolved, nil
}
