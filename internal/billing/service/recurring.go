package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	pkgdb "github.com/smallbiznis/bookline/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) CreateSubscription(ctx context.Context, req billingdomain.CreateSubscriptionRequest) (billingdomain.RecurringBilling, error) {
	userUUID := strings.TrimSpace(req.UserUUID)
	if _, err := s.references.RequireActive(ctx, referencedomain.EntityTypeUser, userUUID); err != nil {
		return billingdomain.RecurringBilling{}, referenceError(err, billingdomain.ErrUnknownUser, userUUID)
	}
	plan, err := s.GetPlan(ctx, req.PlanCode)
	if err != nil {
		return billingdomain.RecurringBilling{}, err
	}
	if !plan.IsActive {
		return billingdomain.RecurringBilling{}, billingdomain.ErrPlanInactive
	}
	provider, err := paymentdomain.NormalizeProvider(req.Provider)
	if err != nil {
		return billingdomain.RecurringBilling{}, billingdomain.ErrInvalidProvider
	}

	now := s.now()
	start := now
	if req.StartAt != nil && !req.StartAt.IsZero() {
		start = req.StartAt.UTC()
	}
	recurring := billingdomain.RecurringBilling{
		SubscriptionID: s.genID.Generate(),
		UserUUID:       userUUID,
		PlanCode:       plan.Code,
		Cycle:          plan.Cycle,
		Provider:       provider,
		Status:         billingdomain.RecurringStatusActive,
		NextChargeAt:   start,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertRecurring(ctx, s.db, recurring); err != nil {
		return billingdomain.RecurringBilling{}, err
	}
	s.log.Info("billing.subscription.created",
		zap.String("subscription_id", recurring.SubscriptionID.String()),
		zap.String("user_uuid", userUUID),
		zap.String("plan_code", plan.Code),
		zap.Time("next_charge_at", start),
	)
	return recurring, nil
}

func (s *Service) GetSubscription(ctx context.Context, id snowflake.ID) (billingdomain.RecurringBilling, error) {
	recurring, err := s.repo.FindRecurring(ctx, s.db, id)
	if err != nil {
		return billingdomain.RecurringBilling{}, err
	}
	if recurring == nil {
		return billingdomain.RecurringBilling{}, billingdomain.ErrSubscriptionNotFound
	}
	return *recurring, nil
}

func (s *Service) ListSubscriptions(ctx context.Context, userUUID string) ([]billingdomain.RecurringBilling, error) {
	userUUID = strings.TrimSpace(userUUID)
	if userUUID == "" {
		return nil, billingdomain.ErrUnknownUser
	}
	return s.repo.ListRecurringByUser(ctx, s.db, userUUID)
}

// CancelSubscription stops future charges and retries. Cancelling twice is a no-op.
func (s *Service) CancelSubscription(ctx context.Context, id snowflake.ID) (billingdomain.RecurringBilling, error) {
	var out billingdomain.RecurringBilling
	err := s.withConflictRetry(ctx, func(tx *gorm.DB) error {
		recurring, err := s.repo.FindRecurringForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if recurring == nil {
			return billingdomain.ErrSubscriptionNotFound
		}
		if recurring.Status == billingdomain.RecurringStatusCancelled {
			out = *recurring
			return nil
		}
		if err := s.cancel(ctx, tx, recurring, s.now()); err != nil {
			return err
		}
		out = *recurring
		return nil
	})
	if err != nil {
		return billingdomain.RecurringBilling{}, err
	}
	return out, nil
}

func (s *Service) cancel(ctx context.Context, tx *gorm.DB, recurring *billingdomain.RecurringBilling, at time.Time) error {
	recurring.Status = billingdomain.RecurringStatusCancelled
	recurring.NextRetryAt = nil
	recurring.CancelledAt = &at
	if err := s.saveRecurring(ctx, tx, recurring, at); err != nil {
		return err
	}
	s.log.Info("billing.subscription.cancelled",
		zap.String("subscription_id", recurring.SubscriptionID.String()),
		zap.Int("retry_count", recurring.RetryCount),
	)
	return nil
}

func (s *Service) saveRecurring(ctx context.Context, tx *gorm.DB, recurring *billingdomain.RecurringBilling, at time.Time) error {
	recurring.UpdatedAt = at
	ok, err := s.repo.UpdateRecurring(ctx, tx, *recurring)
	if err != nil {
		return err
	}
	if !ok {
		return pkgdb.ErrVersionConflict
	}
	recurring.Version++
	return nil
}

// RunRecurring claims due subscriptions and produces at most one invoice per
// subscription per pass. A subscription several cycles behind catches up one
// period per pass.
func (s *Service) RunRecurring(ctx context.Context) (billingdomain.RunResult, error) {
	now := s.now()
	start := time.Now()
	due, err := s.repo.ClaimDueCharges(ctx, s.db, now, s.batchSize)
	metrics.Scheduler().ObserveDBLockWait(metrics.LockResourceSubscriptionsDue, time.Since(start))
	if err != nil {
		return billingdomain.RunResult{}, err
	}

	result := billingdomain.RunResult{Claimed: len(due)}
	var errs []error
	for _, row := range due {
		invoice, err := s.chargeOne(ctx, row, now)
		if err != nil {
			result.Failed++
			errs = append(errs, err)
			s.log.Warn("billing.recurring.charge_failed",
				zap.String("subscription_id", row.SubscriptionID.String()),
				zap.Error(err),
			)
			continue
		}
		if invoice == nil {
			continue
		}
		result.Invoiced++
		s.domain.RecordInvoiceGenerated(originRecurring)

		if _, err := s.submit(ctx, invoice.InvoiceID, row.Provider, billingdomain.InvoiceStatusDraft, "submit"); err != nil {
			result.Failed++
			if !errors.Is(err, paymentdomain.ErrGatewayUnavailable) {
				errs = append(errs, err)
			}
			continue
		}
		result.Submitted++
	}
	errs = append(errs, s.submitStaleDrafts(ctx, now, &result)...)

	if result.Claimed > 0 || result.Submitted > 0 || result.Failed > 0 {
		s.log.Info("billing.recurring.batch",
			zap.Int("claimed", result.Claimed),
			zap.Int("invoiced", result.Invoiced),
			zap.Int("submitted", result.Submitted),
			zap.Int("failed", result.Failed),
		)
	}
	return result, errors.Join(errs...)
}

// submitStaleDrafts submits recurring invoices left draft after their period
// was charged, for instance when the process stopped between the charge commit
// and the submit. Drafts of cancelled subscriptions are voided instead.
func (s *Service) submitStaleDrafts(ctx context.Context, now time.Time, result *billingdomain.RunResult) []error {
	drafts, err := s.repo.ListStaleRecurringDrafts(ctx, s.db, now.Add(-s.cfg.DraftGrace), s.batchSize)
	if err != nil {
		return []error{err}
	}

	var errs []error
	for _, invoice := range drafts {
		recurring, err := s.repo.FindRecurring(ctx, s.db, *invoice.SubscriptionID)
		if err != nil {
			result.Failed++
			errs = append(errs, err)
			continue
		}
		s.log.Warn("billing.recurring.stale_draft",
			zap.String("invoice_id", invoice.InvoiceID.String()),
			zap.String("subscription_id", invoice.SubscriptionID.String()),
			zap.Time("created_at", invoice.CreatedAt),
		)

		if recurring == nil || recurring.Status == billingdomain.RecurringStatusCancelled {
			if _, err := s.VoidInvoice(ctx, invoice.InvoiceID); err != nil && !errors.Is(err, billingdomain.ErrInvalidState) {
				result.Failed++
				errs = append(errs, err)
			}
			continue
		}

		if _, err := s.submit(ctx, invoice.InvoiceID, recurring.Provider, billingdomain.InvoiceStatusDraft, "submit"); err != nil {
			// another runner submitted it first
			if errors.Is(err, billingdomain.ErrInvalidState) {
				continue
			}
			result.Failed++
			if !errors.Is(err, paymentdomain.ErrGatewayUnavailable) {
				errs = append(errs, err)
			}
			continue
		}
		result.Submitted++
	}
	return errs
}

// chargeOne creates the invoice for the subscription's current period and
// advances next_charge_at in the same transaction. It returns nil when another
// runner already charged the period.
func (s *Service) chargeOne(ctx context.Context, row billingdomain.RecurringBilling, now time.Time) (*billingdomain.Invoice, error) {
	id := row.SubscriptionID
	_, userErr := s.references.RequireActive(ctx, referencedomain.EntityTypeUser, row.UserUUID)
	if userErr != nil && !isMissingReference(userErr) {
		return nil, userErr
	}

	var created *billingdomain.Invoice
	err := s.withConflictRetry(ctx, func(tx *gorm.DB) error {
		created = nil
		recurring, err := s.repo.FindRecurringForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if recurring == nil || recurring.Status != billingdomain.RecurringStatusActive || recurring.NextChargeAt.After(now) {
			return nil
		}

		plan, err := s.repo.FindPlan(ctx, tx, recurring.PlanCode)
		if err != nil {
			return err
		}
		if plan == nil {
			return billingdomain.ErrPlanNotFound
		}
		if userErr != nil {
			s.log.Warn("billing.recurring.user_inactive",
				zap.String("subscription_id", id.String()),
				zap.String("user_uuid", recurring.UserUUID),
			)
			return s.cancel(ctx, tx, recurring, now)
		}
		invoice := s.recurringInvoice(recurring, plan, now)

		inserted, err := s.repo.InsertInvoice(ctx, tx, *invoice)
		if err != nil {
			return err
		}
		periodStart := recurring.NextChargeAt
		recurring.NextChargeAt = recurring.Cycle.Next(periodStart)
		if inserted {
			if err := s.repo.InsertLineItems(ctx, tx, invoice.Lines); err != nil {
				return err
			}
			recurring.LastInvoiceID = &invoice.InvoiceID
		}
		if err := s.saveRecurring(ctx, tx, recurring, now); err != nil {
			return err
		}
		if inserted {
			created = invoice
		}
		return nil
	})
	return created, err
}

func (s *Service) recurringInvoice(recurring *billingdomain.RecurringBilling, plan *billingdomain.Plan, now time.Time) *billingdomain.Invoice {
	periodStart := recurring.NextChargeAt
	periodEnd := recurring.Cycle.Next(periodStart)
	invoiceID := s.genID.Generate()
	code := plan.Code
	subscriptionID := recurring.SubscriptionID

	return &billingdomain.Invoice{
		InvoiceID:      invoiceID,
		UserUUID:       recurring.UserUUID,
		Currency:       plan.Currency,
		SubtotalAmount: plan.PriceAmount,
		TotalAmount:    plan.PriceAmount,
		Status:         billingdomain.InvoiceStatusDraft,
		Version:        1,
		SubscriptionID: &subscriptionID,
		PeriodStart:    &periodStart,
		PeriodEnd:      &periodEnd,
		DueAt:          now.AddDate(0, 0, s.cfg.InvoiceDueDays),
		CreatedAt:      now,
		UpdatedAt:      now,
		Lines: []billingdomain.LineItem{{
			ID:          s.genID.Generate(),
			InvoiceID:   invoiceID,
			LineNo:      1,
			Kind:        billingdomain.LineKindPlan,
			PlanCode:    &code,
			Description: plan.Name,
			Quantity:    1,
			UnitAmount:  plan.PriceAmount,
			Amount:      plan.PriceAmount,
			NetAmount:   plan.PriceAmount,
			CreatedAt:   now,
		}},
	}
}

// RunRetries resubmits the failed invoice of every past_due subscription whose
// retry is due.
func (s *Service) RunRetries(ctx context.Context) (billingdomain.RunResult, error) {
	now := s.now()
	start := time.Now()
	due, err := s.repo.ClaimDueRetries(ctx, s.db, now, s.batchSize)
	metrics.Scheduler().ObserveDBLockWait(metrics.LockResourceInvoicesRetry, time.Since(start))
	if err != nil {
		return billingdomain.RunResult{}, err
	}

	result := billingdomain.RunResult{Claimed: len(due)}
	var errs []error
	for _, row := range due {
		invoiceID, err := s.takeRetry(ctx, row.SubscriptionID, now)
		if err != nil {
			result.Failed++
			errs = append(errs, err)
			continue
		}
		if invoiceID == nil {
			continue
		}
		if _, err := s.ResubmitInvoice(ctx, *invoiceID); err != nil {
			result.Failed++
			if !errors.Is(err, paymentdomain.ErrGatewayUnavailable) && !errors.Is(err, billingdomain.ErrInvalidState) {
				errs = append(errs, err)
			}
			continue
		}
		result.Submitted++
	}

	if result.Claimed > 0 {
		s.log.Info("billing.retry.batch",
			zap.Int("claimed", result.Claimed),
			zap.Int("submitted", result.Submitted),
			zap.Int("failed", result.Failed),
		)
	}
	return result, errors.Join(errs...)
}

// takeRetry clears the retry slot of a due subscription and returns the failed
// invoice to resubmit, or nil when there is nothing to retry.
func (s *Service) takeRetry(ctx context.Context, id snowflake.ID, now time.Time) (*snowflake.ID, error) {
	var target *snowflake.ID
	err := s.withConflictRetry(ctx, func(tx *gorm.DB) error {
		target = nil
		recurring, err := s.repo.FindRecurringForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if recurring == nil || recurring.Status != billingdomain.RecurringStatusPastDue ||
			recurring.NextRetryAt == nil || recurring.NextRetryAt.After(now) {
			return nil
		}
		if recurring.LastInvoiceID == nil {
			return s.cancel(ctx, tx, recurring, now)
		}

		invoice, err := s.repo.FindInvoiceForUpdate(ctx, tx, *recurring.LastInvoiceID)
		if err != nil {
			return err
		}
		recurring.NextRetryAt = nil
		switch {
		case invoice == nil, invoice.Status == billingdomain.InvoiceStatusVoid:
			return s.cancel(ctx, tx, recurring, now)
		case invoice.Status == billingdomain.InvoiceStatusFailed:
			target = &invoice.InvoiceID
		}
		return s.saveRecurring(ctx, tx, recurring, now)
	})
	return target, err
}

// dun advances the dunning state after the subscription's latest invoice failed.
func (s *Service) dun(ctx context.Context, tx *gorm.DB, subscriptionID, invoiceID snowflake.ID, at time.Time) error {
	recurring, err := s.repo.FindRecurringForUpdate(ctx, tx, subscriptionID)
	if err != nil || recurring == nil {
		return err
	}
	if recurring.LastInvoiceID == nil || *recurring.LastInvoiceID != invoiceID {
		return nil
	}

	switch recurring.Status {
	case billingdomain.RecurringStatusActive:
		recurring.Status = billingdomain.RecurringStatusPastDue
		recurring.RetryCount = 0
	case billingdomain.RecurringStatusPastDue:
		recurring.RetryCount++
		if recurring.RetryCount >= s.cfg.MaxRetries {
			s.log.Warn("billing.subscription.retries_exhausted",
				zap.String("subscription_id", subscriptionID.String()),
				zap.Int("retry_count", recurring.RetryCount),
			)
			return s.cancel(ctx, tx, recurring, at)
		}
	default:
		return nil
	}
	next := at.Add(s.cfg.RetryInterval)
	recurring.NextRetryAt = &next
	if err := s.saveRecurring(ctx, tx, recurring, at); err != nil {
		return err
	}
	s.log.Info("billing.subscription.past_due",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int("retry_count", recurring.RetryCount),
		zap.Time("next_retry_at", next),
	)
	return nil
}

// reinstate returns a past_due subscription to active once its latest invoice is paid.
func (s *Service) reinstate(ctx context.Context, tx *gorm.DB, subscriptionID, invoiceID snowflake.ID, at time.Time) error {
	recurring, err := s.repo.FindRecurringForUpdate(ctx, tx, subscriptionID)
	if err != nil || recurring == nil {
		return err
	}
	if recurring.Status != billingdomain.RecurringStatusPastDue || recurring.LastInvoiceID == nil || *recurring.LastInvoiceID != invoiceID {
		return nil
	}
	recurring.Status = billingdomain.RecurringStatusActive
	recurring.RetryCount = 0
	recurring.NextRetryAt = nil
	return s.saveRecurring(ctx, tx, recurring, at)
}

func (s *Service) cancelAfterVoid(ctx context.Context, tx *gorm.DB, subscriptionID, invoiceID snowflake.ID, at time.Time) error {
	recurring, err := s.repo.FindRecurringForUpdate(ctx, tx, subscriptionID)
	if err != nil || recurring == nil {
		return err
	}
	if recurring.Status != billingdomain.RecurringStatusPastDue || recurring.LastInvoiceID == nil || *recurring.LastInvoiceID != invoiceID {
		return nil
	}
	return s.cancel(ctx, tx, recurring, at)
}
