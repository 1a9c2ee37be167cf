package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	pkgdb "github.com/smallbiznis/bookline/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) SubmitInvoice(ctx context.Context, id snowflake.ID, provider string) (billingdomain.SubmitResult, error) {
	provider, err := paymentdomain.NormalizeProvider(provider)
	if err != nil {
		return billingdomain.SubmitResult{}, billingdomain.ErrInvalidProvider
	}
	return s.submit(ctx, id, provider, billingdomain.InvoiceStatusDraft, "submit")
}

// ResubmitInvoice retries a failed invoice through the provider of its last attempt.
func (s *Service) ResubmitInvoice(ctx context.Context, id snowflake.ID) (billingdomain.SubmitResult, error) {
	return s.submit(ctx, id, "", billingdomain.InvoiceStatusFailed, "resubmit")
}

func (s *Service) submit(ctx context.Context, id snowflake.ID, provider string, from billingdomain.InvoiceStatus, action string) (billingdomain.SubmitResult, error) {
	var result billingdomain.SubmitResult
	err := s.withConflictRetry(ctx, func(tx *gorm.DB) error {
		invoice, err := s.LockInvoice(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status != from {
			return &billingdomain.InvalidStateError{Entity: "invoice", ID: id.String(), Status: string(invoice.Status), Action: action}
		}

		attempt := 1
		latest, err := s.paymentRepo.LatestAttempt(ctx, tx, id)
		if err != nil {
			return err
		}
		chosen := provider
		if latest != nil {
			attempt = latest.AttemptCount + 1
			if chosen == "" {
				chosen = latest.Provider
			}
		}
		if chosen == "" {
			return billingdomain.ErrInvalidProvider
		}

		now := s.now()
		ok, err := s.repo.TransitionInvoice(ctx, tx, id, invoice.Version, billingdomain.InvoiceStatusPending, now)
		if err != nil {
			return err
		}
		if !ok {
			return pkgdb.ErrVersionConflict
		}

		txn := paymentdomain.Transaction{
			TransactionID: s.genID.Generate(),
			InvoiceID:     id,
			Provider:      chosen,
			Amount:        invoice.TotalAmount,
			Currency:      invoice.Currency,
			Status:        paymentdomain.TransactionStatusInitiated,
			AttemptCount:  attempt,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.paymentRepo.InsertTransaction(ctx, tx, txn); err != nil {
			return err
		}

		invoice.Status = billingdomain.InvoiceStatusPending
		invoice.Version++
		invoice.SubmittedAt = &now
		invoice.UpdatedAt = now
		result = billingdomain.SubmitResult{Invoice: *invoice, Transaction: txn}
		return nil
	})
	if err != nil {
		return billingdomain.SubmitResult{}, err
	}

	s.log.Info("billing.invoice.submitted",
		zap.String("invoice_id", id.String()),
		zap.String("transaction_id", result.Transaction.TransactionID.String()),
		zap.String("provider", result.Transaction.Provider),
		zap.Int("attempt", result.Transaction.AttemptCount),
	)
	return s.initiate(ctx, result)
}

// initiate hands the transaction to the gateway after the submission committed.
// A gateway error fails the attempt and the invoice so dunning can take over.
func (s *Service) initiate(ctx context.Context, result billingdomain.SubmitResult) (billingdomain.SubmitResult, error) {
	txn := result.Transaction
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	reference, err := s.gateway.Initiate(callCtx, paymentdomain.InitiateRequest{
		TransactionID: txn.TransactionID,
		InvoiceID:     txn.InvoiceID,
		UserUUID:      result.Invoice.UserUUID,
		Provider:      txn.Provider,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Attempt:       txn.AttemptCount,
	})
	cancel()

	if err == nil {
		if reference != "" {
			if _, err := s.paymentRepo.SetProviderReference(ctx, s.db, txn.TransactionID, reference, s.now()); err != nil {
				s.log.Warn("billing.invoice.reference_not_saved",
					zap.String("transaction_id", txn.TransactionID.String()),
					zap.Error(err),
				)
			} else {
				result.Transaction.ProviderReference = &reference
			}
		}
		return result, nil
	}

	s.log.Warn("billing.invoice.gateway_failed",
		zap.String("invoice_id", txn.InvoiceID.String()),
		zap.String("transaction_id", txn.TransactionID.String()),
		zap.Error(err),
	)
	var failed *billingdomain.Invoice
	failErr := s.withConflictRetry(ctx, func(tx *gorm.DB) error {
		current, err := s.paymentRepo.FindTransactionForUpdate(ctx, tx, txn.TransactionID)
		if err != nil {
			return err
		}
		if current == nil || current.Status != paymentdomain.TransactionStatusInitiated {
			// a callback settled the attempt first
			return nil
		}
		ok, err := s.paymentRepo.UpdateTransactionStatus(ctx, tx, current.TransactionID, current.Version, paymentdomain.TransactionStatusFailed, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return pkgdb.ErrVersionConflict
		}
		result.Transaction.Status = paymentdomain.TransactionStatusFailed

		invoice, err := s.LockInvoice(ctx, tx, txn.InvoiceID)
		if err != nil {
			return err
		}
		if invoice.Status != billingdomain.InvoiceStatusPending {
			return nil
		}
		if err := s.MarkFailed(ctx, tx, invoice, s.now()); err != nil {
			return err
		}
		failed = invoice
		return nil
	})
	if failErr != nil {
		return result, errors.Join(fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err), failErr)
	}
	if failed != nil {
		result.Invoice = *failed
	}
	return result, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
}

func (s *Service) VoidInvoice(ctx context.Context, id snowflake.ID) (billingdomain.Invoice, error) {
	var voided billingdomain.Invoice
	err := s.withConflictRetry(ctx, func(tx *gorm.DB) error {
		invoice, err := s.LockInvoice(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status != billingdomain.InvoiceStatusDraft && invoice.Status != billingdomain.InvoiceStatusFailed {
			return &billingdomain.InvalidStateError{Entity: "invoice", ID: id.String(), Status: string(invoice.Status), Action: "void"}
		}
		now := s.now()
		ok, err := s.repo.TransitionInvoice(ctx, tx, id, invoice.Version, billingdomain.InvoiceStatusVoid, now)
		if err != nil {
			return err
		}
		if !ok {
			return pkgdb.ErrVersionConflict
		}
		invoice.Status = billingdomain.InvoiceStatusVoid
		invoice.Version++
		invoice.VoidedAt = &now
		invoice.UpdatedAt = now

		if invoice.SubscriptionID != nil {
			if err := s.cancelAfterVoid(ctx, tx, *invoice.SubscriptionID, id, now); err != nil {
				return err
			}
		}
		voided = *invoice
		return nil
	})
	if err != nil {
		return billingdomain.Invoice{}, err
	}
	s.log.Info("billing.invoice.voided", zap.String("invoice_id", id.String()))
	return voided, nil
}

func (s *Service) LockInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (*billingdomain.Invoice, error) {
	invoice, err := s.repo.FindInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, billingdomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) MarkPaid(ctx context.Context, tx *gorm.DB, invoice *billingdomain.Invoice, at time.Time) error {
	if invoice.Status != billingdomain.InvoiceStatusPending && invoice.Status != billingdomain.InvoiceStatusFailed {
		return &billingdomain.InvalidStateError{Entity: "invoice", ID: invoice.InvoiceID.String(), Status: string(invoice.Status), Action: "pay"}
	}
	ok, err := s.repo.TransitionInvoice(ctx, tx, invoice.InvoiceID, invoice.Version, billingdomain.InvoiceStatusPaid, at)
	if err != nil {
		return err
	}
	if !ok {
		return pkgdb.ErrVersionConflict
	}
	invoice.Status = billingdomain.InvoiceStatusPaid
	invoice.Version++
	invoice.PaidAt = &at
	invoice.UpdatedAt = at

	if s.sales != nil {
		lines, err := s.repo.FindLineItems(ctx, tx, invoice.InvoiceID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if line.Kind != billingdomain.LineKindBook {
				continue
			}
			if err := s.sales.RecordSale(ctx, tx, invoice, line); err != nil {
				return err
			}
		}
	}

	if invoice.SubscriptionID != nil {
		if err := s.reinstate(ctx, tx, *invoice.SubscriptionID, invoice.InvoiceID, at); err != nil {
			return err
		}
	}

	s.log.Info("billing.invoice.paid",
		zap.String("invoice_id", invoice.InvoiceID.String()),
		zap.Int64("total_amount", invoice.TotalAmount),
		zap.String("currency", invoice.Currency),
	)
	return nil
}

func (s *Service) MarkFailed(ctx context.Context, tx *gorm.DB, invoice *billingdomain.Invoice, at time.Time) error {
	if invoice.Status != billingdomain.InvoiceStatusPending {
		return &billingdomain.InvalidStateError{Entity: "invoice", ID: invoice.InvoiceID.String(), Status: string(invoice.Status), Action: "fail"}
	}
	ok, err := s.repo.TransitionInvoice(ctx, tx, invoice.InvoiceID, invoice.Version, billingdomain.InvoiceStatusFailed, at)
	if err != nil {
		return err
	}
	if !ok {
		return pkgdb.ErrVersionConflict
	}
	invoice.Status = billingdomain.InvoiceStatusFailed
	invoice.Version++
	invoice.FailedAt = &at
	invoice.UpdatedAt = at

	if invoice.SubscriptionID != nil {
		if err := s.dun(ctx, tx, *invoice.SubscriptionID, invoice.InvoiceID, at); err != nil {
			return err
		}
	}

	s.log.Info("billing.invoice.failed", zap.String("invoice_id", invoice.InvoiceID.String()))
	return nil
}
