package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	billingrepo "github.com/smallbiznis/bookline/internal/billing/repository"
	billingservice "github.com/smallbiznis/bookline/internal/billing/service"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	"github.com/smallbiznis/bookline/internal/payment/repository"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	referencerepo "github.com/smallbiznis/bookline/internal/reference/repository"
	referenceservice "github.com/smallbiznis/bookline/internal/reference/service"
	"github.com/smallbiznis/bookline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// queueGateway hands out provider references in order; an empty entry means
// the provider returned none.
type queueGateway struct {
	mu         sync.Mutex
	references []string
}

func (g *queueGateway) Initiate(ctx context.Context, req paymentdomain.InitiateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.references) == 0 {
		return "", nil
	}
	ref := g.references[0]
	g.references = g.references[1:]
	return ref, nil
}

func (g *queueGateway) push(refs ...string) {
	g.mu.Lock()
	g.references = append(g.references, refs...)
	g.mu.Unlock()
}

type harness struct {
	svc     *Service
	billing billingdomain.Service
	db      *gorm.DB
	clk     *clock.FakeClock
	gateway *queueGateway
	repo    paymentdomain.Repository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Billing: config.BillingConfig{InvoiceDueDays: 7, RetryInterval: 24 * time.Hour, MaxRetries: 3, GatewayTimeout: time.Second},
		Payment: config.PaymentConfig{ConflictTries: 3, RematchWindow: 72 * time.Hour},
	}

	refs := referenceservice.NewService(referenceservice.ServiceParam{DB: db, Log: zap.NewNop(), Clock: clk, Repo: referencerepo.Provide()})
	for _, change := range []referencedomain.Change{
		{EntityUUID: "user-1", EntityType: referencedomain.EntityTypeUser, Operation: referencedomain.OperationCreate, SourceVersion: 1,
			Payload: []byte(`{"display_name":"Awa"}`)},
		{EntityUUID: "book-1", EntityType: referencedomain.EntityTypeBook, Operation: referencedomain.OperationCreate, SourceVersion: 1,
			Payload: []byte(`{"title":"Soundjata","price":{"amount":5000,"currency":"XOF"},"authors":[{"author_uuid":"author-1","share_bps":10000}]}`)},
	} {
		_, err := refs.Apply(ctx, change)
		require.NoError(t, err)
	}

	repo := repository.Provide()
	gateway := &queueGateway{}
	billing := billingservice.NewService(billingservice.ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Config:      cfg,
		Rules:       config.NewStaticRules(config.DefaultRules()),
		Repo:        billingrepo.Provide(),
		PaymentRepo: repo,
		Gateway:     gateway,
		References:  refs,
	})
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Config:     cfg,
		Repo:       repo,
		Settlement: billing,
	})
	return &harness{svc: svc, billing: billing, db: db, clk: clk, gateway: gateway, repo: repo}
}

func (h *harness) draft(t *testing.T) billingdomain.Invoice {
	t.Helper()
	invoice, err := h.billing.CreateInvoice(context.Background(), billingdomain.CreateInvoiceRequest{
		UserUUID: "user-1",
		Currency: "XOF",
		Lines:    []billingdomain.LineInput{{Kind: billingdomain.LineKindBook, BookUUID: "book-1", Quantity: 1}},
	})
	require.NoError(t, err)
	return invoice
}

func (h *harness) submitted(t *testing.T, reference string) billingdomain.SubmitResult {
	t.Helper()
	invoice := h.draft(t)
	h.gateway.push(reference)
	result, err := h.billing.SubmitInvoice(context.Background(), invoice.InvoiceID, paymentdomain.ProviderGeneric)
	require.NoError(t, err)
	return result
}

func (h *harness) invoiceStatus(t *testing.T, id snowflake.ID) billingdomain.InvoiceStatus {
	t.Helper()
	invoice, err := h.billing.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return invoice.Status
}

func (h *harness) confirmedCount(t *testing.T, id snowflake.ID) int {
	t.Helper()
	txns, err := h.svc.ListTransactions(context.Background(), id)
	require.NoError(t, err)
	count := 0
	for _, txn := range txns {
		if txn.Status == paymentdomain.TransactionStatusConfirmed {
			count++
		}
	}
	return count
}

func callback(reference string, invoiceID *snowflake.ID, status paymentdomain.CallbackStatus, amount int64) paymentdomain.Callback {
	return paymentdomain.Callback{
		Provider:          paymentdomain.ProviderGeneric,
		ProviderReference: reference,
		InvoiceID:         invoiceID,
		Amount:            amount,
		Currency:          "XOF",
		Status:            status,
		RawPayload:        []byte(`{"source":"test"}`),
	}
}

func TestConfirmedTwiceSettlesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	submitted := h.submitted(t, "TXN123")
	invoiceID := submitted.Invoice.InvoiceID

	first, err := h.svc.ProcessCallback(ctx, callback("TXN123", nil, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeConfirmed, first.Outcome)
	require.NotNil(t, first.TransactionID)
	assert.Equal(t, submitted.Transaction.TransactionID, *first.TransactionID)

	second, err := h.svc.ProcessCallback(ctx, callback("TXN123", nil, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.CallbackID, second.CallbackID)

	assert.Equal(t, billingdomain.InvoiceStatusPaid, h.invoiceStatus(t, invoiceID))
	assert.Equal(t, 1, h.confirmedCount(t, invoiceID))
}

func TestMatchByInvoiceAdoptsProviderReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	submitted := h.submitted(t, "")
	invoiceID := submitted.Invoice.InvoiceID

	result, err := h.svc.ProcessCallback(ctx, callback("OM-9", &invoiceID, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeConfirmed, result.Outcome)

	txns, err := h.svc.ListTransactions(ctx, invoiceID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.NotNil(t, txns[0].ProviderReference)
	assert.Equal(t, "OM-9", *txns[0].ProviderReference)
	assert.Equal(t, paymentdomain.TransactionStatusConfirmed, txns[0].Status)
}

func TestInvoiceFallbackSkipsAttemptWithOtherReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	submitted := h.submitted(t, "TXN-A")
	invoiceID := submitted.Invoice.InvoiceID

	result, err := h.svc.ProcessCallback(ctx, callback("TXN-B", &invoiceID, paymentdomain.CallbackStatusFailed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeUnmatched, result.Outcome)
	assert.Equal(t, paymentdomain.AnomalyUnmatchedCallback, result.AnomalyKind)
	assert.Equal(t, billingdomain.InvoiceStatusPending, h.invoiceStatus(t, invoiceID))

	txns, err := h.svc.ListTransactions(ctx, invoiceID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.NotNil(t, txns[0].ProviderReference)
	assert.Equal(t, "TXN-A", *txns[0].ProviderReference)
	assert.Equal(t, paymentdomain.TransactionStatusInitiated, txns[0].Status)

	confirmed, err := h.svc.ProcessCallback(ctx, callback("TXN-A", &invoiceID, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeConfirmed, confirmed.Outcome)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, h.invoiceStatus(t, invoiceID))
}

func TestUnmatchedCallbackIsRematched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	invoice := h.draft(t)
	invoiceID := invoice.InvoiceID

	early, err := h.svc.ProcessCallback(ctx, callback("LATE-1", &invoiceID, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeUnmatched, early.Outcome)
	assert.Equal(t, paymentdomain.AnomalyUnmatchedCallback, early.AnomalyKind)

	open, err := h.svc.ListAnomalies(ctx, paymentdomain.AnomalyStatusOpen, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, paymentdomain.AnomalyUnmatchedCallback, open[0].Kind)

	nothing, err := h.svc.Rematch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, nothing.Scanned)
	assert.Equal(t, 1, nothing.Unmatched)

	h.gateway.push("")
	_, err = h.billing.SubmitInvoice(ctx, invoiceID, paymentdomain.ProviderGeneric)
	require.NoError(t, err)

	result, err := h.svc.Rematch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, h.invoiceStatus(t, invoiceID))

	open, err = h.svc.ListAnomalies(ctx, paymentdomain.AnomalyStatusOpen, 0)
	require.NoError(t, err)
	assert.Empty(t, open)
	resolved, err := h.svc.ListAnomalies(ctx, paymentdomain.AnomalyStatusResolved, 0)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.NotNil(t, resolved[0].Resolution)
	assert.Equal(t, "rematched", *resolved[0].Resolution)

	again, err := h.svc.Rematch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Scanned)

	redelivered, err := h.svc.ProcessCallback(ctx, callback("LATE-1", &invoiceID, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeDuplicate, redelivered.Outcome)
}

func TestRematchWindowSkipsOldCallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	unknown := snowflake.ID(42)

	_, err := h.svc.ProcessCallback(ctx, callback("ORPHAN", &unknown, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)

	h.clk.Advance(73 * time.Hour)
	result, err := h.svc.Rematch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)

	open, err := h.svc.ListAnomalies(ctx, paymentdomain.AnomalyStatusOpen, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestFailureAfterConfirmIsAnomaly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	submitted := h.submitted(t, "TXN-F")
	invoiceID := submitted.Invoice.InvoiceID

	_, err := h.svc.ProcessCallback(ctx, callback("TXN-F", nil, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)

	result, err := h.svc.ProcessCallback(ctx, callback("TXN-F", nil, paymentdomain.CallbackStatusFailed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeAnomaly, result.Outcome)
	assert.Equal(t, paymentdomain.AnomalyFailureAfterConfirm, result.AnomalyKind)

	assert.Equal(t, billingdomain.InvoiceStatusPaid, h.invoiceStatus(t, invoiceID))
	assert.Equal(t, 1, h.confirmedCount(t, invoiceID))
}

func TestAmountMismatchHoldsTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	submitted := h.submitted(t, "TXN-A")
	invoiceID := submitted.Invoice.InvoiceID

	short, err := h.svc.ProcessCallback(ctx, callback("TXN-A", nil, paymentdomain.CallbackStatusConfirmed, 4000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeAnomaly, short.Outcome)
	assert.Equal(t, paymentdomain.AnomalyAmountMismatch, short.AnomalyKind)
	assert.Equal(t, billingdomain.InvoiceStatusPending, h.invoiceStatus(t, invoiceID))

	cb := callback("TXN-A", nil, paymentdomain.CallbackStatusConfirmed, 5000)
	cb.Currency = "EUR"
	redelivered, err := h.svc.ProcessCallback(ctx, cb)
	require.NoError(t, err)
	// same dedupe key as the short callback, so it stays held for review
	assert.Equal(t, paymentdomain.OutcomeDuplicate, redelivered.Outcome)
	assert.Equal(t, 0, h.confirmedCount(t, invoiceID))

	anomalies, err := h.svc.ListAnomalies(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	require.NotNil(t, anomalies[0].TransactionID)
	assert.Equal(t, submitted.Transaction.TransactionID, *anomalies[0].TransactionID)
}

func TestFailedCallbackFailsInvoiceAndLateConfirmWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	submitted := h.submitted(t, "ATT-1")
	invoiceID := submitted.Invoice.InvoiceID

	failed, err := h.svc.ProcessCallback(ctx, callback("ATT-1", nil, paymentdomain.CallbackStatusFailed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeFailed, failed.Outcome)
	assert.Equal(t, billingdomain.InvoiceStatusFailed, h.invoiceStatus(t, invoiceID))

	h.gateway.push("ATT-2")
	resubmitted, err := h.billing.ResubmitInvoice(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, 2, resubmitted.Transaction.AttemptCount)

	late, err := h.svc.ProcessCallback(ctx, callback("ATT-1", nil, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeConfirmed, late.Outcome)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, h.invoiceStatus(t, invoiceID))

	second, err := h.svc.ProcessCallback(ctx, callback("ATT-2", nil, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeAnomaly, second.Outcome)
	assert.Equal(t, paymentdomain.AnomalyAlreadyPaid, second.AnomalyKind)

	noop, err := h.svc.ProcessCallback(ctx, callback("ATT-2", nil, paymentdomain.CallbackStatusFailed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeNoop, noop.Outcome)

	txns, err := h.svc.ListTransactions(ctx, invoiceID)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, paymentdomain.TransactionStatusConfirmed, txns[0].Status)
	assert.Equal(t, paymentdomain.TransactionStatusSuperseded, txns[1].Status)
	assert.Equal(t, 1, h.confirmedCount(t, invoiceID))
}

func TestVoidInvoiceConfirmationIsAnomaly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	submitted := h.submitted(t, "V-1")
	invoiceID := submitted.Invoice.InvoiceID

	_, err := h.svc.ProcessCallback(ctx, callback("V-1", nil, paymentdomain.CallbackStatusFailed, 5000))
	require.NoError(t, err)
	_, err = h.billing.VoidInvoice(ctx, invoiceID)
	require.NoError(t, err)

	result, err := h.svc.ProcessCallback(ctx, callback("V-1", nil, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AnomalyInvoiceVoid, result.AnomalyKind)
	assert.Equal(t, billingdomain.InvoiceStatusVoid, h.invoiceStatus(t, invoiceID))
	assert.Equal(t, 0, h.confirmedCount(t, invoiceID))
}

func TestResolveAnomaly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	unknown := snowflake.ID(7)
	_, err := h.svc.ProcessCallback(ctx, callback("LOST", &unknown, paymentdomain.CallbackStatusConfirmed, 5000))
	require.NoError(t, err)

	open, err := h.svc.ListAnomalies(ctx, paymentdomain.AnomalyStatusOpen, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = h.svc.ResolveAnomaly(ctx, open[0].ID, "  ")
	require.ErrorIs(t, err, paymentdomain.ErrInvalidResolution)

	resolved, err := h.svc.ResolveAnomaly(ctx, open[0].ID, "refunded by provider")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.AnomalyStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = h.svc.ResolveAnomaly(ctx, open[0].ID, "again")
	require.ErrorIs(t, err, paymentdomain.ErrAnomalyAlreadyResolved)
	_, err = h.svc.ResolveAnomaly(ctx, 99, "missing")
	require.ErrorIs(t, err, paymentdomain.ErrAnomalyNotFound)
	_, err = h.svc.ListAnomalies(ctx, "closed", 0)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidAnomalyStatus)
}

func TestProcessCallbackValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := callback("", nil, paymentdomain.CallbackStatusConfirmed, 5000)
	_, err := h.svc.ProcessCallback(ctx, bad)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidCallback)

	bad = callback("R", nil, "refunded", 5000)
	_, err = h.svc.ProcessCallback(ctx, bad)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidCallback)

	bad = callback("R", nil, paymentdomain.CallbackStatusConfirmed, 0)
	_, err = h.svc.ProcessCallback(ctx, bad)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidCallback)

	bad = callback("R", nil, paymentdomain.CallbackStatusConfirmed, 5000)
	bad.Provider = "paypal"
	_, err = h.svc.ProcessCallback(ctx, bad)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidProvider)
}
