package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/billing/repository"
	"github.com/smallbiznis/bookline/internal/clock"
	"github.com/smallbiznis/bookline/internal/config"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/bookline/internal/payment/repository"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	referencerepo "github.com/smallbiznis/bookline/internal/reference/repository"
	referenceservice "github.com/smallbiznis/bookline/internal/reference/service"
	"github.com/smallbiznis/bookline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mu        sync.Mutex
	calls     []paymentdomain.InitiateRequest
	err       error
	reference string
}

func (g *fakeGateway) Initiate(ctx context.Context, req paymentdomain.InitiateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return "", g.err
	}
	if g.reference == "" {
		return "", nil
	}
	return fmt.Sprintf("%s-%d", g.reference, len(g.calls)), nil
}

func (g *fakeGateway) fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

type saleSpy struct {
	lines []billingdomain.LineItem
}

func (s *saleSpy) RecordSale(ctx context.Context, tx *gorm.DB, invoice *billingdomain.Invoice, line billingdomain.LineItem) error {
	s.lines = append(s.lines, line)
	return nil
}

type harness struct {
	svc      *Service
	db       *gorm.DB
	clk      *clock.FakeClock
	gateway  *fakeGateway
	sales    *saleSpy
	refs     referencedomain.Service
	payments paymentdomain.Repository
}

func newHarness(t *testing.T, rules config.Rules) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	refs := referenceservice.NewService(referenceservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  referencerepo.Provide(),
	})
	gateway := &fakeGateway{}
	sales := &saleSpy{}
	payments := paymentrepo.Provide()
	svc := newService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Clock: clk,
		Config: config.Config{
			Billing: config.BillingConfig{
				InvoiceDueDays: 7,
				RetryInterval:  24 * time.Hour,
				MaxRetries:     3,
				GatewayTimeout: time.Second,
			},
			Payment: config.PaymentConfig{ConflictTries: 3},
		},
		Rules:       config.NewStaticRules(rules),
		Repo:        repository.Provide(),
		PaymentRepo: payments,
		Gateway:     gateway,
		References:  refs,
		Sales:       sales,
	})
	return &harness{svc: svc, db: db, clk: clk, gateway: gateway, sales: sales, refs: refs, payments: payments}
}

func (h *harness) apply(t *testing.T, entityType referencedomain.EntityType, uuid string, op referencedomain.Operation, version int64, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	_, err = h.refs.Apply(context.Background(), referencedomain.Change{
		EntityUUID:    uuid,
		EntityType:    entityType,
		Operation:     op,
		Payload:       raw,
		SourceVersion: version,
	})
	require.NoError(t, err)
}

func (h *harness) user(t *testing.T, uuid string) {
	h.apply(t, referencedomain.EntityTypeUser, uuid, referencedomain.OperationCreate, 1, map[string]any{"display_name": "Reader " + uuid})
}

func (h *harness) book(t *testing.T, uuid string, amount int64, currency string) {
	h.apply(t, referencedomain.EntityTypeBook, uuid, referencedomain.OperationCreate, 1, map[string]any{
		"title":   "Book " + uuid,
		"price":   map[string]any{"amount": amount, "currency": currency},
		"authors": []map[string]any{{"author_uuid": "author-1", "share_bps": 10000}},
	})
}

func (h *harness) plan(t *testing.T, code string, price int64, active bool) {
	t.Helper()
	_, err := h.svc.UpsertPlan(context.Background(), billingdomain.UpsertPlanRequest{
		Code:        code,
		Name:        "Plan " + code,
		Cycle:       "monthly",
		PriceAmount: price,
		Currency:    "XOF",
		IsActive:    &active,
	})
	require.NoError(t, err)
}

func (h *harness) draft(t *testing.T, userUUID string, lines ...billingdomain.LineInput) billingdomain.Invoice {
	t.Helper()
	invoice, err := h.svc.CreateInvoice(context.Background(), billingdomain.CreateInvoiceRequest{
		UserUUID: userUUID,
		Currency: "XOF",
		Lines:    lines,
	})
	require.NoError(t, err)
	return invoice
}

func (h *harness) inTx(t *testing.T, fn func(tx *gorm.DB) error) error {
	t.Helper()
	return h.db.Transaction(fn)
}

func bookLine(uuid string, quantity int) billingdomain.LineInput {
	return billingdomain.LineInput{Kind: billingdomain.LineKindBook, BookUUID: uuid, Quantity: quantity}
}

func rulesWithDiscounts(discounts ...config.DiscountRule) config.Rules {
	rules := config.DefaultRules()
	rules.Discounts = discounts
	return rules
}

func TestCreateInvoiceAllocatesDiscountAcrossLines(t *testing.T) {
	h := newHarness(t, rulesWithDiscounts(config.DiscountRule{Code: "FLAT100", Type: config.DiscountFixed, Value: "100"}))
	ctx := context.Background()
	h.user(t, "user-1")
	h.book(t, "book-a", 1000, "XOF")
	h.book(t, "book-b", 1000, "XOF")
	h.plan(t, "reader-monthly", 1000, true)

	invoice, err := h.svc.CreateInvoice(ctx, billingdomain.CreateInvoiceRequest{
		UserUUID:     "user-1",
		Currency:     "xof",
		DiscountCode: "flat100",
		Lines: []billingdomain.LineInput{
			bookLine("book-a", 1),
			bookLine("book-b", 0),
			{Kind: billingdomain.LineKindPlan, PlanCode: "reader-monthly"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusDraft, invoice.Status)
	assert.Equal(t, "XOF", invoice.Currency)
	assert.Equal(t, int64(3000), invoice.SubtotalAmount)
	assert.Equal(t, int64(100), invoice.DiscountAmount)
	assert.Equal(t, int64(2900), invoice.TotalAmount)
	require.NotNil(t, invoice.DiscountCode)
	assert.Equal(t, "FLAT100", *invoice.DiscountCode)
	assert.Equal(t, h.clk.Now().AddDate(0, 0, 7), invoice.DueAt)

	stored, err := h.svc.GetInvoice(ctx, invoice.InvoiceID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 3)
	var shares []int64
	for _, line := range stored.Lines {
		shares = append(shares, line.DiscountAmount)
		assert.Equal(t, line.Amount-line.DiscountAmount, line.NetAmount)
	}
	assert.Equal(t, []int64{34, 33, 33}, shares)
	assert.Equal(t, "Book book-a", stored.Lines[0].Description)
	assert.Equal(t, 1, stored.Lines[1].Quantity)
}

func TestCreateInvoiceRejectsUnknownOrInactiveReferences(t *testing.T) {
	h := newHarness(t, rulesWithDiscounts(config.DiscountRule{Code: "BIG", Type: config.DiscountPercent, Value: "10", MinSubtotal: 50000}))
	ctx := context.Background()
	h.user(t, "user-1")
	h.book(t, "book-a", 1000, "XOF")
	h.book(t, "book-eur", 900, "EUR")
	h.book(t, "book-gone", 1000, "XOF")
	h.apply(t, referencedomain.EntityTypeBook, "book-gone", referencedomain.OperationDelete, 2, nil)
	h.plan(t, "retired", 1500, false)

	cases := []struct {
		name string
		req  billingdomain.CreateInvoiceRequest
		want error
	}{
		{name: "unknown user", req: billingdomain.CreateInvoiceRequest{UserUUID: "nobody", Currency: "XOF", Lines: []billingdomain.LineInput{bookLine("book-a", 1)}}, want: billingdomain.ErrUnknownUser},
		{name: "book used as user", req: billingdomain.CreateInvoiceRequest{UserUUID: "book-a", Currency: "XOF", Lines: []billingdomain.LineInput{bookLine("book-a", 1)}}, want: billingdomain.ErrUnknownUser},
		{name: "unknown book", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "XOF", Lines: []billingdomain.LineInput{bookLine("book-x", 1)}}, want: billingdomain.ErrUnknownBook},
		{name: "deleted book", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "XOF", Lines: []billingdomain.LineInput{bookLine("book-gone", 1)}}, want: billingdomain.ErrUnknownBook},
		{name: "currency mismatch", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "XOF", Lines: []billingdomain.LineInput{bookLine("book-eur", 1)}}, want: billingdomain.ErrCurrencyMismatch},
		{name: "missing plan", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "XOF", Lines: []billingdomain.LineInput{{Kind: billingdomain.LineKindPlan, PlanCode: "nope"}}}, want: billingdomain.ErrPlanNotFound},
		{name: "inactive plan", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "XOF", Lines: []billingdomain.LineInput{{Kind: billingdomain.LineKindPlan, PlanCode: "retired"}}}, want: billingdomain.ErrPlanInactive},
		{name: "no lines", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "XOF"}, want: billingdomain.ErrInvalidLineItems},
		{name: "negative quantity", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "XOF", Lines: []billingdomain.LineInput{bookLine("book-a", -1)}}, want: billingdomain.ErrInvalidQuantity},
		{name: "bad currency", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "francs", Lines: []billingdomain.LineInput{bookLine("book-a", 1)}}, want: billingdomain.ErrInvalidCurrency},
		{name: "unknown discount", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "XOF", DiscountCode: "FREE", Lines: []billingdomain.LineInput{bookLine("book-a", 1)}}, want: billingdomain.ErrUnknownDiscount},
		{name: "below discount minimum", req: billingdomain.CreateInvoiceRequest{UserUUID: "user-1", Currency: "XOF", DiscountCode: "BIG", Lines: []billingdomain.LineInput{bookLine("book-a", 1)}}, want: billingdomain.ErrDiscountNotApplicable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateInvoice(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	page, err := h.svc.ListInvoices(ctx, billingdomain.ListInvoicesRequest{UserUUID: "user-1"})
	require.NoError(t, err)
	assert.Empty(t, page.Invoices)
}

func TestSubmitInvoiceCreatesInitiatedTransaction(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.book(t, "book-a", 2500, "XOF")
	h.gateway.reference = "OM"
	invoice := h.draft(t, "user-1", bookLine("book-a", 2))

	_, err := h.svc.SubmitInvoice(ctx, invoice.InvoiceID, "paypal")
	require.ErrorIs(t, err, billingdomain.ErrInvalidProvider)

	result, err := h.svc.SubmitInvoice(ctx, invoice.InvoiceID, "Orange_Money")
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusPending, result.Invoice.Status)
	assert.Equal(t, paymentdomain.TransactionStatusInitiated, result.Transaction.Status)
	assert.Equal(t, 1, result.Transaction.AttemptCount)
	assert.Equal(t, int64(5000), result.Transaction.Amount)
	assert.Equal(t, paymentdomain.ProviderOrangeMoney, result.Transaction.Provider)
	require.NotNil(t, result.Transaction.ProviderReference)
	assert.Equal(t, "OM-1", *result.Transaction.ProviderReference)
	require.Len(t, h.gateway.calls, 1)
	assert.Equal(t, "user-1", h.gateway.calls[0].UserUUID)

	_, err = h.svc.SubmitInvoice(ctx, invoice.InvoiceID, "orange_money")
	require.ErrorIs(t, err, billingdomain.ErrInvalidState)
	var stateErr *billingdomain.InvalidStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, "pending", stateErr.Status)

	_, err = h.svc.VoidInvoice(ctx, invoice.InvoiceID)
	require.ErrorIs(t, err, billingdomain.ErrInvalidState)

	txns, err := h.payments.ListTransactions(ctx, h.db, invoice.InvoiceID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
}

func TestGatewayFailureFailsInvoiceAndResubmitIncrementsAttempt(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.book(t, "book-a", 1000, "XOF")
	invoice := h.draft(t, "user-1", bookLine("book-a", 1))

	h.gateway.fail(errors.New("connection reset"))
	result, err := h.svc.SubmitInvoice(ctx, invoice.InvoiceID, "wave")
	require.ErrorIs(t, err, paymentdomain.ErrGatewayUnavailable)
	assert.Equal(t, billingdomain.InvoiceStatusFailed, result.Invoice.Status)
	assert.Equal(t, paymentdomain.TransactionStatusFailed, result.Transaction.Status)

	_, err = h.svc.SubmitInvoice(ctx, invoice.InvoiceID, "wave")
	require.ErrorIs(t, err, billingdomain.ErrInvalidState)

	h.gateway.fail(nil)
	result, err = h.svc.ResubmitInvoice(ctx, invoice.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusPending, result.Invoice.Status)
	assert.Equal(t, 2, result.Transaction.AttemptCount)
	assert.Equal(t, paymentdomain.ProviderWave, result.Transaction.Provider)

	txns, err := h.payments.ListTransactions(ctx, h.db, invoice.InvoiceID)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, paymentdomain.TransactionStatusFailed, txns[0].Status)
	assert.Equal(t, paymentdomain.TransactionStatusInitiated, txns[1].Status)
}

func TestVoidInvoiceFromDraftOnly(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.book(t, "book-a", 1000, "XOF")
	invoice := h.draft(t, "user-1", bookLine("book-a", 1))

	voided, err := h.svc.VoidInvoice(ctx, invoice.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusVoid, voided.Status)
	require.NotNil(t, voided.VoidedAt)

	_, err = h.svc.VoidInvoice(ctx, invoice.InvoiceID)
	require.ErrorIs(t, err, billingdomain.ErrInvalidState)
	_, err = h.svc.ResubmitInvoice(ctx, invoice.InvoiceID)
	require.ErrorIs(t, err, billingdomain.ErrInvalidState)
}

func TestMarkPaidRecordsBookSalesOnce(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.book(t, "book-a", 1000, "XOF")
	h.plan(t, "reader-monthly", 3000, true)
	invoice := h.draft(t, "user-1",
		bookLine("book-a", 1),
		billingdomain.LineInput{Kind: billingdomain.LineKindPlan, PlanCode: "reader-monthly"},
	)

	_, err := h.svc.SubmitInvoice(ctx, invoice.InvoiceID, "generic")
	require.NoError(t, err)

	err = h.inTx(t, func(tx *gorm.DB) error {
		locked, err := h.svc.LockInvoice(ctx, tx, invoice.InvoiceID)
		if err != nil {
			return err
		}
		return h.svc.MarkPaid(ctx, tx, locked, h.clk.Now())
	})
	require.NoError(t, err)

	stored, err := h.svc.GetInvoice(ctx, invoice.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, stored.Status)
	require.Len(t, h.sales.lines, 1)
	assert.Equal(t, "book-a", *h.sales.lines[0].BookUUID)

	err = h.inTx(t, func(tx *gorm.DB) error {
		locked, err := h.svc.LockInvoice(ctx, tx, invoice.InvoiceID)
		if err != nil {
			return err
		}
		return h.svc.MarkPaid(ctx, tx, locked, h.clk.Now())
	})
	require.ErrorIs(t, err, billingdomain.ErrInvalidState)
	assert.Len(t, h.sales.lines, 1)
}

func TestRecurringScanGeneratesOneInvoicePerScan(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.plan(t, "reader-monthly", 2000, true)

	start := h.clk.Now().AddDate(0, 0, -70)
	sub, err := h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{
		UserUUID: "user-1",
		PlanCode: "reader-monthly",
		Provider: "mtn_momo",
		StartAt:  &start,
	})
	require.NoError(t, err)

	expected := start
	for scan := 1; scan <= 3; scan++ {
		result, err := h.svc.RunRecurring(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Claimed, "scan %d", scan)
		assert.Equal(t, 1, result.Invoiced, "scan %d", scan)
		assert.Equal(t, 1, result.Submitted, "scan %d", scan)

		expected = expected.AddDate(0, 1, 0)
		stored, err := h.svc.GetSubscription(ctx, sub.SubscriptionID)
		require.NoError(t, err)
		assert.True(t, expected.Equal(stored.NextChargeAt), "scan %d: next charge %s", scan, stored.NextChargeAt)
	}

	result, err := h.svc.RunRecurring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)

	page, err := h.svc.ListInvoices(ctx, billingdomain.ListInvoicesRequest{UserUUID: "user-1"})
	require.NoError(t, err)
	require.Len(t, page.Invoices, 3)
	periods := map[time.Time]bool{}
	for _, invoice := range page.Invoices {
		assert.Equal(t, billingdomain.InvoiceStatusPending, invoice.Status)
		assert.Equal(t, int64(2000), invoice.TotalAmount)
		require.NotNil(t, invoice.PeriodStart)
		periods[invoice.PeriodStart.UTC()] = true
	}
	assert.Len(t, periods, 3)
	assert.Len(t, h.gateway.calls, 3)
}

func TestDunningRetriesThenCancels(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.plan(t, "reader-monthly", 2000, true)
	sub, err := h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{UserUUID: "user-1", PlanCode: "reader-monthly", Provider: "wave"})
	require.NoError(t, err)

	h.gateway.fail(errors.New("provider down"))
	result, err := h.svc.RunRecurring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Invoiced)
	assert.Equal(t, 1, result.Failed)

	stored, err := h.svc.GetSubscription(ctx, sub.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.RecurringStatusPastDue, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	require.NotNil(t, stored.NextRetryAt)

	retry, err := h.svc.RunRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, retry.Claimed, "retry is not due yet")

	for attempt := 1; attempt <= 3; attempt++ {
		h.clk.Advance(24 * time.Hour)
		retry, err = h.svc.RunRetries(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, retry.Claimed, "retry %d", attempt)

		stored, err = h.svc.GetSubscription(ctx, sub.SubscriptionID)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, billingdomain.RecurringStatusPastDue, stored.Status)
			assert.Equal(t, attempt, stored.RetryCount)
		}
	}
	assert.Equal(t, billingdomain.RecurringStatusCancelled, stored.Status)
	assert.Nil(t, stored.NextRetryAt)
	require.NotNil(t, stored.CancelledAt)

	h.clk.Advance(24 * time.Hour)
	retry, err = h.svc.RunRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, retry.Claimed)

	txns, err := h.payments.ListTransactions(ctx, h.db, *stored.LastInvoiceID)
	require.NoError(t, err)
	assert.Len(t, txns, 4)
}

func TestPaidRetryReinstatesSubscription(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.plan(t, "reader-monthly", 2000, true)
	sub, err := h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{UserUUID: "user-1", PlanCode: "reader-monthly", Provider: "wave"})
	require.NoError(t, err)

	h.gateway.fail(errors.New("provider down"))
	_, err = h.svc.RunRecurring(ctx)
	require.NoError(t, err)

	h.gateway.fail(nil)
	h.clk.Advance(24 * time.Hour)
	retry, err := h.svc.RunRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Submitted)

	stored, err := h.svc.GetSubscription(ctx, sub.SubscriptionID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastInvoiceID)
	err = h.inTx(t, func(tx *gorm.DB) error {
		locked, err := h.svc.LockInvoice(ctx, tx, *stored.LastInvoiceID)
		if err != nil {
			return err
		}
		return h.svc.MarkPaid(ctx, tx, locked, h.clk.Now())
	})
	require.NoError(t, err)

	stored, err = h.svc.GetSubscription(ctx, sub.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.RecurringStatusActive, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Nil(t, stored.NextRetryAt)
}

func TestCancelSubscriptionStopsRetries(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.plan(t, "reader-monthly", 2000, true)
	sub, err := h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{UserUUID: "user-1", PlanCode: "reader-monthly", Provider: "wave"})
	require.NoError(t, err)

	h.gateway.fail(errors.New("provider down"))
	_, err = h.svc.RunRecurring(ctx)
	require.NoError(t, err)

	cancelled, err := h.svc.CancelSubscription(ctx, sub.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.RecurringStatusCancelled, cancelled.Status)

	again, err := h.svc.CancelSubscription(ctx, sub.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)

	h.clk.Advance(48 * time.Hour)
	retry, err := h.svc.RunRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, retry.Claimed)
	h.clk.Advance(40 * 24 * time.Hour)
	scan, err := h.svc.RunRecurring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, scan.Claimed)

	_, err = h.svc.CancelSubscription(ctx, 42)
	require.ErrorIs(t, err, billingdomain.ErrSubscriptionNotFound)
}

func TestRecurringScanSubmitsStaleDrafts(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.plan(t, "reader-monthly", 2000, true)

	active, err := h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{UserUUID: "user-1", PlanCode: "reader-monthly", Provider: "wave"})
	require.NoError(t, err)
	stopped, err := h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{UserUUID: "user-1", PlanCode: "reader-monthly", Provider: "mtn_momo"})
	require.NoError(t, err)

	// charge both periods without submitting, as if the process died in between
	left, err := h.svc.chargeOne(ctx, active, h.clk.Now())
	require.NoError(t, err)
	require.NotNil(t, left)
	orphan, err := h.svc.chargeOne(ctx, stopped, h.clk.Now())
	require.NoError(t, err)
	require.NotNil(t, orphan)
	_, err = h.svc.CancelSubscription(ctx, stopped.SubscriptionID)
	require.NoError(t, err)

	fresh, err := h.svc.RunRecurring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Claimed)
	assert.Equal(t, 0, fresh.Submitted)
	assert.Empty(t, h.gateway.calls)

	h.clk.Advance(20 * time.Minute)
	result, err := h.svc.RunRecurring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
	assert.Equal(t, 1, result.Submitted)
	require.Len(t, h.gateway.calls, 1)

	submitted, err := h.svc.GetInvoice(ctx, left.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusPending, submitted.Status)
	txns, err := h.payments.ListTransactions(ctx, h.db, left.InvoiceID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "wave", txns[0].Provider)

	voided, err := h.svc.GetInvoice(ctx, orphan.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusVoid, voided.Status)

	again, err := h.svc.RunRecurring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Submitted)
	assert.Len(t, h.gateway.calls, 1)
}

func TestCreateSubscriptionValidatesPlanAndProvider(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.plan(t, "retired", 1000, false)

	_, err := h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{UserUUID: "user-1", PlanCode: "retired", Provider: "wave"})
	require.ErrorIs(t, err, billingdomain.ErrPlanInactive)
	_, err = h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{UserUUID: "user-1", PlanCode: "missing", Provider: "wave"})
	require.ErrorIs(t, err, billingdomain.ErrPlanNotFound)
	h.plan(t, "reader-monthly", 1000, true)
	_, err = h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{UserUUID: "user-1", PlanCode: "reader-monthly", Provider: "cash"})
	require.ErrorIs(t, err, billingdomain.ErrInvalidProvider)
	_, err = h.svc.CreateSubscription(ctx, billingdomain.CreateSubscriptionRequest{UserUUID: "ghost", PlanCode: "reader-monthly", Provider: "wave"})
	require.ErrorIs(t, err, billingdomain.ErrUnknownUser)
}

func TestListInvoicesPages(t *testing.T) {
	h := newHarness(t, config.DefaultRules())
	ctx := context.Background()
	h.user(t, "user-1")
	h.book(t, "book-a", 1000, "XOF")
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.draft(t, "user-1", bookLine("book-a", 1)).InvoiceID.String())
		h.clk.Advance(time.Minute)
	}

	first, err := h.svc.ListInvoices(ctx, billingdomain.ListInvoicesRequest{UserUUID: "user-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Invoices, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, ids[2], first.Invoices[0].InvoiceID.String())

	second, err := h.svc.ListInvoices(ctx, billingdomain.ListInvoicesRequest{UserUUID: "user-1", PageSize: 2, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Invoices, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, ids[0], second.Invoices[0].InvoiceID.String())

	filtered, err := h.svc.ListInvoices(ctx, billingdomain.ListInvoicesRequest{Status: "paid"})
	require.NoError(t, err)
	assert.Empty(t, filtered.Invoices)
}
