package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/internal/config"
	"github.com/smallbiznis/bookline/internal/observability"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	"github.com/smallbiznis/bookline/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	royaltydomain "github.com/smallbiznis/bookline/internal/royalty/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSync struct {
	refsyncdomain.Service
	emitErr error
	acked   []snowflake.ID
}

func (f *fakeSync) Emit(_ context.Context, _ refsyncdomain.EmitRequest) (refsyncdomain.EmitResult, error) {
	if f.emitErr != nil {
		return refsyncdomain.EmitResult{}, f.emitErr
	}
	return refsyncdomain.EmitResult{Created: true, Deliveries: 2}, nil
}

func (f *fakeSync) Ack(_ context.Context, _ string, ids []snowflake.ID) (int, error) {
	f.acked = ids
	return len(ids), nil
}

func (f *fakeSync) ListHeads(_ context.Context, entityType, after string, limit int) ([]refsyncdomain.EntityHead, error) {
	return []refsyncdomain.EntityHead{{EntityUUID: after + "-next", EntityType: referencedomain.EntityType(entityType), SourceVersion: int64(limit)}}, nil
}

type fakeReferences struct {
	referencedomain.Service
	applied []referencedomain.Change
}

func (f *fakeReferences) Apply(_ context.Context, change referencedomain.Change) (referencedomain.ApplyOutcome, error) {
	f.applied = append(f.applied, change)
	return referencedomain.ApplyOutcomeApplied, nil
}

type fakeBilling struct {
	billingdomain.Service
	voidErr   error
	submitErr error
}

func (f *fakeBilling) VoidInvoice(_ context.Context, _ snowflake.ID) (billingdomain.Invoice, error) {
	return billingdomain.Invoice{}, f.voidErr
}

func (f *fakeBilling) SubmitInvoice(_ context.Context, _ snowflake.ID, _ string) (billingdomain.SubmitResult, error) {
	return billingdomain.SubmitResult{}, f.submitErr
}

type fakePayments struct {
	paymentdomain.Service
	result   paymentdomain.CallbackResult
	err      error
	provider string
}

func (f *fakePayments) HandleCallback(_ context.Context, provider string, _ []byte, _ http.Header) (paymentdomain.CallbackResult, error) {
	f.provider = provider
	return f.result, f.err
}

type fakeReconcile struct{ reconciledomain.Service }

type fakeRoyalties struct{ royaltydomain.Service }

type harness struct {
	server   *Server
	sync     *fakeSync
	refs     *fakeReferences
	billing  *fakeBilling
	payments *fakePayments
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{
		sync:     &fakeSync{},
		refs:     &fakeReferences{},
		billing:  &fakeBilling{},
		payments: &fakePayments{},
	}
	h.server = NewServer(ServerParams{
		Gin:             NewEngine(observability.Config{Environment: "production"}, nil),
		Cfg:             cfg,
		Sync:            h.sync,
		References:      h.refs,
		Reconcile:       fakeReconcile{},
		Billing:         h.billing,
		Payments:        h.payments,
		Royalties:       fakeRoyalties{},
		CallbackLimiter: ratelimit.NewCallbackLimiter(nil, cfg),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

var adminHeaders = map[string]string{"X-Admin-Token": "secret"}

func TestAdminTokenRequired(t *testing.T) {
	h := newHarness(t, config.Config{AdminToken: "secret", Environment: "production"})

	rec := h.do(t, http.MethodPost, "/api/sync/events", map[string]any{"entity_uuid": "u"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/sync/events", map[string]any{"entity_uuid": "u"}, map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/sync/events", map[string]any{"entity_uuid": "u"}, adminHeaders)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAdminRoutesClosedInProductionWithoutToken(t *testing.T) {
	h := newHarness(t, config.Config{Environment: "production"})
	rec := h.do(t, http.MethodGet, "/api/sync/heads?entity_type=book", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	h = newHarness(t, config.Config{Environment: "development"})
	rec = h.do(t, http.MethodGet, "/api/sync/heads?entity_type=book&after=a&limit=7", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Heads []refsyncdomain.EntityHead `json:"heads"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Heads, 1)
	assert.Equal(t, "a-next", resp.Heads[0].EntityUUID)
	assert.Equal(t, int64(7), resp.Heads[0].SourceVersion)
}

func TestEmitStaleVersionIsConflict(t *testing.T) {
	h := newHarness(t, config.Config{AdminToken: "secret"})
	h.sync.emitErr = &refsyncdomain.StaleVersionError{EntityUUID: "u-1", Submitted: 4, CurrentVersion: 5}

	rec := h.do(t, http.MethodPost, "/api/sync/events", map[string]any{"entity_uuid": "u-1"}, adminHeaders)
	assert.Equal(t, http.StatusConflict, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "conflict", payload.Type)
	assert.Contains(t, payload.Message, "current version is 5")
}

func TestReceiveAppliesChangeMessage(t *testing.T) {
	h := newHarness(t, config.Config{AdminToken: "secret"})
	rec := h.do(t, http.MethodPost, "/api/sync/receive", map[string]any{
		"event_id":       "42",
		"entity_uuid":    "b-1",
		"entity_type":    "book",
		"operation":      "update",
		"payload":        map[string]any{"title": "T"},
		"source_version": 3,
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.refs.applied, 1)
	assert.Equal(t, "b-1", h.refs.applied[0].EntityUUID)
	assert.Equal(t, int64(3), h.refs.applied[0].SourceVersion)
	assert.Equal(t, snowflake.ID(42), h.refs.applied[0].EventID)
}

func TestAckParsesDeliveryIDs(t *testing.T) {
	h := newHarness(t, config.Config{AdminToken: "secret"})

	rec := h.do(t, http.MethodPost, "/api/sync/subscribers/catalog/ack", map[string]any{"delivery_ids": []string{"11", "12"}}, adminHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []snowflake.ID{11, 12}, h.sync.acked)

	rec = h.do(t, http.MethodPost, "/api/sync/subscribers/catalog/ack", map[string]any{"delivery_ids": []string{"x"}}, adminHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_delivery_ids", decodeError(t, rec).Errors[0].Code)
}

func TestInvoiceErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, config.Config{AdminToken: "secret"})

	rec := h.do(t, http.MethodPost, "/admin/invoices/not-an-id/void", nil, adminHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_id", decodeError(t, rec).Errors[0].Code)

	h.billing.voidErr = &billingdomain.InvalidStateError{Entity: "invoice", ID: "7", Status: "paid", Action: "void"}
	rec = h.do(t, http.MethodPost, "/admin/invoices/7/void", nil, adminHeaders)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "in status paid")

	h.billing.submitErr = paymentdomain.ErrGatewayUnavailable
	rec = h.do(t, http.MethodPost, "/admin/invoices/7/submit", map[string]string{"provider": "wave"}, adminHeaders)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	h.billing.submitErr = billingdomain.ErrInvoiceNotFound
	rec = h.do(t, http.MethodPost, "/admin/invoices/7/submit", map[string]string{"provider": "wave"}, adminHeaders)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentCallbackOutcomes(t *testing.T) {
	h := newHarness(t, config.Config{AdminToken: "secret"})

	h.payments.result = paymentdomain.CallbackResult{CallbackID: 9, Outcome: paymentdomain.OutcomeDuplicate}
	rec := h.do(t, http.MethodPost, "/api/payments/callbacks/Wave", map[string]any{"id": "TXN123"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wave", h.payments.provider)
	assert.Contains(t, rec.Body.String(), `"outcome":"duplicate"`)

	h.payments.err = paymentdomain.ErrInvalidSignature
	rec = h.do(t, http.MethodPost, "/api/payments/callbacks/wave", map[string]any{"id": "TXN123"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	h.payments.err = nil
	rec = h.do(t, http.MethodPost, "/api/payments/callbacks/wave", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapErrorWrappedSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: errors.Join(errors.New("ctx"), referencedomain.ErrInvalidPayload), status: http.StatusBadRequest, code: "invalid_payload"},
		{err: royaltydomain.ErrInvalidPeriod, status: http.StatusBadRequest, code: "invalid_period"},
		{err: royaltydomain.ErrRoyaltyNotFound, status: http.StatusNotFound},
		{err: paymentdomain.ErrAnomalyAlreadyResolved, status: http.StatusConflict},
		{err: ErrRateLimited, status: http.StatusTooManyRequests},
		{err: reconciledomain.ErrSourceUnavailable, status: http.StatusBadGateway},
		{err: ErrServiceUnavailable, status: http.StatusServiceUnavailable},
		{err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		if tc.code != "" {
			require.NotEmpty(t, payload.Errors)
			assert.Equal(t, tc.code, payload.Errors[0].Code)
		}
	}
}
