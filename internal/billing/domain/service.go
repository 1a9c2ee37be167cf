package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	"github.com/smallbiznis/bookline/pkg/db/pagination"
	"gorm.io/gorm"
)

type LineInput struct {
	Kind     LineKind `json:"kind"`
	BookUUID string   `json:"book_uuid,omitempty"`
	PlanCode string   `json:"plan_code,omitempty"`
	Quantity int      `json:"quantity"`
}

type CreateInvoiceRequest struct {
	UserUUID     string      `json:"user_uuid"`
	Currency     string      `json:"currency"`
	DiscountCode string      `json:"discount_code,omitempty"`
	Lines        []LineInput `json:"line_items"`
}

type ListInvoicesRequest struct {
	UserUUID  string
	Status    string
	PageToken string
	PageSize  int
}

type ListInvoicesResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type UpsertPlanRequest struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Cycle       string `json:"cycle"`
	PriceAmount int64  `json:"price_amount"`
	Currency    string `json:"currency"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

type CreateSubscriptionRequest struct {
	UserUUID string     `json:"user_uuid"`
	PlanCode string     `json:"plan_code"`
	Provider string     `json:"provider"`
	StartAt  *time.Time `json:"start_at,omitempty"`
}

// SubmitResult is the invoice after submission with the transaction handed to the gateway.
type SubmitResult struct {
	Invoice     Invoice                   `json:"invoice"`
	Transaction paymentdomain.Transaction `json:"transaction"`
}

// RunResult summarises one pass of a recurring billing job.
type RunResult struct {
	Claimed   int `json:"claimed"`
	Invoiced  int `json:"invoiced"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
}

// Settlement applies payment outcomes to invoices inside the caller's transaction.
type Settlement interface {
	LockInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (*Invoice, error)
	// MarkPaid moves a pending or failed invoice to paid and records its sales.
	MarkPaid(ctx context.Context, tx *gorm.DB, invoice *Invoice, at time.Time) error
	// MarkFailed moves a pending invoice to failed and advances its subscription's dunning.
	MarkFailed(ctx context.Context, tx *gorm.DB, invoice *Invoice, at time.Time) error
}

// SaleRecorder receives the book lines of an invoice on its paid transition.
type SaleRecorder interface {
	RecordSale(ctx context.Context, tx *gorm.DB, invoice *Invoice, line LineItem) error
}

type Service interface {
	Settlement

	UpsertPlan(ctx context.Context, req UpsertPlanRequest) (Plan, error)
	GetPlan(ctx context.Context, code string) (Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error)

	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	GetInvoice(ctx context.Context, id snowflake.ID) (Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) (ListInvoicesResponse, error)
	SubmitInvoice(ctx context.Context, id snowflake.ID, provider string) (SubmitResult, error)
	ResubmitInvoice(ctx context.Context, id snowflake.ID) (SubmitResult, error)
	VoidInvoice(ctx context.Context, id snowflake.ID) (Invoice, error)

	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (RecurringBilling, error)
	GetSubscription(ctx context.Context, id snowflake.ID) (RecurringBilling, error)
	ListSubscriptions(ctx context.Context, userUUID string) ([]RecurringBilling, error)
	CancelSubscription(ctx context.Context, id snowflake.ID) (RecurringBilling, error)

	// RunRecurring invoices and submits every active subscription that is due.
	RunRecurring(ctx context.Context) (RunResult, error)
	// RunRetries resubmits the failed invoices of past_due subscriptions that are due.
	RunRetries(ctx context.Context) (RunResult, error)
}
