// Package domain contains persistence models for invoicing and recurring billing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Cycle string

const (
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
)

func ParseCycle(raw string) (Cycle, error) {
	switch Cycle(raw) {
	case CycleMonthly, CycleYearly:
		return Cycle(raw), nil
	default:
		return "", ErrInvalidCycle
	}
}

// Next returns the start of the period following the one starting at t.
func (c Cycle) Next(t time.Time) time.Time {
	if c == CycleYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Plan is a subscription offer in the billing-owned catalog.
type Plan struct {
	Code        string    `json:"code" gorm:"primaryKey;column:code"`
	Name        string    `json:"name" gorm:"column:name"`
	Cycle       Cycle     `json:"cycle" gorm:"column:cycle"`
	PriceAmount int64     `json:"price_amount" gorm:"column:price_amount"`
	Currency    string    `json:"currency" gorm:"column:currency"`
	IsActive    bool      `json:"is_active" gorm:"column:is_active"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Plan) TableName() string { return "subscription_plans" }

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusFailed  InvoiceStatus = "failed"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

type Invoice struct {
	InvoiceID      snowflake.ID  `json:"invoice_id" gorm:"primaryKey;column:invoice_id"`
	UserUUID       string        `json:"user_uuid" gorm:"column:user_uuid"`
	Currency       string        `json:"currency" gorm:"column:currency"`
	SubtotalAmount int64         `json:"subtotal_amount" gorm:"column:subtotal_amount"`
	DiscountAmount int64         `json:"discount_amount" gorm:"column:discount_amount"`
	TotalAmount    int64         `json:"total_amount" gorm:"column:total_amount"`
	DiscountCode   *string       `json:"discount_code,omitempty" gorm:"column:discount_code"`
	Status         InvoiceStatus `json:"status" gorm:"column:status"`
	Version        int64         `json:"version" gorm:"column:version"`
	SubscriptionID *snowflake.ID `json:"subscription_id,omitempty" gorm:"column:subscription_id"`
	PeriodStart    *time.Time    `json:"period_start,omitempty" gorm:"column:period_start"`
	PeriodEnd      *time.Time    `json:"period_end,omitempty" gorm:"column:period_end"`
	DueAt          time.Time     `json:"due_at" gorm:"column:due_at"`
	SubmittedAt    *time.Time    `json:"submitted_at,omitempty" gorm:"column:submitted_at"`
	PaidAt         *time.Time    `json:"paid_at,omitempty" gorm:"column:paid_at"`
	FailedAt       *time.Time    `json:"failed_at,omitempty" gorm:"column:failed_at"`
	VoidedAt       *time.Time    `json:"voided_at,omitempty" gorm:"column:voided_at"`
	CreatedAt      time.Time     `json:"created_at" gorm:"column:created_at"`
	UpdatedAt      time.Time     `json:"updated_at" gorm:"column:updated_at"`

	Lines []LineItem `json:"lines,omitempty" gorm:"-"`
}

func (Invoice) TableName() string { return "invoices" }

type LineKind string

const (
	LineKindBook LineKind = "book"
	LineKindPlan LineKind = "plan"
)

type LineItem struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey;column:id"`
	InvoiceID      snowflake.ID `json:"invoice_id" gorm:"column:invoice_id"`
	LineNo         int          `json:"line_no" gorm:"column:line_no"`
	Kind           LineKind     `json:"kind" gorm:"column:kind"`
	BookUUID       *string      `json:"book_uuid,omitempty" gorm:"column:book_uuid"`
	PlanCode       *string      `json:"plan_code,omitempty" gorm:"column:plan_code"`
	Description    string       `json:"description" gorm:"column:description"`
	Quantity       int          `json:"quantity" gorm:"column:quantity"`
	UnitAmount     int64        `json:"unit_amount" gorm:"column:unit_amount"`
	Amount         int64        `json:"amount" gorm:"column:amount"`
	DiscountAmount int64        `json:"discount_amount" gorm:"column:discount_amount"`
	NetAmount      int64        `json:"net_amount" gorm:"column:net_amount"`
	CreatedAt      time.Time    `json:"created_at" gorm:"column:created_at"`
}

func (LineItem) TableName() string { return "invoice_line_items" }

type RecurringStatus string

const (
	RecurringStatusActive    RecurringStatus = "active"
	RecurringStatusPastDue   RecurringStatus = "past_due"
	RecurringStatusCancelled RecurringStatus = "cancelled"
)

// RecurringBilling schedules the charges of one reader subscription.
type RecurringBilling struct {
	SubscriptionID snowflake.ID    `json:"subscription_id" gorm:"primaryKey;column:subscription_id"`
	UserUUID       string          `json:"user_uuid" gorm:"column:user_uuid"`
	PlanCode       string          `json:"plan_code" gorm:"column:plan_code"`
	Cycle          Cycle           `json:"cycle" gorm:"column:cycle"`
	Provider       string          `json:"provider" gorm:"column:provider"`
	Status         RecurringStatus `json:"status" gorm:"column:status"`
	NextChargeAt   time.Time       `json:"next_charge_at" gorm:"column:next_charge_at"`
	RetryCount     int             `json:"retry_count" gorm:"column:retry_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty" gorm:"column:next_retry_at"`
	LastInvoiceID  *snowflake.ID   `json:"last_invoice_id,omitempty" gorm:"column:last_invoice_id"`
	Version        int64           `json:"version" gorm:"column:version"`
	CreatedAt      time.Time       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"column:updated_at"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty" gorm:"column:cancelled_at"`
}

func (RecurringBilling) TableName() string { return "recurring_billings" }
