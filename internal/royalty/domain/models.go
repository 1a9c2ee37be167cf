// Package domain contains persistence models for author royalty statements.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Sale is the share of one paid book line attributed to one author.
type Sale struct {
	ID               snowflake.ID        `json:"id" gorm:"primaryKey;column:id"`
	LineItemID       snowflake.ID        `json:"line_item_id" gorm:"column:line_item_id"`
	InvoiceID        snowflake.ID        `json:"invoice_id" gorm:"column:invoice_id"`
	AuthorUUID       string              `json:"author_uuid" gorm:"column:author_uuid"`
	BookUUID         string              `json:"book_uuid" gorm:"column:book_uuid"`
	RoyaltyTier      string              `json:"royalty_tier" gorm:"column:royalty_tier"`
	BookRate         decimal.NullDecimal `json:"book_rate" gorm:"column:book_rate"`
	Currency         string              `json:"currency" gorm:"column:currency"`
	ShareBps         int                 `json:"share_bps" gorm:"column:share_bps"`
	NetAmount        int64               `json:"net_amount" gorm:"column:net_amount"`
	AttributedAmount decimal.Decimal     `json:"attributed_amount" gorm:"column:attributed_amount"`
	SoldAt           time.Time           `json:"sold_at" gorm:"column:sold_at"`
	CreatedAt        time.Time           `json:"created_at" gorm:"column:created_at"`
}

func (Sale) TableName() string { return "royalty_sales" }

type RoyaltyStatus string

const (
	RoyaltyStatusComputed   RoyaltyStatus = "computed"
	RoyaltyStatusApproved   RoyaltyStatus = "approved"
	RoyaltyStatusPaid       RoyaltyStatus = "paid"
	RoyaltyStatusSuperseded RoyaltyStatus = "superseded"
)

func ParseRoyaltyStatus(raw string) (RoyaltyStatus, error) {
	switch RoyaltyStatus(raw) {
	case RoyaltyStatusComputed, RoyaltyStatusApproved, RoyaltyStatusPaid, RoyaltyStatusSuperseded:
		return RoyaltyStatus(raw), nil
	default:
		return "", ErrInvalidStatus
	}
}

// AuthorRoyalty is one revision of an author's statement for a period and currency.
type AuthorRoyalty struct {
	RoyaltyID     snowflake.ID    `json:"royalty_id" gorm:"primaryKey;column:royalty_id"`
	AuthorUUID    string          `json:"author_uuid" gorm:"column:author_uuid"`
	PeriodStart   time.Time       `json:"period_start" gorm:"column:period_start"`
	PeriodEnd     time.Time       `json:"period_end" gorm:"column:period_end"`
	Currency      string          `json:"currency" gorm:"column:currency"`
	GrossAmount   decimal.Decimal `json:"gross_amount" gorm:"column:gross_amount"`
	RateApplied   decimal.Decimal `json:"rate_applied" gorm:"column:rate_applied"`
	PayableAmount int64           `json:"payable_amount" gorm:"column:payable_amount"`
	SalesCount    int             `json:"sales_count" gorm:"column:sales_count"`
	Status        RoyaltyStatus   `json:"status" gorm:"column:status"`
	Revision      int             `json:"revision" gorm:"column:revision"`
	SupersedesID  *snowflake.ID   `json:"supersedes_id,omitempty" gorm:"column:supersedes_id"`
	CreatedAt     time.Time       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time       `json:"updated_at" gorm:"column:updated_at"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty" gorm:"column:approved_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty" gorm:"column:paid_at"`
}

func (AuthorRoyalty) TableName() string { return "author_royalties" }

// Adjustment corrects an approved or paid statement without rewriting it.
type Adjustment struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey;column:id"`
	RoyaltyID   snowflake.ID `json:"royalty_id" gorm:"column:royalty_id"`
	AuthorUUID  string       `json:"author_uuid" gorm:"column:author_uuid"`
	Currency    string       `json:"currency" gorm:"column:currency"`
	DeltaAmount int64        `json:"delta_amount" gorm:"column:delta_amount"`
	Reason      string       `json:"reason" gorm:"column:reason"`
	Fingerprint string       `json:"fingerprint" gorm:"column:fingerprint"`
	CreatedAt   time.Time    `json:"created_at" gorm:"column:created_at"`
}

func (Adjustment) TableName() string { return "royalty_adjustments" }

// Period records a closed royalty period.
type Period struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey;column:id"`
	PeriodStart time.Time    `json:"period_start" gorm:"column:period_start"`
	PeriodEnd   time.Time    `json:"period_end" gorm:"column:period_end"`
	Statements  int          `json:"statements" gorm:"column:statements"`
	ClosedAt    time.Time    `json:"closed_at" gorm:"column:closed_at"`
}

func (Period) TableName() string { return "royalty_periods" }

type RoyaltyFilter struct {
	AuthorUUID  string
	Status      RoyaltyStatus
	PeriodStart *time.Time
	PeriodEnd   *time.Time

	BeforeCreatedAt *time.Time
	BeforeID        snowflake.ID
	Limit           int
}
