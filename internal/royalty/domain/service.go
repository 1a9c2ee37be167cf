package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	"github.com/smallbiznis/bookline/pkg/db/pagination"
)

// ComputeOutcome names what a computation did to one (author, currency) statement.
type ComputeOutcome string

const (
	OutcomeCreated   ComputeOutcome = "created"
	OutcomeUnchanged ComputeOutcome = "unchanged"
	OutcomeRevised   ComputeOutcome = "revised"
	OutcomeAdjusted  ComputeOutcome = "adjusted"
)

type ComputeResult struct {
	PeriodStart time.Time         `json:"period_start"`
	PeriodEnd   time.Time         `json:"period_end"`
	Statements  []StatementResult `json:"statements"`
}

type StatementResult struct {
	AuthorUUID    string         `json:"author_uuid"`
	Currency      string         `json:"currency"`
	RoyaltyID     snowflake.ID   `json:"royalty_id"`
	PayableAmount int64          `json:"payable_amount"`
	Outcome       ComputeOutcome `json:"outcome"`
	AdjustmentID  *snowflake.ID  `json:"adjustment_id,omitempty"`
}

type ListRoyaltiesRequest struct {
	AuthorUUID  string     `form:"author_uuid"`
	Status      string     `form:"status"`
	PeriodStart *time.Time `form:"period_start" time_format:"2006-01-02T15:04:05Z07:00"`
	PeriodEnd   *time.Time `form:"period_end" time_format:"2006-01-02T15:04:05Z07:00"`
	PageToken   string     `form:"page_token"`
	PageSize    int        `form:"page_size"`
}

type ListRoyaltiesResponse struct {
	pagination.PageInfo
	Royalties []AuthorRoyalty `json:"royalties"`
}

type Service interface {
	billingdomain.SaleRecorder

	ComputeRoyalties(ctx context.Context, start, end time.Time) (ComputeResult, error)
	ApproveRoyalty(ctx context.Context, id snowflake.ID) (AuthorRoyalty, error)
	MarkRoyaltyPaid(ctx context.Context, id snowflake.ID) (AuthorRoyalty, error)
	GetRoyalty(ctx context.Context, id snowflake.ID) (AuthorRoyalty, error)
	ListRoyalties(ctx context.Context, req ListRoyaltiesRequest) (ListRoyaltiesResponse, error)
	ListAdjustments(ctx context.Context, id snowflake.ID) ([]Adjustment, error)

	// ClosePeriod computes the period and records it as closed; closing twice is a no-op.
	ClosePeriod(ctx context.Context, start, end time.Time) (Period, error)
	// CloseDuePeriods closes the calendar month preceding now.
	CloseDuePeriods(ctx context.Context, now time.Time) (int, error)
	ListPeriods(ctx context.Context, limit int) ([]Period, error)
}
