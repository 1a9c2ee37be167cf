package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	ProviderOrangeMoney = "orange_money"
	ProviderMTNMoMo     = "mtn_momo"
	ProviderWave        = "wave"
	ProviderGeneric     = "generic"
)

// Providers lists every mobile-money provider with a callback adapter.
var Providers = []string{ProviderOrangeMoney, ProviderMTNMoMo, ProviderWave, ProviderGeneric}

// NormalizeProvider returns the canonical provider name or ErrInvalidProvider.
func NormalizeProvider(raw string) (string, error) {
	provider := strings.ToLower(strings.TrimSpace(raw))
	for _, known := range Providers {
		if provider == known {
			return provider, nil
		}
	}
	return "", ErrInvalidProvider
}

type TransactionStatus string

const (
	TransactionStatusInitiated  TransactionStatus = "initiated"
	TransactionStatusConfirmed  TransactionStatus = "confirmed"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusSuperseded TransactionStatus = "superseded"
)

// Transaction is one attempt to collect an invoice through a provider.
type Transaction struct {
	TransactionID     snowflake.ID      `json:"transaction_id" gorm:"primaryKey;column:transaction_id"`
	InvoiceID         snowflake.ID      `json:"invoice_id" gorm:"column:invoice_id"`
	Provider          string            `json:"provider" gorm:"column:provider"`
	ProviderReference *string           `json:"provider_reference,omitempty" gorm:"column:provider_reference"`
	Amount            int64             `json:"amount" gorm:"column:amount"`
	Currency          string            `json:"currency" gorm:"column:currency"`
	Status            TransactionStatus `json:"status" gorm:"column:status"`
	AttemptCount      int               `json:"attempt_count" gorm:"column:attempt_count"`
	Version           int64             `json:"version" gorm:"column:version"`
	CreatedAt         time.Time         `json:"created_at" gorm:"column:created_at"`
	UpdatedAt         time.Time         `json:"updated_at" gorm:"column:updated_at"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty" gorm:"column:confirmed_at"`
	FailedAt          *time.Time        `json:"failed_at,omitempty" gorm:"column:failed_at"`
	SupersededAt      *time.Time        `json:"superseded_at,omitempty" gorm:"column:superseded_at"`
}

func (Transaction) TableName() string { return "payment_transactions" }

type CallbackStatus string

const (
	CallbackStatusConfirmed CallbackStatus = "confirmed"
	CallbackStatusFailed    CallbackStatus = "failed"
)

// Callback is a provider notification normalized by an adapter.
type Callback struct {
	Provider          string
	ProviderReference string
	InvoiceID         *snowflake.ID
	Amount            int64
	Currency          string
	Status            CallbackStatus
	ReceivedAt        time.Time
	RawPayload        []byte
}

// DedupKey identifies repeated deliveries of the same provider notification.
func (c Callback) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", c.Provider, c.ProviderReference, c.Status)
}

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeNoop means the callback matched but changed nothing.
	OutcomeNoop      Outcome = "noop"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeAnomaly   Outcome = "anomaly"
)

// CallbackRecord is the raw callback log, one row per dedupe key.
type CallbackRecord struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey;column:id"`
	Provider          string         `json:"provider" gorm:"column:provider"`
	DedupKey          string         `json:"dedup_key" gorm:"column:dedup_key"`
	ProviderReference string         `json:"provider_reference" gorm:"column:provider_reference"`
	InvoiceID         *snowflake.ID  `json:"invoice_id,omitempty" gorm:"column:invoice_id"`
	Status            CallbackStatus `json:"status" gorm:"column:status"`
	Amount            int64          `json:"amount" gorm:"column:amount"`
	Currency          string         `json:"currency" gorm:"column:currency"`
	Payload           datatypes.JSON `json:"payload" gorm:"column:payload"`
	ReceivedAt        time.Time      `json:"received_at" gorm:"column:received_at"`
	ProcessedAt       *time.Time     `json:"processed_at,omitempty" gorm:"column:processed_at"`
	Outcome           *Outcome       `json:"outcome,omitempty" gorm:"column:outcome"`
	TransactionID     *snowflake.ID  `json:"transaction_id,omitempty" gorm:"column:transaction_id"`
	MatchAttempts     int            `json:"match_attempts" gorm:"column:match_attempts"`
}

func (CallbackRecord) TableName() string { return "payment_callbacks" }

func (r CallbackRecord) Callback() Callback {
	return Callback{
		Provider:          r.Provider,
		ProviderReference: r.ProviderReference,
		InvoiceID:         r.InvoiceID,
		Amount:            r.Amount,
		Currency:          r.Currency,
		Status:            r.Status,
		ReceivedAt:        r.ReceivedAt,
		RawPayload:        r.Payload,
	}
}

type AnomalyKind string

const (
	AnomalyUnmatchedCallback   AnomalyKind = "unmatched_callback"
	AnomalyFailureAfterConfirm AnomalyKind = "failure_after_confirm"
	AnomalyAlreadyPaid         AnomalyKind = "already_paid"
	AnomalyInvoiceVoid         AnomalyKind = "invoice_void"
	AnomalyAmountMismatch      AnomalyKind = "amount_mismatch"
	AnomalyCurrencyMismatch    AnomalyKind = "currency_mismatch"
)

type AnomalyStatus string

const (
	AnomalyStatusOpen     AnomalyStatus = "open"
	AnomalyStatusResolved AnomalyStatus = "resolved"
)

// Anomaly is a callback that could not be applied and awaits operator review.
type Anomaly struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey;column:id"`
	Kind              AnomalyKind   `json:"kind" gorm:"column:kind"`
	Provider          string        `json:"provider" gorm:"column:provider"`
	ProviderReference *string       `json:"provider_reference,omitempty" gorm:"column:provider_reference"`
	InvoiceID         *snowflake.ID `json:"invoice_id,omitempty" gorm:"column:invoice_id"`
	TransactionID     *snowflake.ID `json:"transaction_id,omitempty" gorm:"column:transaction_id"`
	CallbackID        *snowflake.ID `json:"callback_id,omitempty" gorm:"column:callback_id"`
	Detail            string        `json:"detail" gorm:"column:detail"`
	Status            AnomalyStatus `json:"status" gorm:"column:status"`
	Resolution        *string       `json:"resolution,omitempty" gorm:"column:resolution"`
	CreatedAt         time.Time     `json:"created_at" gorm:"column:created_at"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty" gorm:"column:resolved_at"`
}

func (Anomaly) TableName() string { return "payment_anomalies" }
