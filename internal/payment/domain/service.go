package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// CallbackResult reports what a callback did to the ledger.
type CallbackResult struct {
	CallbackID    snowflake.ID  `json:"callback_id"`
	Outcome       Outcome       `json:"outcome"`
	TransactionID *snowflake.ID `json:"transaction_id,omitempty"`
	InvoiceID     *snowflake.ID `json:"invoice_id,omitempty"`
	AnomalyKind   AnomalyKind   `json:"anomaly_kind,omitempty"`
}

type RematchResult struct {
	Scanned   int `json:"scanned"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
}

type Service interface {
	// HandleCallback verifies, logs and applies a raw provider callback.
	HandleCallback(ctx context.Context, provider string, payload []byte, headers http.Header) (CallbackResult, error)
	// ProcessCallback logs and applies an already normalized callback.
	ProcessCallback(ctx context.Context, callback Callback) (CallbackResult, error)
	// Rematch retries unmatched callbacks received within the rematch window.
	Rematch(ctx context.Context) (RematchResult, error)
	ListTransactions(ctx context.Context, invoiceID snowflake.ID) ([]Transaction, error)
	ListAnomalies(ctx context.Context, status AnomalyStatus, limit int) ([]Anomaly, error)
	ResolveAnomaly(ctx context.Context, id snowflake.ID, resolution string) (Anomaly, error)
}
