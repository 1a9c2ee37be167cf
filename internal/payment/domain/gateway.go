package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// InitiateRequest hands a new transaction to the external payment contract.
type InitiateRequest struct {
	TransactionID snowflake.ID `json:"transaction_id"`
	InvoiceID     snowflake.ID `json:"invoice_id"`
	UserUUID      string       `json:"user_uuid"`
	Provider      string       `json:"provider"`
	Amount        int64        `json:"amount"`
	Currency      string       `json:"currency"`
	Attempt       int          `json:"attempt"`
}

// Gateway starts a collection with a provider. It returns the provider
// reference when the provider assigns one synchronously, or an empty string
// when the reference only arrives with the callback.
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (string, error)
}
