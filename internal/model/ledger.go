package model

import (
	"time"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxUsage      TransactionType = "usage"
	TxPurchase   TransactionType = "purchase"
	TxRefund     TransactionType = "refund"
	TxAdjustment TransactionType = "adjustment"
)

// Transaction is one signed movement of a user's credit balance. The balance
// is never written outside the ledger, so the sum of a user's deltas always
// equals the stored balance.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        TransactionType `json:"type"`
	Delta       int64           `json:"delta"`
	Status      string          `json:"status"`
	Description string          `json:"description"`
	Reference   *string         `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// CleanupRecord captures one cleanup run for observability. Append-only.
type CleanupRecord struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	SessionsReaped int       `json:"sessionsReaped"`
	JobsReaped     int       `json:"jobsReaped"`
	BlobsDeleted   int       `json:"blobsDeleted"`
	Errors         []string  `json:"errors,omitempty"`
}
