/**
 * @description
 * This file defines the core domain models for the ledger-service: accounts,
 * transfers, and the request/response shapes used by the API layer.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents/kobo),
 *   which avoids floating-point inaccuracies with financial data.
 * - Transfers are append-only ledger entries: once a row is written with a
 *   terminal status it is never updated or deleted.
 */

package domain

import (
	"time"
)

// Transfer statuses. REVERSED is reserved in the schema for future reversal
// support; no operation in this service produces it.
const (
	TransferStatusCompleted = "COMPLETED"
	TransferStatusFailed    = "FAILED"
	TransferStatusReversed  = "REVERSED"
)

// Account represents a ledger account holding a balance in minor units.
// Accounts are created out-of-band (seed SQL); this service only ever
// mutates the balance inside a transfer's atomic step.
type Account struct {
	ID        string    `json:"id"`
	OwnerName string    `json:"owner_name"`
	Currency  string    `json:"currency"`
	Balance   int64     `json:"balance"` // in minor units, never negative
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transfer represents one ledger entry for money moved between two accounts.
// This struct maps directly to the `transfers` table.
type Transfer struct {
	Code           string    `json:"code"` // time-ordered public reference (UUIDv7)
	IdempotencyKey string    `json:"idempotency_key"`
	FromAccountID  string    `json:"from_account_id"`
	ToAccountID    string    `json:"to_account_id"`
	Currency       string    `json:"currency"`
	Amount         int64     `json:"amount"` // in minor units, always > 0
	Status         string    `json:"status"`
	ErrorMessage   *string   `json:"error_message,omitempty"` // set only when status=FAILED
	CreatedAt      time.Time `json:"created_at"`
}

// TransferRequest is the DTO for incoming transfer API requests. The
// idempotency key travels in the Idempotency-Key header, not the body.
type TransferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Currency      string `json:"currency"`
	Amount        int64  `json:"amount"` // in minor units
}

// TransferResult is returned to the caller after a transfer is executed or
// replayed. FromBalance/ToBalance are populated only on fresh executions: a
// replayed response reports the stored transfer's fields, not live balances.
type TransferResult struct {
	Code        string    `json:"code"`
	Status      string    `json:"status"`
	Currency    string    `json:"currency"`
	Amount      int64     `json:"amount"`
	FromBalance *int64    `json:"from_balance,omitempty"`
	ToBalance   *int64    `json:"to_balance,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Replayed    bool      `json:"replayed"`
}

// ValidCurrency reports whether code is a well-formed 3-letter uppercase
// ISO-4217 style currency code. It does not check the code against a
// currency table; accounts are the source of truth for which currencies
// actually exist.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}
