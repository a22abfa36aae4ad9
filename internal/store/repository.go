/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the ledger-service. By defining an interface,
 * we decouple the transfer execution logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/transfa/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// Account reads
	FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)

	// Transfer reads
	FindTransferByCode(ctx context.Context, code string) (*domain.Transfer, error)
	FindTransferByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Transfer, error)
	FindTransfersByAccountID(ctx context.Context, accountID string, limit, offset int) ([]domain.Transfer, error)

	// ExecuteTransfer applies a transfer as a single atomic unit: it re-checks
	// the idempotency key, locks both accounts, verifies funds, moves the
	// balances and inserts the COMPLETED transfer row, committing all of it or
	// none of it. On success it stamps transfer.CreatedAt from the database
	// clock and returns the post-transfer balances of both accounts.
	ExecuteTransfer(ctx context.Context, transfer *domain.Transfer) (fromBalance, toBalance int64, err error)

	// RecordFailedTransfer best-effort inserts a FAILED transfer row so that a
	// retry with the same idempotency key replays the failure instead of
	// re-attempting against a store in an unknown state.
	RecordFailedTransfer(ctx context.Context, transfer *domain.Transfer) error
}
