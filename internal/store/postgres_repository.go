/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to read accounts and transfers and to apply a
 * transfer atomically: both balance mutations and the transfer row insert commit
 * together or roll back together.
 *
 * Concurrency notes:
 * - Both account rows are locked with SELECT ... FOR UPDATE in ascending id
 *   order, so two transfers touching the same pair of accounts in opposite
 *   directions cannot deadlock.
 * - The unique index on transfers.idempotency_key arbitrates concurrent
 *   submissions with the same key: the second transaction blocks on the first
 *   and then fails with a unique violation, which is surfaced as
 *   ErrDuplicateIdempotencyKey so the caller can fall back to the replay path.
 *
 * @dependencies
 * - context, errors, strings: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrTransferNotFound        = errors.New("transfer not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

const pgUniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindAccountByID retrieves a single account.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, owner_name, currency, balance, created_at, updated_at FROM accounts WHERE id = $1`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&account.ID, &account.OwnerName, &account.Currency, &account.Balance, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListAccounts retrieves every account, oldest first.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	query := `SELECT id, owner_name, currency, balance, created_at, updated_at FROM accounts ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var account domain.Account
		if err := rows.Scan(
			&account.ID, &account.OwnerName, &account.Currency, &account.Balance, &account.CreatedAt, &account.UpdatedAt,
		); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// FindTransferByCode retrieves a transfer by its public code.
func (r *PostgresRepository) FindTransferByCode(ctx context.Context, code string) (*domain.Transfer, error) {
	return r.findTransfer(ctx, `WHERE code = $1`, code)
}

// FindTransferByIdempotencyKey retrieves a transfer by the client-supplied key.
func (r *PostgresRepository) FindTransferByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Transfer, error) {
	return r.findTransfer(ctx, `WHERE idempotency_key = $1`, idempotencyKey)
}

func (r *PostgresRepository) findTransfer(ctx context.Context, where string, arg any) (*domain.Transfer, error) {
	var transfer domain.Transfer
	query := `
		SELECT code, idempotency_key, from_account_id, to_account_id, currency, amount, status, error_message, created_at
		FROM transfers ` + where
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&transfer.Code, &transfer.IdempotencyKey, &transfer.FromAccountID, &transfer.ToAccountID,
		&transfer.Currency, &transfer.Amount, &transfer.Status, &transfer.ErrorMessage, &transfer.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &transfer, nil
}

// FindTransfersByAccountID retrieves transfers touching one account, newest first.
func (r *PostgresRepository) FindTransfersByAccountID(ctx context.Context, accountID string, limit, offset int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT code, idempotency_key, from_account_id, to_account_id, currency, amount, status, error_message, created_at
		FROM transfers
		WHERE from_account_id = $1 OR to_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		var transfer domain.Transfer
		if err := rows.Scan(
			&transfer.Code, &transfer.IdempotencyKey, &transfer.FromAccountID, &transfer.ToAccountID,
			&transfer.Currency, &transfer.Amount, &transfer.Status, &transfer.ErrorMessage, &transfer.CreatedAt,
		); err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, rows.Err()
}

// ExecuteTransfer applies the transfer atomically. See the Repository contract
// for the full semantics.
func (r *PostgresRepository) ExecuteTransfer(ctx context.Context, transfer *domain.Transfer) (int64, int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transfer tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-check the idempotency key inside the transaction. The service layer
	// already checked before starting, but a concurrent request with the same
	// key may have committed in between.
	var existingCode string
	err = tx.QueryRow(ctx, `SELECT code FROM transfers WHERE idempotency_key = $1`, transfer.IdempotencyKey).Scan(&existingCode)
	if err == nil {
		return 0, 0, ErrDuplicateIdempotencyKey
	}
	if err != pgx.ErrNoRows {
		return 0, 0, fmt.Errorf("recheck idempotency key: %w", err)
	}

	// Lock both account rows in ascending id order so that concurrent
	// transfers on the same pair cannot deadlock.
	lockOrder := []string{transfer.FromAccountID, transfer.ToAccountID}
	if strings.Compare(lockOrder[0], lockOrder[1]) > 0 {
		lockOrder[0], lockOrder[1] = lockOrder[1], lockOrder[0]
	}
	balances := make(map[string]int64, 2)
	for _, id := range lockOrder {
		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT balance FROM accounts WHERE id = $1 AND currency = $2 FOR UPDATE`,
			id, transfer.Currency,
		).Scan(&balance)
		if err != nil {
			if err == pgx.ErrNoRows {
				// Missing account and currency mismatch are indistinguishable
				// here on purpose: both mean "no such account in this currency".
				return 0, 0, ErrAccountNotFound
			}
			return 0, 0, fmt.Errorf("lock account %s: %w", id, err)
		}
		balances[id] = balance
	}

	if balances[transfer.FromAccountID] < transfer.Amount {
		return 0, 0, ErrInsufficientFunds
	}

	var fromBalance, toBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = NOW() WHERE id = $2 RETURNING balance`,
		transfer.Amount, transfer.FromAccountID,
	).Scan(&fromBalance)
	if err != nil {
		return 0, 0, fmt.Errorf("debit account %s: %w", transfer.FromAccountID, err)
	}
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance`,
		transfer.Amount, transfer.ToAccountID,
	).Scan(&toBalance)
	if err != nil {
		return 0, 0, fmt.Errorf("credit account %s: %w", transfer.ToAccountID, err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO transfers (code, idempotency_key, from_account_id, to_account_id, currency, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`,
		transfer.Code, transfer.IdempotencyKey, transfer.FromAccountID, transfer.ToAccountID,
		transfer.Currency, transfer.Amount, transfer.Status,
	).Scan(&transfer.CreatedAt)
	if err != nil {
		if isIdempotencyKeyViolation(err) {
			return 0, 0, ErrDuplicateIdempotencyKey
		}
		return 0, 0, fmt.Errorf("insert transfer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isIdempotencyKeyViolation(err) {
			return 0, 0, ErrDuplicateIdempotencyKey
		}
		return 0, 0, fmt.Errorf("commit transfer: %w", err)
	}
	return fromBalance, toBalance, nil
}

// RecordFailedTransfer inserts a FAILED transfer row. ON CONFLICT DO NOTHING
// keeps it safe to call after losing an idempotency race.
func (r *PostgresRepository) RecordFailedTransfer(ctx context.Context, transfer *domain.Transfer) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO transfers (code, idempotency_key, from_account_id, to_account_id, currency, amount, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at
	`,
		transfer.Code, transfer.IdempotencyKey, transfer.FromAccountID, transfer.ToAccountID,
		transfer.Currency, transfer.Amount, transfer.Status, transfer.ErrorMessage,
	).Scan(&transfer.CreatedAt)
	if err == pgx.ErrNoRows {
		// Another request already recorded an outcome for this key.
		return nil
	}
	return err
}

func isIdempotencyKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && strings.Contains(pgErr.ConstraintName, "idempotency_key")
}
