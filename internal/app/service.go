/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct owns transfer execution: request validation, idempotency-key resolution,
 * the call into the store's atomic unit, and the mapping of storage failures into
 * the service's error taxonomy.
 *
 * Key guarantees:
 * - A given idempotency key produces exactly one transfer record, no matter how
 *   many times or how concurrently it is submitted. The first committer wins;
 *   every other submission replays the recorded outcome.
 * - Balance mutations and the transfer record are visible atomically; a failed
 *   transfer never leaves a partial debit or credit behind.
 *
 * @dependencies
 * - context, errors, fmt, log: Standard Go libraries.
 * - github.com/google/uuid: For transfer code generation (UUIDv7, time-ordered).
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For publishing transfer outcome events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

// Validation errors. These are detected before any storage access and never
// produce a transfer record.
var (
	ErrMissingAccount        = errors.New("both account ids are required")
	ErrSameAccount           = errors.New("source and destination accounts must differ")
	ErrInvalidAmount         = errors.New("amount must be a positive integer of minor units")
	ErrInvalidCurrency       = errors.New("currency must be a 3-letter uppercase code")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
)

// ErrTransferFailed is the single generic failure surfaced for unexpected
// storage faults. The underlying cause is logged, never propagated.
var ErrTransferFailed = errors.New("transfer could not be completed")

// Service provides the core business logic for the ledger.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
}

// NewService creates a new ledger service instance. producer may be nil when
// no broker is configured; outcome events are then skipped.
func NewService(repo store.Repository, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:          repo,
		eventProducer: producer,
	}
}

// ExecuteTransfer applies one client-submitted transfer exactly once.
// Replayed submissions return the stored transfer's fields; the balance
// fields are left unset because the record does not capture live balances.
func (s *Service) ExecuteTransfer(ctx context.Context, idempotencyKey string, req domain.TransferRequest) (*domain.TransferResult, error) {
	if err := validateTransferRequest(idempotencyKey, req); err != nil {
		return nil, err
	}

	// Idempotency resolver: a read-only pre-check. The store re-checks inside
	// the atomic unit, so a race here only costs one round trip.
	existing, err := s.repo.FindTransferByIdempotencyKey(ctx, idempotencyKey)
	if err == nil {
		log.Printf("level=info component=ledger outcome=replay idempotency_key=%s code=%s status=%s", idempotencyKey, existing.Code, existing.Status)
		return replayResult(existing), nil
	}
	if !errors.Is(err, store.ErrTransferNotFound) {
		log.Printf("level=error component=ledger msg=\"idempotency lookup failed\" idempotency_key=%s err=%v", idempotencyKey, err)
		return nil, fmt.Errorf("%w: idempotency lookup", ErrTransferFailed)
	}

	transfer := &domain.Transfer{
		Code:           newTransferCode(),
		IdempotencyKey: idempotencyKey,
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		Status:         domain.TransferStatusCompleted,
	}

	fromBalance, toBalance, err := s.repo.ExecuteTransfer(ctx, transfer)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateIdempotencyKey):
			// Lost the race to a concurrent submission with the same key.
			// The winner's record is the outcome for every caller.
			winner, lookupErr := s.repo.FindTransferByIdempotencyKey(ctx, idempotencyKey)
			if lookupErr != nil {
				log.Printf("level=error component=ledger msg=\"replay lookup after key conflict failed\" idempotency_key=%s err=%v", idempotencyKey, lookupErr)
				return nil, fmt.Errorf("%w: replay lookup", ErrTransferFailed)
			}
			log.Printf("level=info component=ledger outcome=replay reason=key_conflict idempotency_key=%s code=%s", idempotencyKey, winner.Code)
			return replayResult(winner), nil
		case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrInsufficientFunds):
			// Business-rule rejections: no mutation happened and no record is
			// written for these paths.
			log.Printf("level=warn component=ledger outcome=reject idempotency_key=%s from=%s to=%s currency=%s amount=%d err=%v",
				idempotencyKey, req.FromAccountID, req.ToAccountID, req.Currency, req.Amount, err)
			return nil, err
		default:
			log.Printf("level=error component=ledger outcome=fault idempotency_key=%s from=%s to=%s currency=%s amount=%d err=%v",
				idempotencyKey, req.FromAccountID, req.ToAccountID, req.Currency, req.Amount, err)
			s.recordFailure(ctx, transfer, err)
			s.publishOutcome(ctx, "transfer.failed", transfer)
			return nil, ErrTransferFailed
		}
	}

	s.publishOutcome(ctx, "transfer.completed", transfer)

	result := replayResult(transfer)
	result.Replayed = false
	result.FromBalance = &fromBalance
	result.ToBalance = &toBalance
	return result, nil
}

// ResolveTransfer looks a transfer up by its public code first, then by
// idempotency key, so callers can use whichever reference they kept.
func (s *Service) ResolveTransfer(ctx context.Context, ref string) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByCode(ctx, ref)
	if err == nil {
		return transfer, nil
	}
	if !errors.Is(err, store.ErrTransferNotFound) {
		return nil, err
	}
	return s.repo.FindTransferByIdempotencyKey(ctx, ref)
}

// GetAccount retrieves one account with its current balance.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, accountID)
}

// ListAccounts retrieves every account.
func (s *Service) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.repo.ListAccounts(ctx)
}

// ListAccountTransfers retrieves the transfer history touching one account,
// newest first. The account must exist.
func (s *Service) ListAccountTransfers(ctx context.Context, accountID string, limit, offset int) ([]domain.Transfer, error) {
	if _, err := s.repo.FindAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	return s.repo.FindTransfersByAccountID(ctx, accountID, limit, offset)
}

// recordFailure best-effort persists a FAILED transfer row so a retry with
// the same key replays the failure instead of re-attempting indefinitely.
// Its own errors are logged and swallowed: the primary outcome (a generic
// failure response) has already been determined.
func (s *Service) recordFailure(ctx context.Context, transfer *domain.Transfer, cause error) {
	message := cause.Error()
	failed := &domain.Transfer{
		Code:           transfer.Code,
		IdempotencyKey: transfer.IdempotencyKey,
		FromAccountID:  transfer.FromAccountID,
		ToAccountID:    transfer.ToAccountID,
		Currency:       transfer.Currency,
		Amount:         transfer.Amount,
		Status:         domain.TransferStatusFailed,
		ErrorMessage:   &message,
	}
	if err := s.repo.RecordFailedTransfer(ctx, failed); err != nil {
		log.Printf("level=warn component=ledger msg=\"failure record insert failed\" idempotency_key=%s err=%v", transfer.IdempotencyKey, err)
	}
	transfer.Status = domain.TransferStatusFailed
	transfer.ErrorMessage = &message
	transfer.CreatedAt = failed.CreatedAt
}

// publishOutcome emits a transfer outcome event. Publishing failures are
// logged, never propagated: the ledger is the source of truth, events are
// advisory.
func (s *Service) publishOutcome(ctx context.Context, routingKey string, transfer *domain.Transfer) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.TransferEvent{
		Code:          transfer.Code,
		FromAccountID: transfer.FromAccountID,
		ToAccountID:   transfer.ToAccountID,
		Currency:      transfer.Currency,
		Amount:        transfer.Amount,
		Status:        transfer.Status,
		OccurredAt:    transfer.CreatedAt,
	}
	if err := s.eventProducer.PublishTransferEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=ledger msg=\"event publish failed\" routing_key=%s code=%s err=%v", routingKey, transfer.Code, err)
	}
}

func validateTransferRequest(idempotencyKey string, req domain.TransferRequest) error {
	if strings.TrimSpace(idempotencyKey) == "" {
		return ErrMissingIdempotencyKey
	}
	if req.FromAccountID == "" || req.ToAccountID == "" {
		return ErrMissingAccount
	}
	if req.FromAccountID == req.ToAccountID {
		return ErrSameAccount
	}
	if !domain.ValidCurrency(req.Currency) {
		return ErrInvalidCurrency
	}
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func replayResult(transfer *domain.Transfer) *domain.TransferResult {
	return &domain.TransferResult{
		Code:      transfer.Code,
		Status:    transfer.Status,
		Currency:  transfer.Currency,
		Amount:    transfer.Amount,
		CreatedAt: transfer.CreatedAt,
		Replayed:  true,
	}
}

// newTransferCode returns a time-ordered public reference for a transfer.
// UUIDv7 sorts by creation time; the random v4 fallback only matters if the
// system clock is unusable.
func newTransferCode() string {
	code, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return code.String()
}
