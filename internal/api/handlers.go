/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the transfer execution logic, mapping the
 * service's typed errors onto distinct HTTP status codes.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// idempotencyKeyHeader carries the client-chosen deduplication token. A blank
// header is rejected before the executor runs.
const idempotencyKeyHeader = "Idempotency-Key"

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service       *app.Service
	rateLimiter   *app.RedisTransferRateLimiter
	ratePerMinute int
	burnMaxMillis int
}

// NewLedgerHandlers creates a new instance of LedgerHandlers. rateLimiter may
// be nil when Redis is not configured; submission is then unthrottled.
func NewLedgerHandlers(service *app.Service, rateLimiter *app.RedisTransferRateLimiter, ratePerMinute, burnMaxMillis int) *LedgerHandlers {
	return &LedgerHandlers{
		service:       service,
		rateLimiter:   rateLimiter,
		ratePerMinute: ratePerMinute,
		burnMaxMillis: burnMaxMillis,
	}
}

// TransferHandler handles requests to execute a transfer between two accounts.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if idempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	if !h.allowSubmission(w, r) {
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.ExecuteTransfer(r.Context(), idempotencyKey, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrMissingIdempotencyKey),
			errors.Is(err, app.ErrMissingAccount),
			errors.Is(err, app.ErrSameAccount),
			errors.Is(err, app.ErrInvalidCurrency),
			errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "One or both accounts were not found for the requested currency")
		case errors.Is(err, store.ErrInsufficientFunds):
			h.writeError(w, http.StatusUnprocessableEntity, "Insufficient funds in the source account")
		default:
			h.writeError(w, http.StatusInternalServerError, "Transfer could not be completed")
		}
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

// GetAccountHandler returns one account with its current balance.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_account account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load account")
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// ListAccountsHandler returns every account.
func (h *LedgerHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_accounts err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load accounts")
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

// AccountTransfersHandler returns the transfer history for one account.
func (h *LedgerHandlers) AccountTransfersHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	transfers, err := h.service.ListAccountTransfers(r.Context(), accountID, limit, offset)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		log.Printf("level=error component=api endpoint=account_transfers account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load transfers")
		return
	}
	if transfers == nil {
		transfers = []domain.Transfer{}
	}
	h.writeJSON(w, http.StatusOK, transfers)
}

// GetTransferHandler returns one transfer, looked up by public code or by
// idempotency key.
func (h *LedgerHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	transfer, err := h.service.ResolveTransfer(r.Context(), ref)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_transfer ref=%s err=%v", ref, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load transfer")
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// BurnHandler spins the CPU for the requested number of milliseconds and
// reports how many iterations it got through. It exists for load and
// saturation experiments against the deployment, not for any ledger purpose.
func (h *LedgerHandlers) BurnHandler(w http.ResponseWriter, r *http.Request) {
	millis, err := strconv.Atoi(r.URL.Query().Get("ms"))
	if err != nil || millis <= 0 {
		millis = 100
	}
	if h.burnMaxMillis > 0 && millis > h.burnMaxMillis {
		millis = h.burnMaxMillis
	}

	deadline := time.Now().Add(time.Duration(millis) * time.Millisecond)
	var iterations uint64
	sink := 0
	for time.Now().Before(deadline) {
		for i := 0; i < 10000; i++ {
			sink += i * i
		}
		iterations++
	}
	_ = sink

	h.writeJSON(w, http.StatusOK, map[string]any{
		"burned_ms":  millis,
		"iterations": iterations,
	})
}

// allowSubmission applies the per-client transfer rate limit. Limiter errors
// fail open: a Redis outage must not take transfer submission down with it.
func (h *LedgerHandlers) allowSubmission(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil || h.ratePerMinute <= 0 {
		return true
	}

	subject := clientAddr(r)
	count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), "transfer_submit", subject, h.ratePerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api endpoint=transfer msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		return true
	}
	if count > h.ratePerMinute {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many transfer requests; slow down")
		return false
	}
	return true
}

func clientAddr(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
