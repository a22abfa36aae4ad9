package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// memoryRepository is a minimal store.Repository for exercising the HTTP
// surface end to end without a database.
type memoryRepository struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	byKey    map[string]*domain.Transfer
	byCode   map[string]*domain.Transfer
}

func newMemoryRepository(accounts ...*domain.Account) *memoryRepository {
	repo := &memoryRepository{
		accounts: make(map[string]*domain.Account),
		byKey:    make(map[string]*domain.Transfer),
		byCode:   make(map[string]*domain.Transfer),
	}
	for _, account := range accounts {
		repo.accounts[account.ID] = account
	}
	return repo
}

func (r *memoryRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *memoryRepository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var accounts []domain.Account
	for _, account := range r.accounts {
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

func (r *memoryRepository) FindTransferByCode(ctx context.Context, code string) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.byCode[code]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	copied := *transfer
	return &copied, nil
}

func (r *memoryRepository) FindTransferByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.byKey[idempotencyKey]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	copied := *transfer
	return &copied, nil
}

func (r *memoryRepository) FindTransfersByAccountID(ctx context.Context, accountID string, limit, offset int) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var transfers []domain.Transfer
	for _, transfer := range r.byKey {
		if transfer.FromAccountID == accountID || transfer.ToAccountID == accountID {
			transfers = append(transfers, *transfer)
		}
	}
	return transfers, nil
}

func (r *memoryRepository) ExecuteTransfer(ctx context.Context, transfer *domain.Transfer) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[transfer.IdempotencyKey]; exists {
		return 0, 0, store.ErrDuplicateIdempotencyKey
	}
	from, ok := r.accounts[transfer.FromAccountID]
	if !ok || from.Currency != transfer.Currency {
		return 0, 0, store.ErrAccountNotFound
	}
	to, ok := r.accounts[transfer.ToAccountID]
	if !ok || to.Currency != transfer.Currency {
		return 0, 0, store.ErrAccountNotFound
	}
	if from.Balance < transfer.Amount {
		return 0, 0, store.ErrInsufficientFunds
	}
	from.Balance -= transfer.Amount
	to.Balance += transfer.Amount
	transfer.CreatedAt = time.Now().UTC()
	stored := *transfer
	r.byKey[transfer.IdempotencyKey] = &stored
	r.byCode[transfer.Code] = &stored
	return from.Balance, to.Balance, nil
}

func (r *memoryRepository) RecordFailedTransfer(ctx context.Context, transfer *domain.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[transfer.IdempotencyKey]; exists {
		return nil
	}
	transfer.CreatedAt = time.Now().UTC()
	stored := *transfer
	r.byKey[transfer.IdempotencyKey] = &stored
	r.byCode[transfer.Code] = &stored
	return nil
}

func newTestServer(accounts ...*domain.Account) (*httptest.Server, *memoryRepository) {
	repo := newMemoryRepository(accounts...)
	service := app.NewService(repo, nil)
	handlers := NewLedgerHandlers(service, nil, 0, 500)
	return httptest.NewServer(LedgerRoutes(handlers)), repo
}

func postTransfer(t *testing.T, server *httptest.Server, key string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, server.URL+"/transfers", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("sending request: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

const transferBody = `{"from_account_id":"acc-alice","to_account_id":"acc-bob","currency":"BRL","amount":1500}`

func seedAccounts() []*domain.Account {
	return []*domain.Account{
		{ID: "acc-alice", OwnerName: "Alice Souza", Currency: "BRL", Balance: 20000},
		{ID: "acc-bob", OwnerName: "Bob Lima", Currency: "BRL", Balance: 5000},
	}
}

func TestTransferEndpoint_CreatesAndReplays(t *testing.T) {
	server, _ := newTestServer(seedAccounts()...)
	defer server.Close()

	resp := postTransfer(t, server, "k1", transferBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 on first submission, got %d", resp.StatusCode)
	}
	first := decodeBody[domain.TransferResult](t, resp)
	if first.Status != domain.TransferStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", first.Status)
	}
	if first.FromBalance == nil || *first.FromBalance != 18500 {
		t.Fatalf("expected from_balance 18500, got %v", first.FromBalance)
	}
	if first.ToBalance == nil || *first.ToBalance != 6500 {
		t.Fatalf("expected to_balance 6500, got %v", first.ToBalance)
	}

	resp = postTransfer(t, server, "k1", transferBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", resp.StatusCode)
	}
	replay := decodeBody[domain.TransferResult](t, resp)
	if replay.Code != first.Code {
		t.Fatalf("replay returned different code: %s vs %s", replay.Code, first.Code)
	}
	if !replay.Replayed {
		t.Fatal("replay response must be marked replayed")
	}
	if replay.FromBalance != nil || replay.ToBalance != nil {
		t.Fatal("replay response must not carry balances")
	}
}

func TestTransferEndpoint_RequiresIdempotencyKey(t *testing.T) {
	server, _ := newTestServer(seedAccounts()...)
	defer server.Close()

	resp := postTransfer(t, server, "", transferBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d", resp.StatusCode)
	}
}

func TestTransferEndpoint_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		body       string
		wantStatus int
	}{
		{
			name:       "self transfer",
			key:        "k-self",
			body:       `{"from_account_id":"acc-alice","to_account_id":"acc-alice","currency":"BRL","amount":100}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad currency",
			key:        "k-cur",
			body:       `{"from_account_id":"acc-alice","to_account_id":"acc-bob","currency":"real","amount":100}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non-positive amount",
			key:        "k-amt",
			body:       `{"from_account_id":"acc-alice","to_account_id":"acc-bob","currency":"BRL","amount":0}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			key:        "k-json",
			body:       `{"from_account_id":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown account",
			key:        "k-404",
			body:       `{"from_account_id":"acc-alice","to_account_id":"acc-ghost","currency":"BRL","amount":100}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "insufficient funds",
			key:        "k-broke",
			body:       `{"from_account_id":"acc-bob","to_account_id":"acc-alice","currency":"BRL","amount":999999}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	server, repo := newTestServer(seedAccounts()...)
	defer server.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postTransfer(t, server, tt.key, tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.byKey) != 0 {
		t.Fatalf("rejections must not write transfer records, found %d", len(repo.byKey))
	}
	if repo.accounts["acc-alice"].Balance != 20000 || repo.accounts["acc-bob"].Balance != 5000 {
		t.Fatal("rejections must not move funds")
	}
}

func TestAccountEndpoints(t *testing.T) {
	server, _ := newTestServer(seedAccounts()...)
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/accounts/acc-alice")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	account := decodeBody[domain.Account](t, resp)
	if account.ID != "acc-alice" || account.Balance != 20000 {
		t.Fatalf("unexpected account payload: %+v", account)
	}

	resp, err = server.Client().Get(server.URL + "/accounts/acc-ghost")
	if err != nil {
		t.Fatalf("get missing account: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", resp.StatusCode)
	}

	resp, err = server.Client().Get(server.URL + "/accounts")
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	accounts := decodeBody[[]domain.Account](t, resp)
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
}

func TestTransferLookupEndpoint(t *testing.T) {
	server, _ := newTestServer(seedAccounts()...)
	defer server.Close()

	resp := postTransfer(t, server, "k-find", transferBody)
	created := decodeBody[domain.TransferResult](t, resp)

	for _, ref := range []string{created.Code, "k-find"} {
		resp, err := server.Client().Get(server.URL + "/transfers/" + ref)
		if err != nil {
			t.Fatalf("lookup %s: %v", ref, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", ref, resp.StatusCode)
		}
		transfer := decodeBody[domain.Transfer](t, resp)
		if transfer.Code != created.Code {
			t.Fatalf("lookup by %s returned wrong transfer: %s", ref, transfer.Code)
		}
	}

	resp2, err := server.Client().Get(server.URL + "/transfers/unknown-ref")
	if err != nil {
		t.Fatalf("lookup unknown: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown ref, got %d", resp2.StatusCode)
	}
}

func TestAccountTransfersEndpoint(t *testing.T) {
	server, _ := newTestServer(seedAccounts()...)
	defer server.Close()

	for i := 0; i < 3; i++ {
		resp := postTransfer(t, server, fmt.Sprintf("k-hist-%d", i), transferBody)
		resp.Body.Close()
	}

	resp, err := server.Client().Get(server.URL + "/accounts/acc-alice/transfers")
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	transfers := decodeBody[[]domain.Transfer](t, resp)
	if len(transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(transfers))
	}
}

func TestHealthAndBurnEndpoints(t *testing.T) {
	server, _ := newTestServer(seedAccounts()...)
	defer server.Close()

	resp, err := server.Client().Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	health := decodeBody[map[string]string](t, resp)
	if health["status"] != "ok" {
		t.Fatalf("expected ok health, got %v", health)
	}

	resp, err = server.Client().Get(server.URL + "/burn?ms=10")
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	burn := decodeBody[map[string]any](t, resp)
	if burn["burned_ms"].(float64) != 10 {
		t.Fatalf("expected burned_ms 10, got %v", burn["burned_ms"])
	}

	// Burn duration is clamped to the configured ceiling (500ms in tests).
	resp, err = server.Client().Get(server.URL + "/burn?ms=999999")
	if err != nil {
		t.Fatalf("burn clamp: %v", err)
	}
	clamped := decodeBody[map[string]any](t, resp)
	if clamped["burned_ms"].(float64) != 500 {
		t.Fatalf("expected burn clamp to 500, got %v", clamped["burned_ms"])
	}
}
