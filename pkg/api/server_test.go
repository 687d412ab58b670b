package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ledger-core/pkg/auth"
	"ledger-core/pkg/ledger"
	ledgermemory "ledger-core/pkg/ledger/memory"
	"ledger-core/pkg/ledger/mock"
	"ledger-core/pkg/logging"
	"ledger-core/pkg/settlement"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

const testSecret = "api-test-secret"

type testEnv struct {
	server *Server
	store  *ledgermemory.Store
	token  string
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	store := ledgermemory.NewStore(ledgermemory.StoreConfig{})
	ctx := context.Background()
	store.CreateAccount(ctx, &ledger.Account{ID: "A1", OwnerID: "U1", Balance: 50000})
	store.CreateAccount(ctx, &ledger.Account{ID: "A2", OwnerID: "U2", Balance: 1000})

	engine := settlement.New(store)

	registry := prometheus.NewRegistry()
	config := DefaultServerConfig()
	config.Registerer = registry
	config.Gatherer = registry

	server, err := NewServer(engine, store, auth.NewVerifier(testSecret), config)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	token, err := auth.NewIssuer(testSecret, time.Hour).Issue("U1", "alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	return &testEnv{server: server, store: store, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	engine := settlement.New(mock.NewMockStore("mock"))
	if _, err := NewServer(nil, nil, auth.NewVerifier("s"), DefaultServerConfig()); err == nil {
		t.Error("Expected error without engine")
	}
	if _, err := NewServer(engine, nil, nil, DefaultServerConfig()); err == nil {
		t.Error("Expected error without verifier")
	}
}

func TestServer_Health(t *testing.T) {
	env := setupTestServer(t)
	env.token = ""

	w := env.do(t, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	decode(t, w, &response)
	if response["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", response["status"])
	}
}

func TestServer_Metrics(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, http.MethodGet, "/health", "", "")

	w := env.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "api_http_requests_total") {
		t.Errorf("Expected HTTP request metrics in output")
	}
}

func TestServer_RequiresToken(t *testing.T) {
	env := setupTestServer(t)

	env.token = ""
	if w := env.do(t, http.MethodGet, "/api/accounts", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}

	env.token = "garbage"
	if w := env.do(t, http.MethodGet, "/api/accounts", "", ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with invalid token, got %d", w.Code)
	}
}

func TestServer_QRISPayment(t *testing.T) {
	env := setupTestServer(t)
	body := `{"amount": 15000, "merchantName": "Toko Kopi", "sourceAccountId": "A1"}`

	w := env.do(t, http.MethodPost, "/api/transactions/qris", body, "pay-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get(HeaderReplayed) != "" {
		t.Error("Fresh payment must not be marked as replayed")
	}

	var resp paymentResponse
	decode(t, w, &resp)
	if resp.Message != "payment succeeded" {
		t.Errorf("Unexpected message %q", resp.Message)
	}
	if resp.Data.UpdatedAccount.Balance != 35000 {
		t.Errorf("Expected balance 35000, got %d", resp.Data.UpdatedAccount.Balance)
	}
	if resp.Data.NewTransaction.Amount != -15000 || resp.Data.NewTransaction.Label != "QRIS payment: Toko Kopi" {
		t.Errorf("Unexpected transaction %+v", resp.Data.NewTransaction)
	}

	// Same key replays with 200 and no second debit.
	w = env.do(t, http.MethodPost, "/api/transactions/qris", body, "pay-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on replay, got %d", w.Code)
	}
	if w.Header().Get(HeaderReplayed) != "true" {
		t.Error("Expected replay header")
	}
	acct, _ := env.store.GetAccount(context.Background(), "A1")
	if acct.Balance != 35000 {
		t.Errorf("Replay debited again, balance %d", acct.Balance)
	}
}

func TestServer_QRISPaymentFailures(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		key        string
		status     int
		code       string
		retryAfter bool
	}{
		{"malformed body", `{"amount":`, "k1", http.StatusBadRequest, "InvalidRequest", false},
		{"missing amount", `{"merchantName":"M","sourceAccountId":"A1"}`, "k2", http.StatusBadRequest, "InvalidAmount", false},
		{"fractional amount", `{"amount":12.5,"merchantName":"M","sourceAccountId":"A1"}`, "k3", http.StatusBadRequest, "InvalidAmount", false},
		{"string amount", `{"amount":"100","merchantName":"M","sourceAccountId":"A1"}`, "k4", http.StatusBadRequest, "InvalidAmount", false},
		{"zero amount", `{"amount":0,"merchantName":"M","sourceAccountId":"A1"}`, "k5", http.StatusBadRequest, "InvalidAmount", false},
		{"blank merchant", `{"amount":100,"merchantName":"  ","sourceAccountId":"A1"}`, "k6", http.StatusBadRequest, "InvalidRequest", false},
		{"missing key", `{"amount":100,"merchantName":"M","sourceAccountId":"A1"}`, "", http.StatusBadRequest, "InvalidRequest", false},
		{"unknown account", `{"amount":100,"merchantName":"M","sourceAccountId":"nope"}`, "k7", http.StatusNotFound, "AccountNotFound", false},
		{"foreign account", `{"amount":100,"merchantName":"M","sourceAccountId":"A2"}`, "k8", http.StatusNotFound, "AccountNotFound", false},
		{"insufficient funds", `{"amount":50001,"merchantName":"M","sourceAccountId":"A1"}`, "k9", http.StatusConflict, "InsufficientFunds", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)

			w := env.do(t, http.MethodPost, "/api/transactions/qris", tt.body, tt.key)
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if got := w.Header().Get("Retry-After") != ""; got != tt.retryAfter {
				t.Errorf("Retry-After present = %v, want %v", got, tt.retryAfter)
			}

			var resp errorResponse
			decode(t, w, &resp)
			if resp.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, resp.Code)
			}
		})
	}
}

func TestServer_NotFoundAndNotOwnedLookAlike(t *testing.T) {
	env := setupTestServer(t)

	missing := env.do(t, http.MethodPost, "/api/transactions/qris", `{"amount":1,"merchantName":"M","sourceAccountId":"nope"}`, "a")
	foreign := env.do(t, http.MethodPost, "/api/transactions/qris", `{"amount":1,"merchantName":"M","sourceAccountId":"A2"}`, "b")

	if missing.Body.String() != foreign.Body.String() {
		t.Errorf("Responses differ:\nmissing: %s\nforeign: %s", missing.Body.String(), foreign.Body.String())
	}
}

func TestServer_StoreFailuresMapTo503(t *testing.T) {
	store := mock.NewMockStore("down")
	store.GetAccountFunc = func(ctx context.Context, accountID string) (*ledger.Account, error) {
		return nil, ledger.Fail(ledger.KindStoreUnavailable, "connection refused")
	}

	registry := prometheus.NewRegistry()
	config := DefaultServerConfig()
	config.Registerer = registry
	config.Gatherer = registry
	server, err := NewServer(settlement.New(store), nil, auth.NewVerifier(testSecret), config)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	token, _ := auth.NewIssuer(testSecret, time.Hour).Issue("U1", "alice")
	env := &testEnv{server: server, token: token}

	w := env.do(t, http.MethodPost, "/api/transactions/qris", `{"amount":1,"merchantName":"M","sourceAccountId":"A1"}`, "k1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After on 503")
	}

	// Without a reader the list endpoints are unavailable too.
	if w := env.do(t, http.MethodGet, "/api/accounts", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 for accounts without reader, got %d", w.Code)
	}
}

func TestServer_CommitConflictMapsTo409WithRetryAfter(t *testing.T) {
	store := mock.NewMockStore("conflicted")
	store.GetAccountFunc = func(ctx context.Context, accountID string) (*ledger.Account, error) {
		return &ledger.Account{ID: accountID, OwnerID: "U1", Balance: 100}, nil
	}
	store.DebitAndAppendFunc = func(ctx context.Context, accountID string, amount int64, tx *ledger.Transaction) (*ledger.Account, error) {
		return nil, ledger.Fail(ledger.KindCommitConflict, "serialization failure")
	}

	sc := settlement.DefaultConfig()
	sc.MaxCommitRetries = 0
	engine, _ := settlement.NewWithConfig(sc, store)

	registry := prometheus.NewRegistry()
	config := DefaultServerConfig()
	config.Registerer = registry
	config.Gatherer = registry
	server, _ := NewServer(engine, nil, auth.NewVerifier(testSecret), config)
	token, _ := auth.NewIssuer(testSecret, time.Hour).Issue("U1", "alice")
	env := &testEnv{server: server, token: token}

	w := env.do(t, http.MethodPost, "/api/transactions/qris", `{"amount":1,"merchantName":"M","sourceAccountId":"A1"}`, "k1")
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After on commit conflict")
	}
}

func TestServer_ListAccounts(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/accounts", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var accounts []ledger.Account
	decode(t, w, &accounts)
	if len(accounts) != 1 || accounts[0].ID != "A1" {
		t.Errorf("Expected only the caller's account, got %+v", accounts)
	}
}

func TestServer_ListTransactions(t *testing.T) {
	env := setupTestServer(t)

	for i, key := range []string{"t1", "t2", "t3"} {
		body := `{"amount":` + string(rune('1'+i)) + `00,"merchantName":"M","sourceAccountId":"A1"}`
		if w := env.do(t, http.MethodPost, "/api/transactions/qris", body, key); w.Code != http.StatusCreated {
			t.Fatalf("Payment %s failed: %d %s", key, w.Code, w.Body.String())
		}
	}

	w := env.do(t, http.MethodGet, "/api/transactions?limit=2", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var txs []ledger.Transaction
	decode(t, w, &txs)
	if len(txs) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Amount != -300 {
		t.Errorf("Expected newest first, got %+v", txs[0])
	}

	if w := env.do(t, http.MethodGet, "/api/transactions?limit=-1", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative limit, got %d", w.Code)
	}
}

func TestServer_CORS(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/transactions/qris", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Idempotency-Key")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected wildcard allow-origin, got %q", got)
	}
}

func TestServer_SharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	config := DefaultServerConfig()
	config.Registerer = registry
	config.Gatherer = registry

	engine := settlement.New(mock.NewMockStore("mock"))
	for i := 0; i < 2; i++ {
		if _, err := NewServer(engine, nil, auth.NewVerifier("s"), config); err != nil {
			t.Fatalf("Server %d: %v", i, err)
		}
	}
}

func TestServer_RequestIDReachesFailureLogs(t *testing.T) {
	store := mock.NewMockStore("down")
	store.GetAccountFunc = func(ctx context.Context, accountID string) (*ledger.Account, error) {
		return nil, ledger.Fail(ledger.KindStoreUnavailable, "connection refused")
	}

	logger, logs := logging.NewObservedLogger(zapcore.InfoLevel)
	registry := prometheus.NewRegistry()
	config := DefaultServerConfig()
	config.Registerer = registry
	config.Gatherer = registry
	config.Logger = logger
	server, err := NewServer(settlement.New(store), nil, auth.NewVerifier(testSecret), config)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	token, _ := auth.NewIssuer(testSecret, time.Hour).Issue("U1", "alice")
	req := httptest.NewRequest(http.MethodPost, "/api/transactions/qris",
		strings.NewReader(`{"amount":1,"merchantName":"M","sourceAccountId":"A1"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderIdempotencyKey, "k1")
	req.Header.Set(HeaderRequestID, "req-42")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	if got := w.Header().Get(HeaderRequestID); got != "req-42" {
		t.Errorf("Expected request id echoed, got %q", got)
	}

	for _, msg := range []string{"request failed", "request"} {
		entries := logs.FilterMessage(msg).All()
		if len(entries) != 1 {
			t.Fatalf("Expected one %q entry, got %d", msg, len(entries))
		}
		if entries[0].ContextMap()["request_id"] != "req-42" {
			t.Errorf("Expected request_id on %q, got %v", msg, entries[0].ContextMap())
		}
	}
}

func TestServer_GeneratesRequestID(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/health", "", "")
	if w.Header().Get(HeaderRequestID) == "" {
		t.Error("Expected a generated request id")
	}
}

func TestGetEndpoint_UnmatchedRoute(t *testing.T) {
	for _, path := range []string{"/nope", "/api/accounts/123/anything"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if got := getEndpoint(req); got != endpointUnmatched {
			t.Errorf("getEndpoint(%s) = %q, want %q", path, got, endpointUnmatched)
		}
	}
}
