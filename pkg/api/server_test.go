package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/almasgold/ttbroker/params"
	"github.com/almasgold/ttbroker/pkg/engine"
	"github.com/almasgold/ttbroker/pkg/store"
)

const (
	adminID = "admin-1"
	apiKey  = "secret-key"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := params.Trading{
		BaseAmountPerVolume: decimal.NewFromInt(26000),
		MinimumBalancePct:   decimal.NewFromInt(10),
		AllowNegativeMetal:  true,
	}
	eng := engine.New(cfg, s, nil, "XAUUSD", zap.NewNop().Sugar())

	srv := NewServer(params.Server{Addr: ":0", APIKey: apiKey}, eng, s, nil, nil, nil, zap.NewNop().Sugar())
	return srv, s
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	if !env.Success {
		t.Fatalf("success=false: %s", rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func createAccount(t *testing.T, srv *Server) *store.Account {
	t.Helper()
	rec := doJSON(t, srv, "POST", "/api/admin/account/"+adminID, CreateAccountRequest{
		AccountHead: "REST Client",
		Accode:      "RC-01",
		AskSpread:   decimal.NewFromFloat(0.5),
		BidSpread:   decimal.NewFromFloat(0.5),
		PhoneNumber: "+971501234567",
		Status:      "active",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: %d %s", rec.Code, rec.Body.String())
	}
	var acc store.Account
	decodeData(t, rec, &acc)
	return &acc
}

func fund(t *testing.T, srv *Server, userID, amount string) {
	t.Helper()
	rec := doJSON(t, srv, "POST", "/api/admin/transaction/"+adminID, CreateTransactionRequest{
		Type: "DEPOSIT", Asset: "CASH", Amount: dec(amount), User: userID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("fund: %d %s", rec.Code, rec.Body.String())
	}
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/admin/order/"+adminID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}
}

func TestHealthOpen(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health without key: %d", rec.Code)
	}
}

func TestOrderLifecycleOverREST(t *testing.T) {
	srv, s := newTestServer(t)
	acc := createAccount(t, srv)
	fund(t, srv, acc.ID, "100000")

	rec := doJSON(t, srv, "POST", "/api/admin/create-order/"+adminID, CreateOrderRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: "BUY",
		Volume: dec("1"), Price: dec("1902"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", rec.Code, rec.Body.String())
	}
	var open engine.OpenTradeResult
	decodeData(t, rec, &open)
	if open.Order.OrderStatus != store.OrderProcessing {
		t.Errorf("status = %s", open.Order.OrderStatus)
	}

	// List shows it.
	rec = doJSON(t, srv, "GET", "/api/admin/order/"+adminID, nil)
	var orders []*store.Order
	decodeData(t, rec, &orders)
	if len(orders) != 1 {
		t.Fatalf("orders = %d", len(orders))
	}

	// Close via PATCH.
	closing := dec("1904")
	rec = doJSON(t, srv, "PATCH", fmt.Sprintf("/api/admin/order/%s/%s", adminID, open.Order.ID), UpdateOrderRequest{
		OrderStatus: "CLOSED", ClosingPrice: &closing,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rec.Code, rec.Body.String())
	}
	var closed engine.CloseTradeResult
	decodeData(t, rec, &closed)
	if closed.Order.OrderStatus != store.OrderClosed {
		t.Errorf("status = %s", closed.Order.OrderStatus)
	}

	// Second close conflicts.
	rec = doJSON(t, srv, "PATCH", fmt.Sprintf("/api/admin/order/%s/%s", adminID, open.Order.ID), UpdateOrderRequest{
		OrderStatus: "CLOSED", ClosingPrice: &closing,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("re-close: %d, want 409", rec.Code)
	}

	_ = s
}

func TestCrossAdminIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	acc := createAccount(t, srv)
	fund(t, srv, acc.ID, "100000")

	rec := doJSON(t, srv, "POST", "/api/admin/create-order/other-admin", CreateOrderRequest{
		UserID: acc.ID, Symbol: "GOLD", Type: "BUY", Volume: dec("1"), Price: dec("1900"),
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-admin create: %d, want 404", rec.Code)
	}

	rec = doJSON(t, srv, "GET", "/api/admin/account/other-admin/"+acc.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-admin get account: %d, want 404", rec.Code)
	}
}

func TestWithdrawalInsufficient(t *testing.T) {
	srv, _ := newTestServer(t)
	acc := createAccount(t, srv)
	fund(t, srv, acc.ID, "500")

	rec := doJSON(t, srv, "POST", "/api/admin/transaction/"+adminID, CreateTransactionRequest{
		Type: "WITHDRAWAL", Asset: "CASH", Amount: dec("600"), User: acc.ID,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("oversized withdrawal: %d, want 422", rec.Code)
	}
}

func TestBalanceCheckEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	acc := createAccount(t, srv)
	fund(t, srv, acc.ID, "100000")

	rec := doJSON(t, srv, "GET", fmt.Sprintf("/api/admin/balance-check/%s/%s?volume=2", adminID, acc.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance check: %d %s", rec.Code, rec.Body.String())
	}
	var check engine.BalanceCheck
	decodeData(t, rec, &check)
	if !check.OK {
		t.Errorf("check = %+v", check)
	}

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/admin/balance-check/%s/%s?volume=bogus", adminID, acc.ID), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus volume: %d, want 400", rec.Code)
	}
}

func TestLedgerPagination(t *testing.T) {
	srv, _ := newTestServer(t)
	acc := createAccount(t, srv)
	for i := 0; i < 5; i++ {
		fund(t, srv, acc.ID, "100")
	}

	rec := doJSON(t, srv, "GET", fmt.Sprintf("/api/admin/ledger/%s/%s?limit=2", adminID, acc.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ledger: %d %s", rec.Code, rec.Body.String())
	}
	var page LedgerPage
	decodeData(t, rec, &page)
	if len(page.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(page.Entries))
	}

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/admin/ledger/%s/%s?offset=4&limit=10", adminID, acc.ID), nil)
	decodeData(t, rec, &page)
	if len(page.Entries) != 1 {
		t.Errorf("offset page entries = %d, want 1", len(page.Entries))
	}
}

func TestAccountProfileUpdate(t *testing.T) {
	srv, _ := newTestServer(t)
	acc := createAccount(t, srv)

	phone := "+971509999999"
	rec := doJSON(t, srv, "PATCH", fmt.Sprintf("/api/admin/account/%s/%s", adminID, acc.ID), UpdateAccountRequest{
		PhoneNumber: &phone,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch account: %d %s", rec.Code, rec.Body.String())
	}
	var got store.Account
	decodeData(t, rec, &got)
	if got.PhoneNumber != phone {
		t.Errorf("phone = %s", got.PhoneNumber)
	}
	if !got.AskSpread.Equal(acc.AskSpread) {
		t.Errorf("untouched field changed: %s", got.AskSpread)
	}
}

func TestDuplicateAccodeConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	createAccount(t, srv)

	rec := doJSON(t, srv, "POST", "/api/admin/account/"+adminID, CreateAccountRequest{
		AccountHead: "Other", Accode: "RC-01",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate accode: %d, want 409", rec.Code)
	}
}
