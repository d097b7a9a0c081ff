package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/api"
	"github.com/papertrade/ledger-engine/internal/auth"
	"github.com/papertrade/ledger-engine/internal/leaderboard"
	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/money"
	"github.com/papertrade/ledger-engine/internal/store"
)

const testKey = "test-key"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	router http.Handler
	hub    *api.WSHub
}

// newTestEnv wires a handler over an in-memory store. The hub runs until
// the test ends.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	hub := api.NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	engine := ledger.NewEngine(ms, money.StartingBalance, ledger.WithObserver(hub))
	h := api.NewHandler(engine, leaderboard.NewService(ms), nil)
	router := api.NewRouter(h, hub, api.RouterConfig{APIKey: testKey, RequestTimeout: 5 * time.Second})
	return &testEnv{router: router, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, testKey)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func (e *testEnv) createUser(t *testing.T, name, email string) api.UserResponse {
	t.Helper()
	w := e.do(t, "POST", "/users", api.CreateUserRequest{Name: name, Email: email, Password: "pw-" + name})
	expectStatus(t, w, http.StatusCreated)
	return decode[api.UserResponse](t, w)
}

func path(prefix string, id int64) string {
	return prefix + "/" + strconv.FormatInt(id, 10)
}

// --- Users ---

func TestCreateAndGetUser(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice", "Alice@Example.com")

	if u.ID == 0 || u.Name != "alice" || u.Email != "alice@example.com" {
		t.Errorf("unexpected user: %+v", u)
	}
	if !u.Balance.Equal(d("100000")) {
		t.Errorf("expected starting balance 100000, got %s", u.Balance)
	}

	w := env.do(t, "GET", path("/users", u.ID), nil)
	expectStatus(t, w, http.StatusOK)
	got := decode[api.UserResponse](t, w)
	if got.ID != u.ID || got.Email != u.Email || !got.Balance.Equal(u.Balance) {
		t.Errorf("expected %+v, got %+v", u, got)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Error("response must not expose the password hash")
	}
}

func TestCreateUser_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", "alice@example.com")

	w := env.do(t, "POST", "/users", api.CreateUserRequest{Name: "a2", Email: "ALICE@example.com", Password: "x"})
	expectStatus(t, w, http.StatusConflict)

	w = env.do(t, "POST", "/users", api.CreateUserRequest{Name: "", Email: "b@example.com", Password: "x"})
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, "POST", "/users", api.CreateUserRequest{Name: "bob", Email: "b@example.com"})
	expectStatus(t, w, http.StatusBadRequest)

	req := httptest.NewRequest("POST", "/users", strings.NewReader("{not json"))
	req.Header.Set(auth.HeaderAPIKey, testKey)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestGetUser_NotFoundAndBadID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/users/42", nil)
	expectStatus(t, w, http.StatusNotFound)
	body := decode[map[string]string](t, w)
	if body["error"] == "" {
		t.Error("expected error message in body")
	}

	w = env.do(t, "GET", "/users/abc", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice", "alice@example.com")

	w := env.do(t, "POST", "/login", api.LoginRequest{Email: "alice@example.com", Password: "pw-alice"})
	expectStatus(t, w, http.StatusOK)
	resp := decode[api.LoginResponse](t, w)
	if !resp.Success || resp.Message != "User successfully logged in" {
		t.Errorf("unexpected login response: %+v", resp)
	}
	if resp.User == nil || resp.User.ID != u.ID {
		t.Errorf("expected user %d in response, got %+v", u.ID, resp.User)
	}

	for _, req := range []api.LoginRequest{
		{Email: "alice@example.com", Password: "wrong"},
		{Email: "nobody@example.com", Password: "pw-alice"},
	} {
		w := env.do(t, "POST", "/login", req)
		expectStatus(t, w, http.StatusOK)
		resp := decode[api.LoginResponse](t, w)
		if resp.Success || resp.Message != "Email or password incorrect" || resp.User != nil {
			t.Errorf("%s: unexpected login response: %+v", req.Email, resp)
		}
	}
}

// --- Trading ---

func TestBuySellFlow(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice", "alice@example.com")

	w := env.do(t, "POST", path("/buy", u.ID), map[string]any{
		"stock_symbol": "aapl", "quantity": 10, "price_per_share": 10,
	})
	expectStatus(t, w, http.StatusOK)
	buy := decode[api.BuyResponse](t, w)
	if buy.StockSymbol != "AAPL" || !buy.TotalCost.Equal(d("100")) || !buy.Balance.Equal(d("99900")) {
		t.Errorf("unexpected buy response: %+v", buy)
	}

	// Short aliases and string-encoded decimals.
	w = env.do(t, "POST", path("/buy", u.ID), map[string]any{
		"ticker": "AAPL", "quantity": "10", "price": "20",
	})
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, "GET", path("/portfolio", u.ID), nil)
	expectStatus(t, w, http.StatusOK)
	pf := decode[api.PortfolioResponse](t, w)
	if len(pf.Portfolio) != 1 {
		t.Fatalf("expected 1 position, got %+v", pf.Portfolio)
	}
	pos := pf.Portfolio[0]
	if pos.StockSymbol != "AAPL" || !pos.SharesOwned.Equal(d("20")) || !pos.AveragePrice.Equal(d("15")) {
		t.Errorf("unexpected position: %+v", pos)
	}
	if !pf.User.Balance.Equal(d("99700")) {
		t.Errorf("expected balance 99700, got %s", pf.User.Balance)
	}

	w = env.do(t, "POST", path("/sell", u.ID), map[string]any{
		"stock_symbol": "aapl", "quantity": 20, "price_per_share": 15,
	})
	expectStatus(t, w, http.StatusOK)
	sell := decode[api.SellResponse](t, w)
	if !sell.TotalReturn.Equal(d("300")) || !sell.Balance.Equal(d("100000")) {
		t.Errorf("unexpected sell response: %+v", sell)
	}

	w = env.do(t, "GET", path("/portfolio", u.ID), nil)
	pf = decode[api.PortfolioResponse](t, w)
	if len(pf.Portfolio) != 0 {
		t.Errorf("expected empty portfolio after selling out, got %+v", pf.Portfolio)
	}

	w = env.do(t, "GET", path("/transactions", u.ID), nil)
	expectStatus(t, w, http.StatusOK)
	hist := decode[api.TransactionsResponse](t, w)
	if len(hist.Transactions) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(hist.Transactions))
	}
	wantTypes := []string{"buy", "buy", "sell"}
	for i, tx := range hist.Transactions {
		if tx.TransactionType != wantTypes[i] || tx.StockSymbol != "AAPL" || tx.ID == "" {
			t.Errorf("transaction %d: unexpected %+v", i, tx)
		}
	}
	if !hist.Transactions[2].SharesQuantity.Equal(d("20")) || !hist.Transactions[2].Price.Equal(d("15")) {
		t.Errorf("unexpected sell record: %+v", hist.Transactions[2])
	}
}

func TestTradeErrors(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice", "alice@example.com")
	env.do(t, "POST", path("/buy", u.ID), map[string]any{"stock_symbol": "MSFT", "quantity": 5, "price_per_share": 100})

	tests := []struct {
		name string
		path string
		body map[string]any
		want int
	}{
		{"insufficient balance", path("/buy", u.ID), map[string]any{"stock_symbol": "AAPL", "quantity": 1000, "price_per_share": 1000}, http.StatusBadRequest},
		{"zero quantity", path("/buy", u.ID), map[string]any{"stock_symbol": "AAPL", "quantity": 0, "price_per_share": 10}, http.StatusBadRequest},
		{"negative price", path("/buy", u.ID), map[string]any{"stock_symbol": "AAPL", "quantity": 1, "price_per_share": -10}, http.StatusBadRequest},
		{"bad ticker", path("/buy", u.ID), map[string]any{"stock_symbol": "$$$", "quantity": 1, "price_per_share": 10}, http.StatusBadRequest},
		{"unknown account", "/buy/999", map[string]any{"stock_symbol": "AAPL", "quantity": 1, "price_per_share": 10}, http.StatusNotFound},
		{"sell missing position", path("/sell", u.ID), map[string]any{"stock_symbol": "AAPL", "quantity": 1, "price_per_share": 10}, http.StatusNotFound},
		{"sell too many", path("/sell", u.ID), map[string]any{"stock_symbol": "MSFT", "quantity": 6, "price_per_share": 10}, http.StatusBadRequest},
		{"huge quantity", path("/buy", u.ID), map[string]any{"stock_symbol": "AAPL", "quantity": json.Number("1e20000000"), "price_per_share": 1}, http.StatusBadRequest},
		{"huge price", path("/sell", u.ID), map[string]any{"stock_symbol": "MSFT", "quantity": 1, "price_per_share": json.Number("1e20000000")}, http.StatusBadRequest},
		{"tiny price", path("/buy", u.ID), map[string]any{"stock_symbol": "AAPL", "quantity": 1, "price_per_share": json.Number("1e-20000000")}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", tc.path, tc.body)
			expectStatus(t, w, tc.want)
			if w.Body.Len() > 512 {
				t.Errorf("error body is %d bytes", w.Body.Len())
			}
		})
	}

	w := env.do(t, "GET", path("/users", u.ID), nil)
	got := decode[api.UserResponse](t, w)
	if !got.Balance.Equal(d("99500")) {
		t.Errorf("rejected trades must not move the balance, got %s", got.Balance)
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice", "alice@example.com")
	env.do(t, "POST", path("/buy", u.ID), map[string]any{"stock_symbol": "AAPL", "quantity": 10, "price_per_share": 50})

	w := env.do(t, "DELETE", path("/reset", u.ID), nil)
	expectStatus(t, w, http.StatusOK)
	resp := decode[api.ResetResponse](t, w)
	if resp.Message != "User reset successfully" || resp.UserID != u.ID || resp.Email != "alice@example.com" {
		t.Errorf("unexpected reset response: %+v", resp)
	}

	pf := decode[api.PortfolioResponse](t, env.do(t, "GET", path("/portfolio", u.ID), nil))
	if len(pf.Portfolio) != 0 || !pf.User.Balance.Equal(d("100000")) {
		t.Errorf("expected clean account after reset, got %+v", pf)
	}
	hist := decode[api.TransactionsResponse](t, env.do(t, "GET", path("/transactions", u.ID), nil))
	if len(hist.Transactions) != 0 {
		t.Errorf("expected no transactions after reset, got %d", len(hist.Transactions))
	}

	expectStatus(t, env.do(t, "DELETE", "/reset/999", nil), http.StatusNotFound)
}

// --- Leaderboard ---

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", "alice@example.com")
	bob := env.createUser(t, "bob", "bob@example.com")

	w := env.do(t, "POST", path("/leaderboard", alice.ID), map[string]any{"total_worth": 90000})
	expectStatus(t, w, http.StatusOK)
	entry := decode[api.LeaderboardEntryResponse](t, w)
	if entry.Name != "alice" || !entry.TotalWorth.Equal(d("90000")) {
		t.Errorf("unexpected entry: %+v", entry)
	}
	expectStatus(t, env.do(t, "POST", path("/leaderboard", bob.ID), map[string]any{"total_worth": "120000.5"}), http.StatusOK)
	expectStatus(t, env.do(t, "POST", "/leaderboard/999", map[string]any{"total_worth": 1}), http.StatusNotFound)
	expectStatus(t, env.do(t, "POST", path("/leaderboard", bob.ID), map[string]any{"total_worth": -1}), http.StatusBadRequest)

	w = env.do(t, "GET", "/leaderboard", nil)
	expectStatus(t, w, http.StatusOK)
	lb := decode[api.LeaderboardResponse](t, w)
	if len(lb.Leaderboard) != 2 || lb.Leaderboard[0].Name != "bob" || lb.Leaderboard[1].Name != "alice" {
		t.Errorf("unexpected standings: %+v", lb.Leaderboard)
	}
}

// --- Routing and auth ---

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/leaderboard", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusForbidden)

	for _, p := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest("GET", p, nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		expectStatus(t, w, http.StatusOK)
	}
}

func TestDevModeSkipsAPIKey(t *testing.T) {
	ms := store.NewMemoryStore()
	engine := ledger.NewEngine(ms, money.StartingBalance)
	h := api.NewHandler(engine, leaderboard.NewService(ms), nil)
	router := api.NewRouter(h, nil, api.RouterConfig{DevMode: true})

	req := httptest.NewRequest("GET", "/leaderboard", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusOK)
}

func TestTrailingSlash(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice", "alice@example.com")

	w := env.do(t, "GET", path("/users", u.ID)+"/", nil)
	expectStatus(t, w, http.StatusOK)
	w = env.do(t, "POST", "/users/", api.CreateUserRequest{Name: "bob", Email: "bob@example.com", Password: "x"})
	expectStatus(t, w, http.StatusCreated)
}

// --- WebSocket feed ---

func TestTradeFeed(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	u := env.createUser(t, "alice", "alice@example.com")

	header := http.Header{}
	header.Set(auth.HeaderAPIKey, testKey)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello api.WSMessage
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "connected" {
		t.Fatalf("expected connected message, got %+v (%v)", hello, err)
	}

	env.do(t, "POST", path("/buy", u.ID), map[string]any{"stock_symbol": "nvda", "quantity": 2, "price_per_share": "12.5"})

	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read trade: %v", err)
	}
	if msg.Type != "trade_executed" || msg.UserID != u.ID || msg.StockSymbol != "NVDA" || msg.Side != "buy" {
		t.Errorf("unexpected trade message: %+v", msg)
	}
	if !d(msg.Total).Equal(d("25")) || !d(msg.SharesOwned).Equal(d("2")) {
		t.Errorf("unexpected amounts: %+v", msg)
	}
}

func TestTradeFeed_RequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial to fail without api key")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}
