// Package api provides the HTTP handlers for accounts, trades, history and
// the leaderboard, plus the WebSocket trade feed.
//
// All monetary values use shopspring/decimal and are rendered as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/auth"
	"github.com/papertrade/ledger-engine/internal/leaderboard"
	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/ticker"
)

const (
	msgLoginOK     = "User successfully logged in"
	msgLoginFailed = "Email or password incorrect"
	msgReset       = "User reset successfully"
)

// Handler serves the ledger HTTP API.
type Handler struct {
	engine      *ledger.Engine
	leaderboard *leaderboard.Service
	logger      *slog.Logger
}

// NewHandler creates a handler over the engine and leaderboard.
func NewHandler(engine *ledger.Engine, lb *leaderboard.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, leaderboard: lb, logger: logger}
}

// Routes mounts the ledger endpoints on r. Callers add auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/users/{userID}", h.GetUser)
	r.Post("/users", h.CreateUser)
	r.Post("/login", h.Login)
	r.Get("/portfolio/{userID}", h.GetPortfolio)
	r.Get("/transactions/{userID}", h.GetTransactions)
	r.Post("/buy/{userID}", h.Buy)
	r.Post("/sell/{userID}", h.Sell)
	r.Delete("/reset/{userID}", h.Reset)
	r.Get("/leaderboard", h.GetLeaderboard)
	r.Post("/leaderboard/{userID}", h.SubmitLeaderboard)
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the JSON body for POST /login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TradeRequest is the JSON body for POST /buy and POST /sell. The short
// field names ticker and price are accepted as aliases.
type TradeRequest struct {
	StockSymbol   string          `json:"stock_symbol"`
	Ticker        string          `json:"ticker"`
	Quantity      decimal.Decimal `json:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Price         decimal.Decimal `json:"price"`
}

func (r TradeRequest) symbol() string {
	if r.StockSymbol != "" {
		return r.StockSymbol
	}
	return r.Ticker
}

func (r TradeRequest) price() decimal.Decimal {
	if !r.PricePerShare.IsZero() {
		return r.PricePerShare
	}
	return r.Price
}

// LeaderboardRequest is the JSON body for POST /leaderboard/{userID}.
type LeaderboardRequest struct {
	TotalWorth decimal.Decimal `json:"total_worth"`
}

// UserResponse is the public account snapshot.
type UserResponse struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name"`
	Email   string          `json:"email"`
	Balance decimal.Decimal `json:"balance"`
}

// LoginResponse reports the outcome of a login attempt.
type LoginResponse struct {
	Message string        `json:"message"`
	Success bool          `json:"success"`
	User    *UserResponse `json:"user,omitempty"`
}

// PositionResponse is one holding in a portfolio.
type PositionResponse struct {
	StockSymbol  string          `json:"stock_symbol"`
	SharesOwned  decimal.Decimal `json:"shares_owned"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// PortfolioResponse is the body of GET /portfolio/{userID}.
type PortfolioResponse struct {
	User      UserResponse       `json:"user"`
	Portfolio []PositionResponse `json:"portfolio"`
}

// TransactionResponse is one executed trade.
type TransactionResponse struct {
	ID              string          `json:"id"`
	StockSymbol     string          `json:"stock_symbol"`
	TransactionType string          `json:"transaction_type"`
	SharesQuantity  decimal.Decimal `json:"shares_quantity"`
	Price           decimal.Decimal `json:"price"`
	Time            time.Time       `json:"time"`
}

// TransactionsResponse is the body of GET /transactions/{userID}.
type TransactionsResponse struct {
	User         UserResponse          `json:"user"`
	Transactions []TransactionResponse `json:"transactions"`
}

// BuyResponse is the body returned from POST /buy/{userID}.
type BuyResponse struct {
	UserID      int64           `json:"user_id"`
	StockSymbol string          `json:"stock_symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	Balance     decimal.Decimal `json:"balance"`
}

// SellResponse is the body returned from POST /sell/{userID}.
type SellResponse struct {
	UserID      int64           `json:"user_id"`
	StockSymbol string          `json:"stock_symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	TotalReturn decimal.Decimal `json:"total_return"`
	Balance     decimal.Decimal `json:"balance"`
}

// ResetResponse is the body returned from DELETE /reset/{userID}.
type ResetResponse struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
}

// LeaderboardEntryResponse is one ranked account.
type LeaderboardEntryResponse struct {
	Name       string          `json:"name"`
	TotalWorth decimal.Decimal `json:"total_worth"`
}

// LeaderboardResponse is the body of GET /leaderboard.
type LeaderboardResponse struct {
	Leaderboard []LeaderboardEntryResponse `json:"leaderboard"`
}

func userResponse(a model.Account) UserResponse {
	return UserResponse{ID: a.ID, Name: a.Name, Email: a.Email, Balance: a.Balance}
}

// --- HTTP Handlers ---

// GetUser handles GET /users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	acct, err := h.engine.Account(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse(*acct))
}

// CreateUser handles POST /users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Password == "" {
		writeError(w, "password is required", http.StatusBadRequest)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	acct, err := h.engine.Open(r.Context(), req.Name, req.Email, hash)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse(*acct))
}

// Login handles POST /login. A failed login is reported in the body with
// a 200 status and never says whether the email exists.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := h.engine.AccountByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, model.ErrAccountNotFound) {
			writeJSON(w, http.StatusOK, LoginResponse{Message: msgLoginFailed})
			return
		}
		h.writeErr(w, r, err)
		return
	}
	if err := auth.VerifyPassword(acct.PasswordHash, req.Password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			h.logger.Warn("password verify failed", "account", acct.ID, "err", err)
		}
		writeJSON(w, http.StatusOK, LoginResponse{Message: msgLoginFailed})
		return
	}

	u := userResponse(*acct)
	writeJSON(w, http.StatusOK, LoginResponse{Message: msgLoginOK, Success: true, User: &u})
}

// GetPortfolio handles GET /portfolio/{userID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	p, err := h.engine.Portfolio(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	resp := PortfolioResponse{
		User:      userResponse(p.Account),
		Portfolio: make([]PositionResponse, 0, len(p.Positions)),
	}
	for _, pos := range p.Positions {
		resp.Portfolio = append(resp.Portfolio, PositionResponse{
			StockSymbol:  pos.Ticker,
			SharesOwned:  pos.SharesOwned,
			AveragePrice: pos.AveragePrice,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTransactions handles GET /transactions/{userID}
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	hist, err := h.engine.History(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	resp := TransactionsResponse{
		User:         userResponse(hist.Account),
		Transactions: make([]TransactionResponse, 0, len(hist.Transactions)),
	}
	for _, t := range hist.Transactions {
		resp.Transactions = append(resp.Transactions, TransactionResponse{
			ID:              t.ID,
			StockSymbol:     t.Ticker,
			TransactionType: string(t.Side),
			SharesQuantity:  t.Quantity,
			Price:           t.Price,
			Time:            t.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Buy handles POST /buy/{userID}
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	id, req, ok := tradeRequest(w, r)
	if !ok {
		return
	}
	res, err := h.engine.Buy(r.Context(), id, req.symbol(), req.Quantity, req.price())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BuyResponse{
		UserID:      id,
		StockSymbol: res.Transaction.Ticker,
		Quantity:    res.Transaction.Quantity,
		TotalCost:   res.Total,
		Balance:     res.Account.Balance,
	})
}

// Sell handles POST /sell/{userID}
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	id, req, ok := tradeRequest(w, r)
	if !ok {
		return
	}
	res, err := h.engine.Sell(r.Context(), id, req.symbol(), req.Quantity, req.price())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SellResponse{
		UserID:      id,
		StockSymbol: res.Transaction.Ticker,
		Quantity:    res.Transaction.Quantity,
		TotalReturn: res.Total,
		Balance:     res.Account.Balance,
	})
}

// Reset handles DELETE /reset/{userID}
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	acct, err := h.engine.Reset(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{
		Message: msgReset,
		UserID:  acct.ID,
		Name:    acct.Name,
		Email:   acct.Email,
	})
}

// GetLeaderboard handles GET /leaderboard
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.leaderboard.Standings(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	resp := LeaderboardResponse{Leaderboard: make([]LeaderboardEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Leaderboard = append(resp.Leaderboard, LeaderboardEntryResponse{Name: e.Name, TotalWorth: e.TotalWorth})
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitLeaderboard handles POST /leaderboard/{userID}
func (h *Handler) SubmitLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req LeaderboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	entry, err := h.leaderboard.Submit(r.Context(), id, req.TotalWorth)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LeaderboardEntryResponse{Name: entry.Name, TotalWorth: entry.TotalWorth})
}

// --- Helpers ---

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "userID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid user id: "+raw, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func tradeRequest(w http.ResponseWriter, r *http.Request) (int64, TradeRequest, bool) {
	var req TradeRequest
	id, ok := userID(w, r)
	if !ok {
		return 0, req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return 0, req, false
	}
	return id, req, true
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	var ve *model.ValidationError
	switch {
	case errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAccountAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidPrice),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, ticker.ErrInvalidTicker),
		errors.Is(err, leaderboard.ErrInvalidWorth),
		errors.As(err, &ve):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Internal failures are logged
// and reported without detail.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
